// Package search indexes flushed documents and answers full-text queries,
// preferring Meilisearch and falling back to PostgreSQL full-text search.
package search

import "strings"

// Result is a single search hit returned to the caller.
type Result struct {
	ProjectID string `json:"projectId"`
	DocID     string `json:"docId"`
	Pathname  string `json:"pathname"`
	Snippet   string `json:"snippet"`
	Version   int    `json:"version"`
}

// Query describes a search request.
type Query struct {
	Text      string
	ProjectID string // empty = all projects
	Limit     int
	Offset    int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// DocumentRecord is the data we index for a document.
type DocumentRecord struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	DocID     string `json:"docId"`
	Pathname  string `json:"pathname"`
	Content   string `json:"content"`
	Version   int    `json:"version"`
}

// NewDocumentRecord builds the index entry for one document. The record id
// combines project and doc ids since doc ids are only unique per project.
func NewDocumentRecord(projectID, docID, pathname string, lines []string, version int) DocumentRecord {
	return DocumentRecord{
		ID:        recordID(projectID, docID),
		ProjectID: projectID,
		DocID:     docID,
		Pathname:  pathname,
		Content:   strings.Join(lines, "\n"),
		Version:   version,
	}
}

func recordID(projectID, docID string) string {
	return projectID + "-" + docID
}
