package store

import (
	"time"

	"docupdater/internal/ranges"
)

// DocRecord is the durable copy of one document.
type DocRecord struct {
	ProjectID          string
	DocID              string
	Lines              []string
	Version            int
	Ranges             ranges.Ranges
	Pathname           string
	ProjectHistoryID   string
	ProjectHistoryType string
	LastUpdatedAt      time.Time
	LastUpdatedBy      string
	UpdatedAt          time.Time
}

// GetDocOptions controls a durable read. A peek leaves last_loaded_at alone,
// so diagnostic reads do not count as the document being opened.
type GetDocOptions struct {
	Peek bool
}
