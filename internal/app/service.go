package app

import (
	"context"
	"time"

	"docupdater/internal/cache"
	"docupdater/internal/docmanager"
	"docupdater/internal/metrics"
	"docupdater/internal/search"
)

// DocManager is the coordinator surface exposed over HTTP.
type DocManager interface {
	GetDocAndRecentOps(ctx context.Context, projectID, docID string, fromVersion int) (docmanager.RecentOps, error)
	GetProjectDocsAndFlushIfOld(ctx context.Context, projectID string) ([]docmanager.ProjectDoc, error)
	PeekDoc(ctx context.Context, projectID, docID string) (docmanager.Document, error)
	SetDoc(ctx context.Context, projectID, docID string, lines []string, source, userID string, undoing bool) error
	FlushDocIfLoaded(ctx context.Context, projectID, docID string) error
	FlushProject(ctx context.Context, projectID string) error
	FlushAndDeleteDoc(ctx context.Context, projectID, docID string, opts docmanager.FlushAndDeleteOptions) error
	AcceptChanges(ctx context.Context, projectID, docID string, changeIDs []string) error
	DeleteComment(ctx context.Context, projectID, docID, commentID string) error
	RenameDoc(ctx context.Context, projectID, docID, userID string, update cache.RenameUpdate, projectHistoryID string) error
	ResyncDocContents(ctx context.Context, projectID, docID string) error
}

type Searcher interface {
	Search(q search.Query) search.Response
}

// HealthCheck is one dependency probed by the readiness endpoint.
type HealthCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

type Service struct {
	docs    DocManager
	search  Searcher
	metrics *metrics.Registry
	checks  []HealthCheck
}

func NewService(docs DocManager, searcher Searcher, registry *metrics.Registry, checks ...HealthCheck) *Service {
	return &Service{docs: docs, search: searcher, metrics: registry, checks: checks}
}

// Ready pings every dependency and reports each result.
func (s *Service) Ready(ctx context.Context) (bool, map[string]any) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ready := true
	checks := make(map[string]any, len(s.checks))
	for _, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			ready = false
			checks[check.Name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[check.Name] = map[string]any{"status": "ok"}
	}
	return ready, checks
}
