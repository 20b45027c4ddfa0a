// Package docmanager coordinates a document between the Redis cache and the
// durable store: load on miss, write-back, eviction, full-content replacement
// and range edits, and the history signals each of those owes.
package docmanager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
	"unicode/utf8"

	"docupdater/internal/cache"
	"docupdater/internal/metrics"
	"docupdater/internal/ot"
	"docupdater/internal/ranges"
	"docupdater/internal/search"
	"docupdater/internal/store"
)

type Cache interface {
	GetDoc(ctx context.Context, projectID, docID string) (cache.Doc, bool, error)
	PutDoc(ctx context.Context, projectID, docID string, doc cache.Doc) error
	RemoveDoc(ctx context.Context, projectID, docID string) error
	UpdateDocument(ctx context.Context, projectID, docID string, lines []string, version int, updates []ot.Update, r ranges.Ranges, meta ot.UpdateMeta) error
	GetPreviousDocOps(ctx context.Context, docID string, start, end int) ([]ot.Update, error)
	ClearUnflushedTime(ctx context.Context, docID string) error
	RenameDoc(ctx context.Context, projectID, docID, userID string, update cache.RenameUpdate, projectHistoryID string) error
	SetHistoryType(ctx context.Context, docID, historyType string) error
	DocIDsInProject(ctx context.Context, projectID string) ([]string, error)
}

type Persistence interface {
	GetDoc(ctx context.Context, projectID, docID string, opts store.GetDocOptions) (store.DocRecord, error)
	SetDoc(ctx context.Context, projectID, docID string, lines []string, version int, r ranges.Ranges, lastUpdatedAt time.Time, lastUpdatedBy string) error
}

type Updater interface {
	ApplyUpdate(ctx context.Context, projectID, docID string, update ot.Update) error
}

type Differ interface {
	Diff(before, after []string) ([]ot.Op, error)
}

type RangesEditor interface {
	AcceptChanges(changeIDs []string, r ranges.Ranges) (ranges.Ranges, error)
	DeleteComment(commentID string, r ranges.Ranges) (ranges.Ranges, error)
}

// History receives fire-and-forget flush signals.
type History interface {
	FlushDocChangesAsync(projectID, docID string)
	FlushProjectChangesAsync(projectID string)
}

type ResyncQueue interface {
	QueueResyncDocContent(ctx context.Context, projectID, projectHistoryID, docID string, lines []string, version int, pathname string) error
}

// Indexer receives flushed documents for search. Optional.
type Indexer interface {
	IndexDoc(doc search.DocumentRecord)
}

type Dependencies struct {
	Cache       Cache
	Persistence Persistence
	Updater     Updater
	Differ      Differ
	Ranges      RangesEditor
	History     History
	Resync      ResyncQueue
	Indexer     Indexer
	Metrics     *metrics.Registry
}

type Config struct {
	MaxUnflushedAge time.Duration
}

// Manager is the per-document coordinator.
//
// Manager does no locking of its own. Callers must serialize mutating calls
// (SetDoc, AcceptChanges, DeleteComment, flushes and evictions) for the same
// document; the update pipeline upstream submits at most one in-flight change
// per document. Calls for different documents are independent.
type Manager struct {
	cache       Cache
	persistence Persistence
	updater     Updater
	differ      Differ
	ranges      RangesEditor
	history     History
	resync      ResyncQueue
	indexer     Indexer
	metrics     *metrics.Registry
	maxAge      time.Duration
	now         func() time.Time
}

func New(deps Dependencies, cfg Config) *Manager {
	maxAge := cfg.MaxUnflushedAge
	if maxAge <= 0 {
		maxAge = DefaultMaxUnflushedAge
	}
	return &Manager{
		cache:       deps.Cache,
		persistence: deps.Persistence,
		updater:     deps.Updater,
		differ:      deps.Differ,
		ranges:      deps.Ranges,
		history:     deps.History,
		resync:      deps.Resync,
		indexer:     deps.Indexer,
		metrics:     deps.Metrics,
		maxAge:      maxAge,
		now:         time.Now,
	}
}

// GetDoc returns the cached document, loading it from durable storage and
// priming the cache on a miss.
func (m *Manager) GetDoc(ctx context.Context, projectID, docID string) (Lookup, error) {
	timer := m.metrics.Timer("docManager.getDoc")
	defer timer.Done()

	cached, ok, err := m.cache.GetDoc(ctx, projectID, docID)
	if err != nil {
		return nil, wrap(ErrStorageFailure, "get doc from cache", err)
	}
	if ok {
		return CacheHit{Document: fromCache(cached)}, nil
	}

	record, err := m.persistence.GetDoc(ctx, projectID, docID, store.GetDocOptions{})
	if errors.Is(err, store.ErrDocNotFound) {
		return nil, wrap(ErrNotFound, "load doc", err)
	}
	if err != nil {
		return nil, wrap(ErrStorageFailure, "load doc", err)
	}

	err = m.cache.PutDoc(ctx, projectID, docID, cache.Doc{
		Lines:            record.Lines,
		Version:          record.Version,
		Ranges:           record.Ranges,
		Pathname:         record.Pathname,
		ProjectHistoryID: record.ProjectHistoryID,
	})
	if err != nil {
		return nil, wrap(ErrStorageFailure, "put doc in cache", err)
	}
	if err := m.cache.SetHistoryType(ctx, docID, record.ProjectHistoryType); err != nil {
		if rmErr := m.cache.RemoveDoc(ctx, projectID, docID); rmErr != nil {
			log.Printf("docmanager: remove half-loaded doc %s/%s: %v", projectID, docID, rmErr)
		}
		return nil, wrap(ErrStorageFailure, "set history type", err)
	}

	return CacheMiss{Document: Document{
		Lines:            record.Lines,
		Version:          record.Version,
		Ranges:           record.Ranges,
		Pathname:         record.Pathname,
		ProjectHistoryID: record.ProjectHistoryID,
		LastUpdatedAt:    record.LastUpdatedAt,
		LastUpdatedBy:    record.LastUpdatedBy,
	}}, nil
}

// GetDocAndRecentOps returns the document and the updates with base version
// in [fromVersion, version). fromVersion NoVersion skips the op log.
func (m *Manager) GetDocAndRecentOps(ctx context.Context, projectID, docID string, fromVersion int) (RecentOps, error) {
	timer := m.metrics.Timer("docManager.getDocAndRecentOps")
	defer timer.Done()

	lookup, err := m.GetDoc(ctx, projectID, docID)
	if err != nil {
		return RecentOps{}, err
	}
	doc := lookup.Doc()

	ops := []ot.Update{}
	if fromVersion != NoVersion {
		ops, err = m.cache.GetPreviousDocOps(ctx, docID, fromVersion, doc.Version)
		if err != nil {
			return RecentOps{}, wrap(ErrStorageFailure, "get previous doc ops", err)
		}
	}

	return RecentOps{
		Lines:            doc.Lines,
		Version:          doc.Version,
		Ops:              ops,
		Ranges:           doc.Ranges,
		Pathname:         doc.Pathname,
		ProjectHistoryID: doc.ProjectHistoryID,
	}, nil
}

// FlushDocIfLoaded writes a cached document back to durable storage and
// clears its dirty marker. A document that is not cached has nothing to flush.
// On a failed write the dirty marker stays set.
func (m *Manager) FlushDocIfLoaded(ctx context.Context, projectID, docID string) error {
	timer := m.metrics.Timer("docManager.flushDocIfLoaded")
	defer timer.Done()

	cached, ok, err := m.cache.GetDoc(ctx, projectID, docID)
	if err != nil {
		return wrap(ErrStorageFailure, "get doc from cache", err)
	}
	if !ok {
		return nil
	}

	err = m.persistence.SetDoc(ctx, projectID, docID, cached.Lines, cached.Version, cached.Ranges, cached.LastUpdatedAt, cached.LastUpdatedBy)
	if err != nil {
		return wrap(ErrStorageFailure, "persist doc", err)
	}
	if err := m.cache.ClearUnflushedTime(ctx, docID); err != nil {
		return wrap(ErrStorageFailure, "clear unflushed time", err)
	}

	if m.indexer != nil {
		m.indexer.IndexDoc(search.NewDocumentRecord(projectID, docID, cached.Pathname, cached.Lines, cached.Version))
	}
	return nil
}

// FlushAndDeleteDoc flushes the document and removes it from the cache, then
// asks history to flush the document's pending changes.
func (m *Manager) FlushAndDeleteDoc(ctx context.Context, projectID, docID string, opts FlushAndDeleteOptions) error {
	timer := m.metrics.Timer("docManager.flushAndDeleteDoc")
	defer timer.Done()

	if err := m.FlushDocIfLoaded(ctx, projectID, docID); err != nil {
		if !opts.IgnoreFlushErrors {
			return err
		}
		log.Printf("docmanager: ignoring flush error while deleting %s/%s: %v", projectID, docID, err)
	}

	if err := m.cache.RemoveDoc(ctx, projectID, docID); err != nil {
		return wrap(ErrStorageFailure, "remove doc from cache", err)
	}
	if m.history != nil {
		m.history.FlushDocChangesAsync(projectID, docID)
	}
	return nil
}

// SetDoc replaces the document content with lines, expressed as one update
// diffed against the current content. A document that was cached before the
// call is flushed and stays cached. A document loaded by this call is evicted
// again and the whole project's history is flushed.
//
// Identical content produces no ops: no update is applied and the version
// stays put, but the flush or eviction still happens.
func (m *Manager) SetDoc(ctx context.Context, projectID, docID string, lines []string, source, userID string, undoing bool) error {
	timer := m.metrics.Timer("docManager.setDoc")
	defer timer.Done()

	if len(lines) == 0 {
		return fmt.Errorf("%w: no lines supplied", ErrInvalidInput)
	}
	for i, line := range lines {
		if !utf8.ValidString(line) {
			return fmt.Errorf("%w: line %d is not valid UTF-8", ErrInvalidInput, i)
		}
	}

	lookup, err := m.GetDoc(ctx, projectID, docID)
	if err != nil {
		return err
	}
	doc := lookup.Doc()

	ops, err := m.differ.Diff(doc.Lines, lines)
	if err != nil {
		return wrap(ErrUpstreamFailure, "diff doc lines", err)
	}
	if undoing {
		ot.MarkUndo(ops)
	}

	if len(ops) > 0 {
		update := ot.Update{
			DocID:   docID,
			Version: doc.Version,
			Ops:     ops,
			Meta: ot.UpdateMeta{
				Type:   ot.MetaTypeExternal,
				Source: source,
				UserID: userID,
			},
		}
		if err := m.updater.ApplyUpdate(ctx, projectID, docID, update); err != nil {
			return wrap(ErrUpstreamFailure, "apply update", err)
		}
	}

	switch lookup.(type) {
	case CacheHit:
		return m.FlushDocIfLoaded(ctx, projectID, docID)
	case CacheMiss:
		err := m.FlushAndDeleteDoc(ctx, projectID, docID, FlushAndDeleteOptions{})
		if m.history != nil {
			m.history.FlushProjectChangesAsync(projectID)
		}
		return err
	default:
		return fmt.Errorf("set doc: unexpected lookup %T", lookup)
	}
}

// AcceptChanges accepts tracked changes. Content and version are unchanged.
func (m *Manager) AcceptChanges(ctx context.Context, projectID, docID string, changeIDs []string) error {
	timer := m.metrics.Timer("docManager.acceptChanges")
	defer timer.Done()

	return m.updateRanges(ctx, projectID, docID, func(r ranges.Ranges) (ranges.Ranges, error) {
		return m.ranges.AcceptChanges(changeIDs, r)
	})
}

// DeleteComment removes one comment. Content and version are unchanged.
func (m *Manager) DeleteComment(ctx context.Context, projectID, docID, commentID string) error {
	timer := m.metrics.Timer("docManager.deleteComment")
	defer timer.Done()

	return m.updateRanges(ctx, projectID, docID, func(r ranges.Ranges) (ranges.Ranges, error) {
		return m.ranges.DeleteComment(commentID, r)
	})
}

func (m *Manager) updateRanges(ctx context.Context, projectID, docID string, edit func(ranges.Ranges) (ranges.Ranges, error)) error {
	lookup, err := m.GetDoc(ctx, projectID, docID)
	if err != nil {
		return err
	}
	doc := lookup.Doc()
	if doc.Lines == nil {
		return fmt.Errorf("%w: doc %s/%s", ErrNotFound, projectID, docID)
	}

	updated, err := edit(doc.Ranges)
	if err != nil {
		return wrap(ErrInvalidInput, "edit ranges", err)
	}
	err = m.cache.UpdateDocument(ctx, projectID, docID, doc.Lines, doc.Version, []ot.Update{}, updated, ot.UpdateMeta{})
	if err != nil {
		return wrap(ErrStorageFailure, "store updated ranges", err)
	}
	return nil
}

// GetDocAndFlushIfOld returns the document's lines and version, first
// flushing it when it has been dirty for longer than the configured age.
func (m *Manager) GetDocAndFlushIfOld(ctx context.Context, projectID, docID string) ([]string, int, error) {
	timer := m.metrics.Timer("docManager.getDocAndFlushIfOld")
	defer timer.Done()

	lookup, err := m.GetDoc(ctx, projectID, docID)
	if err != nil {
		return nil, 0, err
	}
	doc := lookup.Doc()

	if hit, ok := lookup.(CacheHit); ok && !hit.UnflushedSince.IsZero() {
		if m.now().Sub(hit.UnflushedSince) > m.maxAge {
			if err := m.FlushDocIfLoaded(ctx, projectID, docID); err != nil {
				return nil, 0, err
			}
		}
	}
	return doc.Lines, doc.Version, nil
}

// PeekDoc reads the document without changing any state: the cached copy
// when there is one, otherwise the durable copy, which is not cached.
func (m *Manager) PeekDoc(ctx context.Context, projectID, docID string) (Document, error) {
	timer := m.metrics.Timer("docManager.peekDoc")
	defer timer.Done()

	cached, ok, err := m.cache.GetDoc(ctx, projectID, docID)
	if err != nil {
		return Document{}, wrap(ErrStorageFailure, "get doc from cache", err)
	}
	if ok {
		return fromCache(cached), nil
	}

	record, err := m.persistence.GetDoc(ctx, projectID, docID, store.GetDocOptions{Peek: true})
	if errors.Is(err, store.ErrDocNotFound) {
		return Document{}, wrap(ErrNotFound, "peek doc", err)
	}
	if err != nil {
		return Document{}, wrap(ErrStorageFailure, "peek doc", err)
	}
	return Document{
		Lines:            record.Lines,
		Version:          record.Version,
		Ranges:           record.Ranges,
		Pathname:         record.Pathname,
		ProjectHistoryID: record.ProjectHistoryID,
		LastUpdatedAt:    record.LastUpdatedAt,
		LastUpdatedBy:    record.LastUpdatedBy,
	}, nil
}

// GetProjectDocsAndFlushIfOld returns every cached document of the project,
// flushing the ones that have been dirty for too long.
func (m *Manager) GetProjectDocsAndFlushIfOld(ctx context.Context, projectID string) ([]ProjectDoc, error) {
	timer := m.metrics.Timer("docManager.getProjectDocsAndFlushIfOld")
	defer timer.Done()

	docIDs, err := m.cache.DocIDsInProject(ctx, projectID)
	if err != nil {
		return nil, wrap(ErrStorageFailure, "list project docs", err)
	}
	docs := make([]ProjectDoc, 0, len(docIDs))
	for _, docID := range docIDs {
		lines, version, err := m.GetDocAndFlushIfOld(ctx, projectID, docID)
		if err != nil {
			return nil, err
		}
		docs = append(docs, ProjectDoc{ID: docID, Lines: lines, Version: version})
	}
	return docs, nil
}

// FlushProject flushes every cached document of the project. Each document
// is attempted; the error names the ones that failed.
func (m *Manager) FlushProject(ctx context.Context, projectID string) error {
	timer := m.metrics.Timer("docManager.flushProject")
	defer timer.Done()

	docIDs, err := m.cache.DocIDsInProject(ctx, projectID)
	if err != nil {
		return wrap(ErrStorageFailure, "list project docs", err)
	}
	var failed []string
	var last error
	for _, docID := range docIDs {
		if err := m.FlushDocIfLoaded(ctx, projectID, docID); err != nil {
			log.Printf("docmanager: flush %s/%s: %v", projectID, docID, err)
			failed = append(failed, docID)
			last = err
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("flush project %s: %d docs failed %v: %w", projectID, len(failed), failed, last)
	}
	return nil
}

// RenameDoc records a path change for the document.
func (m *Manager) RenameDoc(ctx context.Context, projectID, docID, userID string, update cache.RenameUpdate, projectHistoryID string) error {
	timer := m.metrics.Timer("docManager.renameDoc")
	defer timer.Done()

	if err := m.cache.RenameDoc(ctx, projectID, docID, userID, update, projectHistoryID); err != nil {
		return wrap(ErrStorageFailure, "rename doc", err)
	}
	return nil
}

// ResyncDocContents sends the document's full content to history. A document
// that is not cached is peeked from durable storage and stays uncached.
func (m *Manager) ResyncDocContents(ctx context.Context, projectID, docID string) error {
	timer := m.metrics.Timer("docManager.resyncDocContents")
	defer timer.Done()

	cached, ok, err := m.cache.GetDoc(ctx, projectID, docID)
	if err != nil {
		return wrap(ErrStorageFailure, "get doc from cache", err)
	}

	var (
		lines            []string
		version          int
		pathname         string
		projectHistoryID string
	)
	if ok {
		lines, version, pathname, projectHistoryID = cached.Lines, cached.Version, cached.Pathname, cached.ProjectHistoryID
	} else {
		record, err := m.persistence.GetDoc(ctx, projectID, docID, store.GetDocOptions{Peek: true})
		if errors.Is(err, store.ErrDocNotFound) {
			return wrap(ErrNotFound, "peek doc", err)
		}
		if err != nil {
			return wrap(ErrStorageFailure, "peek doc", err)
		}
		lines, version, pathname, projectHistoryID = record.Lines, record.Version, record.Pathname, record.ProjectHistoryID
	}

	if m.resync == nil {
		return nil
	}
	if err := m.resync.QueueResyncDocContent(ctx, projectID, projectHistoryID, docID, lines, version, pathname); err != nil {
		log.Printf("docmanager: queue resync for %s/%s: %v", projectID, docID, err)
	}
	return nil
}

func fromCache(doc cache.Doc) Document {
	return Document{
		Lines:            doc.Lines,
		Version:          doc.Version,
		Ranges:           doc.Ranges,
		Pathname:         doc.Pathname,
		ProjectHistoryID: doc.ProjectHistoryID,
		UnflushedSince:   doc.UnflushedTime,
		LastUpdatedAt:    doc.LastUpdatedAt,
		LastUpdatedBy:    doc.LastUpdatedBy,
	}
}
