package docmanager

import (
	"context"
	"sync"
	"time"

	"docupdater/internal/cache"
	"docupdater/internal/metrics"
	"docupdater/internal/ot"
	"docupdater/internal/ranges"
	"docupdater/internal/search"
	"docupdater/internal/store"
)

type updateDocumentCall struct {
	projectID, docID string
	lines            []string
	version          int
	updates          []ot.Update
	ranges           ranges.Ranges
}

type fakeCache struct {
	getDocFn             func(ctx context.Context, projectID, docID string) (cache.Doc, bool, error)
	putDocFn             func(ctx context.Context, projectID, docID string, doc cache.Doc) error
	removeDocFn          func(ctx context.Context, projectID, docID string) error
	updateDocumentFn     func(ctx context.Context, call updateDocumentCall) error
	getPreviousDocOpsFn  func(ctx context.Context, docID string, start, end int) ([]ot.Update, error)
	clearUnflushedTimeFn func(ctx context.Context, docID string) error
	renameDocFn          func(ctx context.Context, projectID, docID, userID string, update cache.RenameUpdate, projectHistoryID string) error
	setHistoryTypeFn     func(ctx context.Context, docID, historyType string) error
	docIDsInProjectFn    func(ctx context.Context, projectID string) ([]string, error)

	calls        []string
	put          []cache.Doc
	historyTypes []string
	updates      []updateDocumentCall
}

func (f *fakeCache) GetDoc(ctx context.Context, projectID, docID string) (cache.Doc, bool, error) {
	f.calls = append(f.calls, "GetDoc")
	if f.getDocFn != nil {
		return f.getDocFn(ctx, projectID, docID)
	}
	return cache.Doc{}, false, nil
}

func (f *fakeCache) PutDoc(ctx context.Context, projectID, docID string, doc cache.Doc) error {
	f.calls = append(f.calls, "PutDoc")
	f.put = append(f.put, doc)
	if f.putDocFn != nil {
		return f.putDocFn(ctx, projectID, docID, doc)
	}
	return nil
}

func (f *fakeCache) RemoveDoc(ctx context.Context, projectID, docID string) error {
	f.calls = append(f.calls, "RemoveDoc")
	if f.removeDocFn != nil {
		return f.removeDocFn(ctx, projectID, docID)
	}
	return nil
}

func (f *fakeCache) UpdateDocument(ctx context.Context, projectID, docID string, lines []string, version int, updates []ot.Update, r ranges.Ranges, meta ot.UpdateMeta) error {
	f.calls = append(f.calls, "UpdateDocument")
	call := updateDocumentCall{projectID: projectID, docID: docID, lines: lines, version: version, updates: updates, ranges: r}
	f.updates = append(f.updates, call)
	if f.updateDocumentFn != nil {
		return f.updateDocumentFn(ctx, call)
	}
	return nil
}

func (f *fakeCache) GetPreviousDocOps(ctx context.Context, docID string, start, end int) ([]ot.Update, error) {
	f.calls = append(f.calls, "GetPreviousDocOps")
	if f.getPreviousDocOpsFn != nil {
		return f.getPreviousDocOpsFn(ctx, docID, start, end)
	}
	return []ot.Update{}, nil
}

func (f *fakeCache) ClearUnflushedTime(ctx context.Context, docID string) error {
	f.calls = append(f.calls, "ClearUnflushedTime")
	if f.clearUnflushedTimeFn != nil {
		return f.clearUnflushedTimeFn(ctx, docID)
	}
	return nil
}

func (f *fakeCache) RenameDoc(ctx context.Context, projectID, docID, userID string, update cache.RenameUpdate, projectHistoryID string) error {
	f.calls = append(f.calls, "RenameDoc")
	if f.renameDocFn != nil {
		return f.renameDocFn(ctx, projectID, docID, userID, update, projectHistoryID)
	}
	return nil
}

func (f *fakeCache) SetHistoryType(ctx context.Context, docID, historyType string) error {
	f.calls = append(f.calls, "SetHistoryType")
	f.historyTypes = append(f.historyTypes, historyType)
	if f.setHistoryTypeFn != nil {
		return f.setHistoryTypeFn(ctx, docID, historyType)
	}
	return nil
}

func (f *fakeCache) DocIDsInProject(ctx context.Context, projectID string) ([]string, error) {
	f.calls = append(f.calls, "DocIDsInProject")
	if f.docIDsInProjectFn != nil {
		return f.docIDsInProjectFn(ctx, projectID)
	}
	return nil, nil
}

func (f *fakeCache) called(name string) int {
	n := 0
	for _, call := range f.calls {
		if call == name {
			n++
		}
	}
	return n
}

type setDocCall struct {
	lines         []string
	version       int
	ranges        ranges.Ranges
	lastUpdatedAt time.Time
	lastUpdatedBy string
}

type fakePersistence struct {
	getDocFn func(ctx context.Context, projectID, docID string, opts store.GetDocOptions) (store.DocRecord, error)
	setDocFn func(ctx context.Context, call setDocCall) error

	gets []store.GetDocOptions
	sets []setDocCall
}

func (f *fakePersistence) GetDoc(ctx context.Context, projectID, docID string, opts store.GetDocOptions) (store.DocRecord, error) {
	f.gets = append(f.gets, opts)
	if f.getDocFn != nil {
		return f.getDocFn(ctx, projectID, docID, opts)
	}
	return store.DocRecord{}, store.ErrDocNotFound
}

func (f *fakePersistence) SetDoc(ctx context.Context, projectID, docID string, lines []string, version int, r ranges.Ranges, lastUpdatedAt time.Time, lastUpdatedBy string) error {
	call := setDocCall{lines: lines, version: version, ranges: r, lastUpdatedAt: lastUpdatedAt, lastUpdatedBy: lastUpdatedBy}
	f.sets = append(f.sets, call)
	if f.setDocFn != nil {
		return f.setDocFn(ctx, call)
	}
	return nil
}

type fakeUpdater struct {
	applyFn func(ctx context.Context, projectID, docID string, update ot.Update) error
	updates []ot.Update
}

func (f *fakeUpdater) ApplyUpdate(ctx context.Context, projectID, docID string, update ot.Update) error {
	f.updates = append(f.updates, update)
	if f.applyFn != nil {
		return f.applyFn(ctx, projectID, docID, update)
	}
	return nil
}

type fakeHistory struct {
	mu             sync.Mutex
	docFlushes     []string
	projectFlushes []string
}

func (f *fakeHistory) FlushDocChangesAsync(projectID, docID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docFlushes = append(f.docFlushes, projectID+"/"+docID)
}

func (f *fakeHistory) FlushProjectChangesAsync(projectID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projectFlushes = append(f.projectFlushes, projectID)
}

type resyncCall struct {
	projectID, projectHistoryID, docID string
	lines                              []string
	version                            int
	pathname                           string
}

type fakeResync struct {
	queueFn func(call resyncCall) error
	calls   []resyncCall
}

func (f *fakeResync) QueueResyncDocContent(ctx context.Context, projectID, projectHistoryID, docID string, lines []string, version int, pathname string) error {
	call := resyncCall{projectID: projectID, projectHistoryID: projectHistoryID, docID: docID, lines: lines, version: version, pathname: pathname}
	f.calls = append(f.calls, call)
	if f.queueFn != nil {
		return f.queueFn(call)
	}
	return nil
}

type fakeIndexer struct {
	records []search.DocumentRecord
}

func (f *fakeIndexer) IndexDoc(doc search.DocumentRecord) {
	f.records = append(f.records, doc)
}

type testDeps struct {
	cache       *fakeCache
	persistence *fakePersistence
	updater     *fakeUpdater
	history     *fakeHistory
	resync      *fakeResync
	indexer     *fakeIndexer
	metrics     *metrics.Registry
}

func newTestManager() (*Manager, *testDeps) {
	deps := &testDeps{
		cache:       &fakeCache{},
		persistence: &fakePersistence{},
		updater:     &fakeUpdater{},
		history:     &fakeHistory{},
		resync:      &fakeResync{},
		indexer:     &fakeIndexer{},
		metrics:     metrics.NewRegistry(),
	}
	m := New(Dependencies{
		Cache:       deps.cache,
		Persistence: deps.persistence,
		Updater:     deps.updater,
		Differ:      ot.DiffCodec{},
		Ranges:      ranges.Editor{},
		History:     deps.history,
		Resync:      deps.resync,
		Indexer:     deps.indexer,
		Metrics:     deps.metrics,
	}, Config{})
	return m, deps
}

func cachedDoc(lines []string, version int) func(ctx context.Context, projectID, docID string) (cache.Doc, bool, error) {
	return func(ctx context.Context, projectID, docID string) (cache.Doc, bool, error) {
		return cache.Doc{
			Lines:            lines,
			Version:          version,
			Pathname:         "/main.tex",
			ProjectHistoryID: "history-1",
		}, true, nil
	}
}

func storedDoc(lines []string, version int) func(ctx context.Context, projectID, docID string, opts store.GetDocOptions) (store.DocRecord, error) {
	return func(ctx context.Context, projectID, docID string, opts store.GetDocOptions) (store.DocRecord, error) {
		return store.DocRecord{
			ProjectID:          projectID,
			DocID:              docID,
			Lines:              lines,
			Version:            version,
			Pathname:           "/main.tex",
			ProjectHistoryID:   "history-1",
			ProjectHistoryType: "project-history",
		}, nil
	}
}
