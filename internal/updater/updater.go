// Package updater applies a single versioned update to a cache-resident
// document and forwards it to the project history queue.
package updater

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"docupdater/internal/cache"
	"docupdater/internal/ot"
	"docupdater/internal/ranges"
)

var (
	ErrDocNotLoaded    = errors.New("doc is not loaded")
	ErrVersionConflict = errors.New("update version does not match doc version")
)

// Cache is the part of the cache tier the updater needs.
type Cache interface {
	GetDoc(ctx context.Context, projectID, docID string) (cache.Doc, bool, error)
	UpdateDocument(ctx context.Context, projectID, docID string, lines []string, version int, updates []ot.Update, r ranges.Ranges, meta ot.UpdateMeta) error
}

// HistoryQueue receives every applied update.
type HistoryQueue interface {
	QueueOps(ctx context.Context, projectID string, updates ...ot.Update) error
}

type Updater struct {
	cache   Cache
	history HistoryQueue
	now     func() time.Time
}

func New(c Cache, history HistoryQueue) *Updater {
	return &Updater{cache: c, history: history, now: time.Now}
}

// ApplyUpdate applies update on top of the cached document. The update must
// be based on the cached version; the document advances by exactly one
// version.
func (u *Updater) ApplyUpdate(ctx context.Context, projectID, docID string, update ot.Update) error {
	doc, ok, err := u.cache.GetDoc(ctx, projectID, docID)
	if err != nil {
		return fmt.Errorf("load doc for update: %w", err)
	}
	if !ok {
		return fmt.Errorf("apply update to %s: %w", docID, ErrDocNotLoaded)
	}
	if update.Version != doc.Version {
		return fmt.Errorf("apply update to %s: doc at %d, update at %d: %w", docID, doc.Version, update.Version, ErrVersionConflict)
	}

	lines, err := ot.Apply(doc.Lines, update.Ops)
	if err != nil {
		return fmt.Errorf("apply ops: %w", err)
	}
	updatedRanges := doc.Ranges.Transform(update.Ops)

	update.DocID = docID
	if update.Meta.Timestamp == 0 {
		update.Meta.Timestamp = u.now().UnixMilli()
	}
	if err := u.cache.UpdateDocument(ctx, projectID, docID, lines, doc.Version+1, []ot.Update{update}, updatedRanges, update.Meta); err != nil {
		return fmt.Errorf("store updated doc: %w", err)
	}

	if u.history != nil {
		entry := update
		entry.ProjectHistoryID = doc.ProjectHistoryID
		entry.Meta.Pathname = doc.Pathname
		entry.Meta.DocLength = ot.DocLength(doc.Lines)
		if err := u.history.QueueOps(ctx, projectID, entry); err != nil {
			log.Printf("updater: queue history ops for %s/%s: %v", projectID, docID, err)
		}
	}
	return nil
}
