package docmanager

import (
	"time"

	"docupdater/internal/ot"
	"docupdater/internal/ranges"
)

// NoVersion asks GetDocAndRecentOps for the document without any ops.
const NoVersion = -1

// DefaultMaxUnflushedAge is how long a cached document may stay dirty before
// GetDocAndFlushIfOld writes it back.
const DefaultMaxUnflushedAge = 5 * time.Minute

// Document is the coordinator's view of one document.
type Document struct {
	Lines            []string
	Version          int
	Ranges           ranges.Ranges
	Pathname         string
	ProjectHistoryID string
	// UnflushedSince is zero when the cached copy matches the durable one.
	UnflushedSince time.Time
	LastUpdatedAt  time.Time
	LastUpdatedBy  string
}

// Lookup is the result of GetDoc: either CacheHit or CacheMiss. A miss means
// the document was just loaded from durable storage and primed into the cache.
type Lookup interface {
	Doc() Document
	sealed()
}

type CacheHit struct {
	Document
}

type CacheMiss struct {
	Document
}

func (h CacheHit) Doc() Document { return h.Document }
func (CacheHit) sealed()         {}

func (m CacheMiss) Doc() Document { return m.Document }
func (CacheMiss) sealed()         {}

// RecentOps is a document plus the updates a client missed since the version
// it asked for.
type RecentOps struct {
	Lines            []string
	Version          int
	Ops              []ot.Update
	Ranges           ranges.Ranges
	Pathname         string
	ProjectHistoryID string
}

type FlushAndDeleteOptions struct {
	// IgnoreFlushErrors evicts the document even when the write-back fails,
	// discarding its unflushed changes.
	IgnoreFlushErrors bool
}

// ProjectDoc is one entry of a project's document listing.
type ProjectDoc struct {
	ID      string   `json:"_id"`
	Lines   []string `json:"lines"`
	Version int      `json:"v"`
}
