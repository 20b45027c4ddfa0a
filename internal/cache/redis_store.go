// Package cache is the fast tier: documents currently being edited, their
// recent op log, and the dirty marker that drives write-back.
package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"docupdater/internal/ot"
	"docupdater/internal/ranges"

	"github.com/redis/go-redis/v9"
)

var (
	ErrDocNotFound         = errors.New("doc not found in cache")
	ErrVersionMismatch     = errors.New("version mismatch")
	ErrOpRangeNotAvailable = errors.New("doc ops range is not loaded in redis")
	ErrProjectMismatch     = errors.New("doc belongs to a different project")
	ErrHashMismatch        = errors.New("doc lines hash mismatch")
)

const (
	DefaultDocOpsMaxLength = 100
	DefaultDocOpsTTL       = time.Hour
)

// Doc is the cached state of one document. Zero UnflushedTime means the
// cached copy matches the durable one.
type Doc struct {
	Lines            []string
	Version          int
	Ranges           ranges.Ranges
	Pathname         string
	ProjectHistoryID string
	UnflushedTime    time.Time
	LastUpdatedAt    time.Time
	LastUpdatedBy    string
}

// RenameUpdate describes a path change.
type RenameUpdate struct {
	Pathname    string `json:"pathname"`
	NewPathname string `json:"new_pathname"`
}

// RenameRecorder records renames for history.
type RenameRecorder interface {
	QueueRenameEntity(ctx context.Context, projectID, projectHistoryID, entityType, entityID, userID, pathname, newPathname string) error
}

// RedisStore implements the document cache on Redis. Every key of a
// document carries the {docID} hash tag so a document lives in one slot.
type RedisStore struct {
	client          *redis.Client
	history         RenameRecorder
	docOpsMaxLength int
	docOpsTTL       time.Duration
	now             func() time.Time
}

// Options tunes the op log retention.
type Options struct {
	DocOpsMaxLength int
	DocOpsTTL       time.Duration
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL string, history RenameRecorder, opts Options) (*RedisStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Connect(ctx, redisURL)
	if err != nil {
		return nil, err
	}
	return NewRedisStoreWithClient(client, history, opts), nil
}

// Connect opens a client for redisURL and pings it. The client is shared
// with the history queue, which writes to the same instance.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, history RenameRecorder, opts Options) *RedisStore {
	if opts.DocOpsMaxLength <= 0 {
		opts.DocOpsMaxLength = DefaultDocOpsMaxLength
	}
	if opts.DocOpsTTL <= 0 {
		opts.DocOpsTTL = DefaultDocOpsTTL
	}
	return &RedisStore{
		client:          client,
		history:         history,
		docOpsMaxLength: opts.DocOpsMaxLength,
		docOpsTTL:       opts.DocOpsTTL,
		now:             time.Now,
	}
}

func docLinesKey(docID string) string          { return "doclines:{" + docID + "}" }
func docVersionKey(docID string) string        { return "DocVersion:{" + docID + "}" }
func docHashKey(docID string) string           { return "DocHash:{" + docID + "}" }
func projectKey(docID string) string           { return "ProjectId:{" + docID + "}" }
func rangesKey(docID string) string            { return "Ranges:{" + docID + "}" }
func pathnameKey(docID string) string          { return "Pathname:{" + docID + "}" }
func historyIDKey(docID string) string         { return "ProjectHistoryId:{" + docID + "}" }
func historyTypeKey(docID string) string       { return "ProjectHistoryType:{" + docID + "}" }
func unflushedTimeKey(docID string) string     { return "UnflushedTime:{" + docID + "}" }
func lastUpdatedAtKey(docID string) string     { return "lastUpdatedAt:{" + docID + "}" }
func lastUpdatedByKey(docID string) string     { return "lastUpdatedBy:{" + docID + "}" }
func docOpsKey(docID string) string            { return "DocOps:{" + docID + "}" }
func docsInProjectKey(projectID string) string { return "DocsIn:{" + projectID + "}" }

// GetDoc returns the cached document. The bool is false on a cache miss.
func (s *RedisStore) GetDoc(ctx context.Context, projectID, docID string) (Doc, bool, error) {
	values, err := s.client.MGet(ctx,
		docLinesKey(docID),
		docVersionKey(docID),
		docHashKey(docID),
		projectKey(docID),
		rangesKey(docID),
		pathnameKey(docID),
		historyIDKey(docID),
		unflushedTimeKey(docID),
		lastUpdatedAtKey(docID),
		lastUpdatedByKey(docID),
	).Result()
	if err != nil {
		return Doc{}, false, fmt.Errorf("get doc: %w", err)
	}
	field := func(i int) string {
		if value, ok := values[i].(string); ok {
			return value
		}
		return ""
	}

	rawLines := field(0)
	if rawLines == "" {
		return Doc{}, false, nil
	}
	if storedProject := field(3); storedProject != "" && storedProject != projectID {
		return Doc{}, false, fmt.Errorf("get doc %s: stored %s, requested %s: %w", docID, storedProject, projectID, ErrProjectMismatch)
	}
	if storedHash := field(2); storedHash != "" && storedHash != hashLines(rawLines) {
		return Doc{}, false, fmt.Errorf("get doc %s: %w", docID, ErrHashMismatch)
	}

	doc := Doc{
		Pathname:         field(5),
		ProjectHistoryID: field(6),
		UnflushedTime:    parseMillis(field(7)),
		LastUpdatedAt:    parseMillis(field(8)),
		LastUpdatedBy:    field(9),
	}
	if err := json.Unmarshal([]byte(rawLines), &doc.Lines); err != nil {
		return Doc{}, false, fmt.Errorf("unmarshal doc lines: %w", err)
	}
	doc.Version, err = strconv.Atoi(field(1))
	if err != nil {
		return Doc{}, false, fmt.Errorf("parse doc version: %w", err)
	}
	if raw := field(4); raw != "" {
		if err := json.Unmarshal([]byte(raw), &doc.Ranges); err != nil {
			return Doc{}, false, fmt.Errorf("unmarshal ranges: %w", err)
		}
	}
	return doc, true, nil
}

// PutDoc primes the cache with a freshly loaded document. The dirty marker
// is not set: the cached copy equals the durable one.
func (s *RedisStore) PutDoc(ctx context.Context, projectID, docID string, doc Doc) error {
	linesJSON, err := json.Marshal(doc.Lines)
	if err != nil {
		return fmt.Errorf("marshal doc lines: %w", err)
	}
	rangesJSON, err := marshalRanges(doc.Ranges)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, docLinesKey(docID), linesJSON, 0)
		pipe.Set(ctx, projectKey(docID), projectID, 0)
		pipe.Set(ctx, docVersionKey(docID), doc.Version, 0)
		pipe.Set(ctx, docHashKey(docID), hashLines(string(linesJSON)), 0)
		if rangesJSON == "" {
			pipe.Del(ctx, rangesKey(docID))
		} else {
			pipe.Set(ctx, rangesKey(docID), rangesJSON, 0)
		}
		pipe.Set(ctx, pathnameKey(docID), doc.Pathname, 0)
		if doc.ProjectHistoryID != "" {
			pipe.Set(ctx, historyIDKey(docID), doc.ProjectHistoryID, 0)
		} else {
			pipe.Del(ctx, historyIDKey(docID))
		}
		pipe.SAdd(ctx, docsInProjectKey(projectID), docID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put doc in memory: %w", err)
	}
	return nil
}

// RemoveDoc drops every key of the document, op log included.
func (s *RedisStore) RemoveDoc(ctx context.Context, projectID, docID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx,
			docLinesKey(docID),
			projectKey(docID),
			docVersionKey(docID),
			docHashKey(docID),
			rangesKey(docID),
			pathnameKey(docID),
			historyIDKey(docID),
			historyTypeKey(docID),
			unflushedTimeKey(docID),
			lastUpdatedAtKey(docID),
			lastUpdatedByKey(docID),
			docOpsKey(docID),
		)
		pipe.SRem(ctx, docsInProjectKey(projectID), docID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove doc from memory: %w", err)
	}
	return nil
}

// UpdateDocument stores new content at version and appends updates to the op
// log. version must equal the cached version plus len(updates); a ranges-only
// write passes no updates and the unchanged version.
func (s *RedisStore) UpdateDocument(ctx context.Context, projectID, docID string, lines []string, version int, updates []ot.Update, r ranges.Ranges, meta ot.UpdateMeta) error {
	current, err := s.client.Get(ctx, docVersionKey(docID)).Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("update doc %s: %w", docID, ErrDocNotFound)
	}
	if err != nil {
		return fmt.Errorf("read doc version: %w", err)
	}
	currentVersion, err := strconv.Atoi(current)
	if err != nil {
		return fmt.Errorf("parse doc version: %w", err)
	}
	if version-len(updates) != currentVersion {
		return fmt.Errorf("update doc %s: cached %d, new %d with %d updates: %w", docID, currentVersion, version, len(updates), ErrVersionMismatch)
	}

	linesJSON, err := json.Marshal(lines)
	if err != nil {
		return fmt.Errorf("marshal doc lines: %w", err)
	}
	rangesJSON, err := marshalRanges(r)
	if err != nil {
		return err
	}
	opsJSON := make([]any, 0, len(updates))
	for _, update := range updates {
		data, err := json.Marshal(update)
		if err != nil {
			return fmt.Errorf("marshal update: %w", err)
		}
		opsJSON = append(opsJSON, string(data))
	}

	now := strconv.FormatInt(s.now().UnixMilli(), 10)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, docLinesKey(docID), linesJSON, 0)
		pipe.Set(ctx, docVersionKey(docID), version, 0)
		pipe.Set(ctx, docHashKey(docID), hashLines(string(linesJSON)), 0)
		if len(opsJSON) > 0 {
			pipe.RPush(ctx, docOpsKey(docID), opsJSON...)
			pipe.Expire(ctx, docOpsKey(docID), s.docOpsTTL)
			pipe.LTrim(ctx, docOpsKey(docID), int64(-s.docOpsMaxLength), -1)
		}
		if rangesJSON == "" {
			pipe.Del(ctx, rangesKey(docID))
		} else {
			pipe.Set(ctx, rangesKey(docID), rangesJSON, 0)
		}
		pipe.SetNX(ctx, unflushedTimeKey(docID), now, 0)
		pipe.Set(ctx, lastUpdatedAtKey(docID), now, 0)
		if meta.UserID != "" {
			pipe.Set(ctx, lastUpdatedByKey(docID), meta.UserID, 0)
		} else {
			pipe.Del(ctx, lastUpdatedByKey(docID))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return nil
}

// GetPreviousDocOps returns the updates with base version in [start, end).
// The op log holds the most recent updates only; a start older than the log
// yields ErrOpRangeNotAvailable.
func (s *RedisStore) GetPreviousDocOps(ctx context.Context, docID string, start, end int) ([]ot.Update, error) {
	var lengthCmd *redis.IntCmd
	var versionCmd *redis.StringCmd
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		lengthCmd = pipe.LLen(ctx, docOpsKey(docID))
		versionCmd = pipe.Get(ctx, docVersionKey(docID))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get previous doc ops: %w", err)
	}
	rawVersion, err := versionCmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get previous doc ops %s: %w", docID, ErrDocNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read doc version: %w", err)
	}
	version, err := strconv.Atoi(rawVersion)
	if err != nil {
		return nil, fmt.Errorf("parse doc version: %w", err)
	}

	firstVersionInRedis := version - int(lengthCmd.Val())
	if start < firstVersionInRedis || end > version || start > end {
		return nil, fmt.Errorf("ops %d-%d, held %d-%d: %w", start, end, firstVersionInRedis, version, ErrOpRangeNotAvailable)
	}
	if start == end {
		return []ot.Update{}, nil
	}

	raw, err := s.client.LRange(ctx, docOpsKey(docID), int64(start-firstVersionInRedis), int64(end-firstVersionInRedis-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read doc ops: %w", err)
	}
	updates := make([]ot.Update, 0, len(raw))
	for _, item := range raw {
		var update ot.Update
		if err := json.Unmarshal([]byte(item), &update); err != nil {
			return nil, fmt.Errorf("unmarshal doc op: %w", err)
		}
		updates = append(updates, update)
	}
	return updates, nil
}

// ClearUnflushedTime marks the cached copy as matching the durable one.
func (s *RedisStore) ClearUnflushedTime(ctx context.Context, docID string) error {
	if err := s.client.Del(ctx, unflushedTimeKey(docID)).Err(); err != nil {
		return fmt.Errorf("clear unflushed time: %w", err)
	}
	return nil
}

// RenameDoc updates the cached pathname when the doc is loaded and records
// the rename for history either way.
func (s *RedisStore) RenameDoc(ctx context.Context, projectID, docID, userID string, update RenameUpdate, projectHistoryID string) error {
	exists, err := s.client.Exists(ctx, docLinesKey(docID)).Result()
	if err != nil {
		return fmt.Errorf("check doc loaded: %w", err)
	}
	if exists > 0 && update.NewPathname != "" {
		if err := s.client.Set(ctx, pathnameKey(docID), update.NewPathname, 0).Err(); err != nil {
			return fmt.Errorf("set pathname: %w", err)
		}
	}
	if s.history == nil {
		return nil
	}
	if err := s.history.QueueRenameEntity(ctx, projectID, projectHistoryID, "doc", docID, userID, update.Pathname, update.NewPathname); err != nil {
		return fmt.Errorf("queue rename: %w", err)
	}
	return nil
}

// SetHistoryType records which history backend the doc belongs to.
func (s *RedisStore) SetHistoryType(ctx context.Context, docID, historyType string) error {
	var err error
	if historyType == "" {
		err = s.client.Del(ctx, historyTypeKey(docID)).Err()
	} else {
		err = s.client.Set(ctx, historyTypeKey(docID), historyType, 0).Err()
	}
	if err != nil {
		return fmt.Errorf("set history type: %w", err)
	}
	return nil
}

// DocIDsInProject lists the cached docs of a project.
func (s *RedisStore) DocIDsInProject(ctx context.Context, projectID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, docsInProjectKey(projectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list docs in project: %w", err)
	}
	return ids, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func parseMillis(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func hashLines(linesJSON string) string {
	sum := sha1.Sum([]byte(linesJSON))
	return hex.EncodeToString(sum[:])
}

func marshalRanges(r ranges.Ranges) (string, error) {
	if r.IsEmpty() {
		return "", nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal ranges: %w", err)
	}
	return string(data), nil
}
