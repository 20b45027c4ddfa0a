package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"docupdater/internal/ot"

	"github.com/redis/go-redis/v9"
)

// Queue appends entries to the per-project history list consumed by the
// project history service.
type Queue struct {
	client *redis.Client
	now    func() time.Time
}

func NewQueue(client *redis.Client) *Queue {
	return &Queue{client: client, now: time.Now}
}

func OpsKey(projectID string) string {
	return "ProjectHistory:Ops:{" + projectID + "}"
}

func FirstOpTimestampKey(projectID string) string {
	return "ProjectHistory:FirstOpTimestamp:{" + projectID + "}"
}

type EntryMeta struct {
	UserID    string    `json:"user_id,omitempty"`
	Timestamp time.Time `json:"ts"`
}

type ResyncDocContent struct {
	Content ResyncContent `json:"resyncDocContent"`
	// ProjectHistoryID ties the entry to the project's history stream.
	ProjectHistoryID string    `json:"projectHistoryId"`
	Path             string    `json:"path"`
	Doc              string    `json:"doc"`
	Meta             EntryMeta `json:"meta"`
}

type ResyncContent struct {
	Content string `json:"content"`
	Version int    `json:"version"`
}

type RenameEntity struct {
	Pathname         string    `json:"pathname"`
	NewPathname      string    `json:"new_pathname"`
	Doc              string    `json:"doc,omitempty"`
	File             string    `json:"file,omitempty"`
	ProjectHistoryID string    `json:"projectHistoryId"`
	Meta             EntryMeta `json:"meta"`
}

// QueueOps pushes applied updates.
func (q *Queue) QueueOps(ctx context.Context, projectID string, updates ...ot.Update) error {
	entries := make([]any, 0, len(updates))
	for _, update := range updates {
		entries = append(entries, update)
	}
	return q.push(ctx, projectID, entries...)
}

// QueueRenameEntity records a path change of a doc or file.
func (q *Queue) QueueRenameEntity(ctx context.Context, projectID, projectHistoryID, entityType, entityID, userID, pathname, newPathname string) error {
	entry := RenameEntity{
		Pathname:         pathname,
		NewPathname:      newPathname,
		ProjectHistoryID: projectHistoryID,
		Meta:             EntryMeta{UserID: userID, Timestamp: q.now().UTC()},
	}
	switch entityType {
	case "doc":
		entry.Doc = entityID
	case "file":
		entry.File = entityID
	default:
		return fmt.Errorf("queue rename: unknown entity type %q", entityType)
	}
	return q.push(ctx, projectID, entry)
}

// QueueResyncDocContent pushes a full content snapshot so history can
// repair its copy of the document.
func (q *Queue) QueueResyncDocContent(ctx context.Context, projectID, projectHistoryID, docID string, lines []string, version int, pathname string) error {
	return q.push(ctx, projectID, ResyncDocContent{
		Content:          ResyncContent{Content: strings.Join(lines, "\n"), Version: version},
		ProjectHistoryID: projectHistoryID,
		Path:             pathname,
		Doc:              docID,
		Meta:             EntryMeta{Timestamp: q.now().UTC()},
	})
}

func (q *Queue) push(ctx context.Context, projectID string, entries ...any) error {
	if len(entries) == 0 {
		return nil
	}
	payloads := make([]any, 0, len(entries))
	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal history entry: %w", err)
		}
		payloads = append(payloads, string(data))
	}

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, OpsKey(projectID), payloads...)
		pipe.SetNX(ctx, FirstOpTimestampKey(projectID), strconv.FormatInt(q.now().UnixMilli(), 10), 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue history entries: %w", err)
	}
	return nil
}
