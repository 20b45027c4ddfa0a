// Package ranges models the tracked changes and comments anchored to a
// document's content and implements the mutations the coordinator applies
// to them.
package ranges

import (
	"errors"
	"unicode/utf8"

	"docupdater/internal/ot"
)

var (
	ErrNoChangeIDs    = errors.New("no change ids supplied")
	ErrEmptyCommentID = errors.New("comment id is required")
)

type Ranges struct {
	Changes  []Change  `json:"changes,omitempty"`
	Comments []Comment `json:"comments,omitempty"`
}

// Change is a tracked insert or delete awaiting review.
type Change struct {
	ID       string     `json:"id"`
	Op       ChangeOp   `json:"op"`
	Metadata ChangeMeta `json:"metadata"`
}

type ChangeOp struct {
	Insert   string `json:"i,omitempty"`
	Delete   string `json:"d,omitempty"`
	Position int    `json:"p"`
}

type ChangeMeta struct {
	UserID    string `json:"user_id,omitempty"`
	Timestamp string `json:"ts,omitempty"`
}

type Comment struct {
	ID string    `json:"id"`
	Op CommentOp `json:"op"`
}

// CommentOp anchors a comment: Content is the highlighted text, Thread the
// discussion it belongs to.
type CommentOp struct {
	Content  string `json:"c"`
	Position int    `json:"p"`
	Thread   string `json:"t"`
}

func (r Ranges) IsEmpty() bool {
	return len(r.Changes) == 0 && len(r.Comments) == 0
}

// Clone returns a deep copy so callers can mutate the result freely.
func (r Ranges) Clone() Ranges {
	out := Ranges{}
	if r.Changes != nil {
		out.Changes = append(make([]Change, 0, len(r.Changes)), r.Changes...)
	}
	if r.Comments != nil {
		out.Comments = append(make([]Comment, 0, len(r.Comments)), r.Comments...)
	}
	return out
}

// Editor is the range-mutation engine used by the coordinator.
type Editor struct{}

// AcceptChanges drops the tracked changes with the given ids. The content
// already reflects an accepted change, so accepting only removes its entry.
// Unknown ids are ignored.
func (Editor) AcceptChanges(changeIDs []string, r Ranges) (Ranges, error) {
	if len(changeIDs) == 0 {
		return Ranges{}, ErrNoChangeIDs
	}
	drop := make(map[string]struct{}, len(changeIDs))
	for _, id := range changeIDs {
		drop[id] = struct{}{}
	}

	out := r.Clone()
	kept := out.Changes[:0]
	for _, change := range out.Changes {
		if _, ok := drop[change.ID]; ok {
			continue
		}
		kept = append(kept, change)
	}
	out.Changes = kept
	if len(out.Changes) == 0 {
		out.Changes = nil
	}
	return out, nil
}

// DeleteComment removes the comment with the given id. A missing comment is
// not an error.
func (Editor) DeleteComment(commentID string, r Ranges) (Ranges, error) {
	if commentID == "" {
		return Ranges{}, ErrEmptyCommentID
	}
	out := r.Clone()
	kept := out.Comments[:0]
	for _, comment := range out.Comments {
		if comment.ID == commentID {
			continue
		}
		kept = append(kept, comment)
	}
	out.Comments = kept
	if len(out.Comments) == 0 {
		out.Comments = nil
	}
	return out, nil
}

// Transform shifts range anchors past the effect of ops, applied in order.
// Anchors inside a deleted span collapse onto the delete position.
func (r Ranges) Transform(ops []ot.Op) Ranges {
	out := r.Clone()
	for _, op := range ops {
		for i := range out.Changes {
			out.Changes[i].Op.Position = shift(out.Changes[i].Op.Position, op)
		}
		for i := range out.Comments {
			out.Comments[i].Op.Position = shift(out.Comments[i].Op.Position, op)
		}
	}
	return out
}

func shift(pos int, op ot.Op) int {
	switch {
	case op.IsInsert():
		if pos >= op.Position {
			return pos + utf8.RuneCountInString(op.Insert)
		}
	case op.IsDelete():
		end := op.Position + utf8.RuneCountInString(op.Delete)
		if pos >= end {
			return pos - (end - op.Position)
		}
		if pos > op.Position {
			return op.Position
		}
	}
	return pos
}
