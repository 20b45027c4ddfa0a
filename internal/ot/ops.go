// Package ot holds the positional text operations exchanged with the
// transform engine, and the helpers that produce and apply them.
//
// Positions are Unicode code point offsets into the document text, where the
// text is the document's lines joined with "\n".
package ot

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MetaTypeExternal marks updates that did not originate from an editor
// session (full content replacement, restores, external tools).
const MetaTypeExternal = "external"

var (
	ErrPositionOutOfRange = errors.New("op position out of range")
	ErrDeleteMismatch     = errors.New("delete component does not match document content")
	ErrEmptyOp            = errors.New("op has neither insert nor delete")
)

// Op is a single insert or delete at a position. Undo is serialized as "u"
// so history consumers can tell undo-originated edits apart.
type Op struct {
	Insert   string `json:"i,omitempty"`
	Delete   string `json:"d,omitempty"`
	Position int    `json:"p"`
	Undo     bool   `json:"u,omitempty"`
}

func (o Op) IsInsert() bool { return o.Insert != "" }
func (o Op) IsDelete() bool { return o.Delete != "" }

// Update is one version step: the ops that move a document from Version to
// Version+1.
type Update struct {
	DocID            string     `json:"doc"`
	Version          int        `json:"v"`
	Ops              []Op       `json:"op"`
	Meta             UpdateMeta `json:"meta"`
	ProjectHistoryID string     `json:"projectHistoryId,omitempty"`
}

type UpdateMeta struct {
	Type      string `json:"type,omitempty"`
	Source    string `json:"source,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Timestamp int64  `json:"ts,omitempty"`
	Pathname  string `json:"pathname,omitempty"`
	DocLength int    `json:"doc_length,omitempty"`
}

// MarkUndo flags every op as undo-originated.
func MarkUndo(ops []Op) {
	for i := range ops {
		ops[i].Undo = true
	}
}

// Apply runs ops in order against lines and returns the resulting lines.
// Each op's position is relative to the text produced by the previous op.
func Apply(lines []string, ops []Op) ([]string, error) {
	if len(ops) == 0 {
		out := make([]string, len(lines))
		copy(out, lines)
		return out, nil
	}

	text := []rune(strings.Join(lines, "\n"))
	for i, op := range ops {
		if op.Position < 0 || op.Position > len(text) {
			return nil, fmt.Errorf("op %d at %d (length %d): %w", i, op.Position, len(text), ErrPositionOutOfRange)
		}
		switch {
		case op.IsInsert():
			inserted := []rune(op.Insert)
			next := make([]rune, 0, len(text)+len(inserted))
			next = append(next, text[:op.Position]...)
			next = append(next, inserted...)
			next = append(next, text[op.Position:]...)
			text = next
		case op.IsDelete():
			n := utf8.RuneCountInString(op.Delete)
			end := op.Position + n
			if end > len(text) {
				return nil, fmt.Errorf("op %d deletes past end of document: %w", i, ErrPositionOutOfRange)
			}
			if string(text[op.Position:end]) != op.Delete {
				return nil, fmt.Errorf("op %d at %d: %w", i, op.Position, ErrDeleteMismatch)
			}
			text = append(text[:op.Position:op.Position], text[end:]...)
		default:
			return nil, fmt.Errorf("op %d: %w", i, ErrEmptyOp)
		}
	}
	return strings.Split(string(text), "\n"), nil
}

// DocLength is the length of the joined document text in code points.
func DocLength(lines []string) int {
	return utf8.RuneCountInString(strings.Join(lines, "\n"))
}
