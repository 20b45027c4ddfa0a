package ot

import (
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DiffCodec turns a full-text replacement into ops.
type DiffCodec struct{}

func (DiffCodec) Diff(before, after []string) ([]Op, error) {
	return Diff(before, after), nil
}

// Diff returns the ops that transform before into after when applied in
// order. Inserts advance the cursor, deletes do not.
func Diff(before, after []string) []Op {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(strings.Join(before, "\n"), strings.Join(after, "\n"), false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	ops := make([]Op, 0, len(diffs))
	position := 0
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			ops = append(ops, Op{Insert: d.Text, Position: position})
			position += utf8.RuneCountInString(d.Text)
		case diffmatchpatch.DiffDelete:
			ops = append(ops, Op{Delete: d.Text, Position: position})
		case diffmatchpatch.DiffEqual:
			position += utf8.RuneCountInString(d.Text)
		}
	}
	return ops
}
