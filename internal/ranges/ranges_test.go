package ranges

import (
	"errors"
	"testing"

	"docupdater/internal/ot"
)

func sampleRanges() Ranges {
	return Ranges{
		Changes: []Change{
			{ID: "c1", Op: ChangeOp{Insert: "foo", Position: 2}},
			{ID: "c2", Op: ChangeOp{Delete: "bar", Position: 10}},
			{ID: "c3", Op: ChangeOp{Insert: "baz", Position: 20}},
		},
		Comments: []Comment{
			{ID: "one", Op: CommentOp{Content: "x", Position: 1, Thread: "t1"}},
			{ID: "two", Op: CommentOp{Content: "y", Position: 5, Thread: "t2"}},
			{ID: "three", Op: CommentOp{Content: "z", Position: 9, Thread: "t3"}},
		},
	}
}

func TestAcceptChangesRemovesOnlyRequestedIDs(t *testing.T) {
	original := sampleRanges()
	updated, err := Editor{}.AcceptChanges([]string{"c1", "c3", "unknown"}, original)
	if err != nil {
		t.Fatalf("AcceptChanges() error = %v", err)
	}
	if len(updated.Changes) != 1 || updated.Changes[0].ID != "c2" {
		t.Fatalf("expected only c2 to remain, got %+v", updated.Changes)
	}
	if len(updated.Comments) != 3 {
		t.Fatalf("comments must be untouched, got %+v", updated.Comments)
	}
	if len(original.Changes) != 3 || original.Changes[0].ID != "c1" {
		t.Fatalf("input ranges were mutated: %+v", original.Changes)
	}
}

func TestAcceptChangesRequiresIDs(t *testing.T) {
	if _, err := (Editor{}).AcceptChanges(nil, sampleRanges()); !errors.Is(err, ErrNoChangeIDs) {
		t.Fatalf("expected ErrNoChangeIDs, got %v", err)
	}
}

func TestAcceptingEveryChangeEmptiesTheList(t *testing.T) {
	updated, err := Editor{}.AcceptChanges([]string{"c1", "c2", "c3"}, sampleRanges())
	if err != nil {
		t.Fatalf("AcceptChanges() error = %v", err)
	}
	if updated.Changes != nil {
		t.Fatalf("expected nil changes, got %+v", updated.Changes)
	}
}

func TestDeleteComment(t *testing.T) {
	updated, err := Editor{}.DeleteComment("two", sampleRanges())
	if err != nil {
		t.Fatalf("DeleteComment() error = %v", err)
	}
	if len(updated.Comments) != 2 || updated.Comments[0].ID != "one" || updated.Comments[1].ID != "three" {
		t.Fatalf("unexpected comments %+v", updated.Comments)
	}

	same, err := Editor{}.DeleteComment("missing", sampleRanges())
	if err != nil {
		t.Fatalf("DeleteComment(missing) error = %v", err)
	}
	if len(same.Comments) != 3 {
		t.Fatalf("expected comments unchanged, got %+v", same.Comments)
	}

	if _, err := (Editor{}).DeleteComment("", sampleRanges()); !errors.Is(err, ErrEmptyCommentID) {
		t.Fatalf("expected ErrEmptyCommentID, got %v", err)
	}
}

func TestTransformShiftsAnchors(t *testing.T) {
	r := sampleRanges()
	out := r.Transform([]ot.Op{
		{Insert: "abc", Position: 3},
		{Delete: "xxxx", Position: 6},
	})

	// after the insert: 2, 13, 23 / 1, 8, 12
	// after the delete of [6,10): 2, 9, 19 / 1, 6, 8
	wantChanges := []int{2, 9, 19}
	for i, want := range wantChanges {
		if got := out.Changes[i].Op.Position; got != want {
			t.Errorf("change %d position = %d, want %d", i, got, want)
		}
	}
	wantComments := []int{1, 6, 8}
	for i, want := range wantComments {
		if got := out.Comments[i].Op.Position; got != want {
			t.Errorf("comment %d position = %d, want %d", i, got, want)
		}
	}
	if r.Changes[1].Op.Position != 10 {
		t.Fatal("Transform must not mutate the receiver")
	}
}

func TestIsEmpty(t *testing.T) {
	if !(Ranges{}).IsEmpty() {
		t.Fatal("zero ranges should be empty")
	}
	if sampleRanges().IsEmpty() {
		t.Fatal("sample ranges should not be empty")
	}
}
