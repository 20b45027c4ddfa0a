package store

import (
	"context"
	"database/sql"
	"errors"
	"reflect"
	"testing"
	"time"

	"docupdater/internal/ranges"
)

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(r.values[i]))
	}
	return nil
}

func TestScanDocDecodesJSONColumns(t *testing.T) {
	updated := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	row := fakeRow{values: []any{
		"project-1",
		"doc-1",
		[]byte(`["one","two"]`),
		7,
		[]byte(`{"comments":[{"id":"c1","op":{"c":"one","p":0,"t":"t1"}}]}`),
		"/main.tex",
		sqlNullString("history-1"),
		sqlNullString(""),
		sqlNullTime(updated),
		sqlNullString("user-1"),
		updated,
	}}

	record, err := scanDoc(row)
	if err != nil {
		t.Fatalf("scanDoc failed: %v", err)
	}
	if !reflect.DeepEqual(record.Lines, []string{"one", "two"}) || record.Version != 7 {
		t.Errorf("unexpected record %+v", record)
	}
	if len(record.Ranges.Comments) != 1 || record.Ranges.Comments[0].Op.Thread != "t1" {
		t.Errorf("unexpected ranges %+v", record.Ranges)
	}
	if record.ProjectHistoryID != "history-1" || record.LastUpdatedBy != "user-1" || !record.LastUpdatedAt.Equal(updated) {
		t.Errorf("unexpected metadata %+v", record)
	}
}

func TestScanDocWithoutRanges(t *testing.T) {
	row := fakeRow{values: []any{
		"p", "d", []byte(`[]`), 0, []byte(nil), "",
		sqlNullString(""), sqlNullString(""), sqlNullTimeInvalid(), sqlNullString(""), time.Time{},
	}}
	record, err := scanDoc(row)
	if err != nil {
		t.Fatalf("scanDoc failed: %v", err)
	}
	if !record.Ranges.IsEmpty() || !record.LastUpdatedAt.IsZero() {
		t.Errorf("expected empty ranges and zero timestamp, got %+v", record)
	}
}

func seedDocRow(t *testing.T, store *PostgresStore, projectID, docID string, version int) {
	t.Helper()
	_, err := store.DB().ExecContext(context.Background(), `
		INSERT INTO docs (project_id, id, lines, version, pathname, project_history_id)
		VALUES ($1, $2, '["hello","world"]'::jsonb, $3, '/main.tex', 'history-1')
	`, projectID, docID, version)
	if err != nil {
		t.Fatalf("seed doc: %v", err)
	}
}

func TestPostgresStoreGetAndSetDoc(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := ApplyMigrations(ctx, db, testMigrationsDir()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	store := NewPostgresStore(db)
	seedDocRow(t, store, "project-1", "doc-1", 3)

	peeked, err := store.GetDoc(ctx, "project-1", "doc-1", GetDocOptions{Peek: true})
	if err != nil {
		t.Fatalf("peek GetDoc failed: %v", err)
	}
	if peeked.Version != 3 || peeked.Pathname != "/main.tex" {
		t.Errorf("unexpected peeked doc %+v", peeked)
	}
	var loadedAt *time.Time
	_ = db.QueryRowContext(ctx, `SELECT last_loaded_at FROM docs WHERE id='doc-1'`).Scan(&loadedAt)
	if loadedAt != nil {
		t.Error("peek must not stamp last_loaded_at")
	}

	if _, err := store.GetDoc(ctx, "project-1", "doc-1", GetDocOptions{}); err != nil {
		t.Fatalf("GetDoc failed: %v", err)
	}
	_ = db.QueryRowContext(ctx, `SELECT last_loaded_at FROM docs WHERE id='doc-1'`).Scan(&loadedAt)
	if loadedAt == nil {
		t.Error("expected last_loaded_at to be stamped")
	}

	r := ranges.Ranges{Comments: []ranges.Comment{{ID: "c1", Op: ranges.CommentOp{Content: "hello", Position: 0, Thread: "t1"}}}}
	if err := store.SetDoc(ctx, "project-1", "doc-1", []string{"hello", "there"}, 5, r, time.Now(), "user-1"); err != nil {
		t.Fatalf("SetDoc failed: %v", err)
	}
	got, err := store.GetDoc(ctx, "project-1", "doc-1", GetDocOptions{Peek: true})
	if err != nil {
		t.Fatalf("GetDoc after SetDoc failed: %v", err)
	}
	if got.Version != 5 || got.Lines[1] != "there" || got.LastUpdatedBy != "user-1" || len(got.Ranges.Comments) != 1 {
		t.Errorf("unexpected doc after SetDoc %+v", got)
	}

	err = store.SetDoc(ctx, "project-1", "doc-1", []string{"stale"}, 4, ranges.Ranges{}, time.Time{}, "")
	if !errors.Is(err, ErrVersionRegression) {
		t.Fatalf("expected ErrVersionRegression, got %v", err)
	}
	err = store.SetDoc(ctx, "project-1", "missing", []string{"x"}, 1, ranges.Ranges{}, time.Time{}, "")
	if !errors.Is(err, ErrDocNotFound) {
		t.Fatalf("expected ErrDocNotFound, got %v", err)
	}
	if _, err := store.GetDoc(ctx, "project-2", "doc-1", GetDocOptions{Peek: true}); !errors.Is(err, ErrDocNotFound) {
		t.Fatalf("expected ErrDocNotFound for foreign project, got %v", err)
	}
}

func sqlNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func sqlNullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: true}
}

func sqlNullTimeInvalid() sql.NullTime {
	return sql.NullTime{}
}
