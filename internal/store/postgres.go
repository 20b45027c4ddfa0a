package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"docupdater/internal/ranges"
)

var (
	ErrDocNotFound       = errors.New("doc not found")
	ErrVersionRegression = errors.New("stored version is newer than the write")
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const docColumns = `project_id, id, lines, version, ranges, pathname,
	project_history_id, project_history_type, last_updated_at, last_updated_by, updated_at`

// GetDoc loads the durable copy. Unless opts.Peek is set the read also stamps
// last_loaded_at.
func (s *PostgresStore) GetDoc(ctx context.Context, projectID, docID string, opts GetDocOptions) (DocRecord, error) {
	query := `SELECT ` + docColumns + ` FROM docs WHERE project_id=$1 AND id=$2`
	if !opts.Peek {
		query = `UPDATE docs SET last_loaded_at=NOW() WHERE project_id=$1 AND id=$2 RETURNING ` + docColumns
	}

	record, err := scanDoc(s.db.QueryRowContext(ctx, query, projectID, docID))
	if errors.Is(err, sql.ErrNoRows) {
		return DocRecord{}, fmt.Errorf("get doc %s/%s: %w", projectID, docID, ErrDocNotFound)
	}
	if err != nil {
		return DocRecord{}, fmt.Errorf("get doc: %w", err)
	}
	return record, nil
}

// SetDoc writes content back. The stored version never moves backwards: a
// write older than the stored row fails with ErrVersionRegression.
func (s *PostgresStore) SetDoc(ctx context.Context, projectID, docID string, lines []string, version int, r ranges.Ranges, lastUpdatedAt time.Time, lastUpdatedBy string) error {
	if lines == nil {
		lines = []string{}
	}
	linesJSON, err := json.Marshal(lines)
	if err != nil {
		return fmt.Errorf("marshal lines: %w", err)
	}
	var rangesJSON any
	if !r.IsEmpty() {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal ranges: %w", err)
		}
		rangesJSON = string(data)
	}
	var updatedAt any
	if !lastUpdatedAt.IsZero() {
		updatedAt = lastUpdatedAt.UTC()
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE docs
		SET lines=$3::jsonb, version=$4, ranges=$5::jsonb,
			last_updated_at=COALESCE($6, last_updated_at),
			last_updated_by=NULLIF($7, ''),
			updated_at=NOW()
		WHERE project_id=$1 AND id=$2 AND version <= $4
	`, projectID, docID, string(linesJSON), version, rangesJSON, updatedAt, lastUpdatedBy)
	if err != nil {
		return fmt.Errorf("set doc: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set doc rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var stored int
	err = s.db.QueryRowContext(ctx, `SELECT version FROM docs WHERE project_id=$1 AND id=$2`, projectID, docID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("set doc %s/%s: %w", projectID, docID, ErrDocNotFound)
	}
	if err != nil {
		return fmt.Errorf("read stored version: %w", err)
	}
	return fmt.Errorf("set doc %s/%s: stored %d, write %d: %w", projectID, docID, stored, version, ErrVersionRegression)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDoc(row rowScanner) (DocRecord, error) {
	var (
		record      DocRecord
		linesRaw    []byte
		rangesRaw   []byte
		historyID   sql.NullString
		historyType sql.NullString
		lastAt      sql.NullTime
		lastBy      sql.NullString
	)
	err := row.Scan(
		&record.ProjectID,
		&record.DocID,
		&linesRaw,
		&record.Version,
		&rangesRaw,
		&record.Pathname,
		&historyID,
		&historyType,
		&lastAt,
		&lastBy,
		&record.UpdatedAt,
	)
	if err != nil {
		return DocRecord{}, err
	}
	if err := json.Unmarshal(linesRaw, &record.Lines); err != nil {
		return DocRecord{}, fmt.Errorf("unmarshal lines: %w", err)
	}
	if len(rangesRaw) > 0 {
		if err := json.Unmarshal(rangesRaw, &record.Ranges); err != nil {
			return DocRecord{}, fmt.Errorf("unmarshal ranges: %w", err)
		}
	}
	record.ProjectHistoryID = historyID.String
	record.ProjectHistoryType = historyType.String
	if lastAt.Valid {
		record.LastUpdatedAt = lastAt.Time
	}
	record.LastUpdatedBy = lastBy.String
	return record, nil
}
