package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: without Postgres the service is down anyway.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search ranks docs.fts matches with ts_rank and builds snippets with
// ts_headline over the stored lines.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	const tsQuery = "plainto_tsquery('english', $1)"
	where := "d.fts @@ " + tsQuery
	args := []any{q.Text}
	if q.ProjectID != "" {
		where += " AND d.project_id = $2"
		args = append(args, q.ProjectID)
	}

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM docs d WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT d.project_id, d.id, d.pathname, d.version,
			ts_headline('english', coalesce(d.lines::text, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet
		FROM docs d
		WHERE %s
		ORDER BY ts_rank(d.fts, %s) DESC
		LIMIT %d OFFSET %d`, tsQuery, where, tsQuery, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ProjectID, &r.DocID, &r.Pathname, &r.Version, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every stored document for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DocumentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT project_id, id, pathname, lines, version FROM docs`)
	if err != nil {
		return nil, fmt.Errorf("load docs: %w", err)
	}
	defer rows.Close()

	records := make([]DocumentRecord, 0)
	for rows.Next() {
		var (
			projectID, docID, pathname string
			linesRaw                   []byte
			version                    int
			lines                      []string
		)
		if err := rows.Scan(&projectID, &docID, &pathname, &linesRaw, &version); err != nil {
			return nil, fmt.Errorf("scan doc: %w", err)
		}
		if err := json.Unmarshal(linesRaw, &lines); err != nil {
			return nil, fmt.Errorf("unmarshal doc %s lines: %w", docID, err)
		}
		records = append(records, NewDocumentRecord(projectID, docID, pathname, lines, version))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate docs: %w", err)
	}
	return records, nil
}
