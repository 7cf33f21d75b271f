package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgSearch implements page search against Postgres as a fallback when
// Meilisearch is not configured or unreachable.
type PgSearch struct {
	db *sql.DB
}

func NewPgSearch(db *sql.DB) *PgSearch {
	return &PgSearch{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgSearch) Healthy() bool {
	return true
}

// Search matches pages by url, title, agency, or site substring.
func (p *PgSearch) Search(q Query) ([]Result, int, error) {
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

	where := `(url ILIKE '%' || $1 || '%' OR title ILIKE '%' || $1 || '%' OR agency ILIKE '%' || $1 || '%' OR site ILIKE '%' || $1 || '%')`
	args := []any{q.Text}
	if q.Agency != "" {
		where += ` AND agency = $2`
		args = append(args, q.Agency)
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM pages WHERE ` + where
	if err := p.db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count page matches: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, url, title, agency, site
		FROM pages
		WHERE %s
		ORDER BY url ASC, id ASC
		LIMIT %d OFFSET %d
	`, where, limit, offset)
	rows, err := p.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search pages: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.URL, &r.Title, &r.Agency, &r.Site); err != nil {
			return nil, 0, fmt.Errorf("scan page match: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate page matches: %w", err)
	}
	return results, total, nil
}

// LoadAllRecords reads every page for bootstrap reindexing into Meilisearch.
func (p *PgSearch) LoadAllRecords(ctx context.Context) ([]PageRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, url, title, agency, site FROM pages ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("load pages: %w", err)
	}
	defer rows.Close()

	records := make([]PageRecord, 0)
	for rows.Next() {
		var r PageRecord
		if err := rows.Scan(&r.ID, &r.URL, &r.Title, &r.Agency, &r.Site); err != nil {
			return nil, fmt.Errorf("scan page record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate page records: %w", err)
	}
	return records, nil
}
