package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"pagewatch/api/internal/util"
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

func (s *PostgresStore) InsertPage(ctx context.Context, url, title, agency, site string) (string, error) {
	id := util.NewID("pg")
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pages (id, url, title, agency, site)
		VALUES ($1, $2, $3, $4, $5)
	`, id, url, title, agency, site)
	if err != nil {
		return "", storageErr("insert page", err)
	}
	return id, nil
}

func (s *PostgresStore) GetPage(ctx context.Context, pageID string) (Page, error) {
	var item Page
	err := s.db.QueryRowContext(ctx, `
		SELECT id, url, title, agency, site, created_at, updated_at
		FROM pages
		WHERE id=$1
	`, pageID).Scan(&item.ID, &item.URL, &item.Title, &item.Agency, &item.Site, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Page{}, notFoundOr("get page", err)
	}
	return item, nil
}

func (s *PostgresStore) GetPageByURL(ctx context.Context, url string) (Page, error) {
	var item Page
	err := s.db.QueryRowContext(ctx, `
		SELECT id, url, title, agency, site, created_at, updated_at
		FROM pages
		WHERE url=$1
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`, url).Scan(&item.ID, &item.URL, &item.Title, &item.Agency, &item.Site, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Page{}, notFoundOr("get page by url", err)
	}
	return item, nil
}

func (s *PostgresStore) InsertVersion(ctx context.Context, pageID string, captureTime time.Time, uri, versionHash, sourceType string, sourceMetadata json.RawMessage) (string, error) {
	id := util.NewID("v")
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO versions (id, page_id, capture_time, uri, version_hash, source_type, source_metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
	`, id, pageID, captureTime.UTC(), uri, versionHash, sourceType, metadataOrEmpty(sourceMetadata))
	if err != nil {
		return "", storageErr("insert version", err)
	}
	return id, nil
}

const versionColumns = `id, page_id, capture_time, uri, version_hash, source_type, COALESCE(source_metadata::text, '{}'), created_at, updated_at`

func scanVersion(row interface{ Scan(...any) error }) (Version, error) {
	var item Version
	var metadata string
	err := row.Scan(&item.ID, &item.PageID, &item.CaptureTime, &item.URI, &item.VersionHash, &item.SourceType, &metadata, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Version{}, err
	}
	item.SourceMetadata = json.RawMessage(metadata)
	return item, nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, versionID string) (Version, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM versions
		WHERE id=$1
	`, versionID)
	item, err := scanVersion(row)
	if err != nil {
		return Version{}, notFoundOr("get version", err)
	}
	return item, nil
}

// History returns a lazy cursor over a page's versions in reverse
// chronological order. The cursor is forward-only and single-pass; call
// History again for a fresh one. Callers must Close it.
func (s *PostgresStore) History(ctx context.Context, pageID string) (VersionIter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+versionColumns+`
		FROM versions
		WHERE page_id=$1
		ORDER BY capture_time DESC, id DESC
	`, pageID)
	if err != nil {
		return nil, storageErr("page history", err)
	}
	return &VersionCursor{rows: rows}, nil
}

// Oldest returns the baseline Version for a page: minimum capture_time, with
// a stable id tie-break so selection is deterministic per call.
func (s *PostgresStore) Oldest(ctx context.Context, pageID string) (Version, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM versions
		WHERE page_id=$1
		ORDER BY capture_time ASC, id ASC
		LIMIT 1
	`, pageID)
	item, err := scanVersion(row)
	if err != nil {
		return Version{}, notFoundOr("oldest version", err)
	}
	return item, nil
}

func (s *PostgresStore) InsertDiff(ctx context.Context, versionFrom, versionTo, diffHash, uri, sourceType string, sourceMetadata json.RawMessage) (string, error) {
	id := util.NewID("diff")
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO diffs (id, version_from, version_to, diffhash, uri, source_type, source_metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
	`, id, versionFrom, versionTo, diffHash, uri, sourceType, metadataOrEmpty(sourceMetadata))
	if err != nil {
		return "", storageErr("insert diff", err)
	}
	return id, nil
}

const diffColumns = `id, version_from, version_to, diffhash, uri, source_type, COALESCE(source_metadata::text, '{}'), created_at, updated_at`

func scanDiff(row interface{ Scan(...any) error }) (Diff, error) {
	var item Diff
	var metadata string
	err := row.Scan(&item.ID, &item.VersionFrom, &item.VersionTo, &item.DiffHash, &item.URI, &item.SourceType, &metadata, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Diff{}, err
	}
	item.SourceMetadata = json.RawMessage(metadata)
	return item, nil
}

// GetDiff returns the index record only. The diff body behind URI is fetched
// separately so the I/O and its failure modes stay visible to callers.
func (s *PostgresStore) GetDiff(ctx context.Context, diffID string) (Diff, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+diffColumns+`
		FROM diffs
		WHERE id=$1
	`, diffID)
	item, err := scanDiff(row)
	if err != nil {
		return Diff{}, notFoundOr("get diff", err)
	}
	return item, nil
}

func (s *PostgresStore) InsertAnnotation(ctx context.Context, versionFrom, versionTo string, annotation json.RawMessage, author string) (string, error) {
	id := util.NewID("ann")
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO annotations (id, version_from, version_to, annotation, author)
		VALUES ($1, $2, $3, $4::jsonb, $5)
	`, id, versionFrom, versionTo, metadataOrEmpty(annotation), author)
	if err != nil {
		return "", storageErr("insert annotation", err)
	}
	return id, nil
}

func (s *PostgresStore) GetAnnotation(ctx context.Context, annotationID string) (Annotation, error) {
	var item Annotation
	var body string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, version_from, version_to, COALESCE(annotation::text, '{}'), author, created_at, updated_at
		FROM annotations
		WHERE id=$1
	`, annotationID).Scan(&item.ID, &item.VersionFrom, &item.VersionTo, &body, &item.Author, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Annotation{}, notFoundOr("get annotation", err)
	}
	item.Annotation = json.RawMessage(body)
	return item, nil
}

func (s *PostgresStore) AnnotationsByChange(ctx context.Context, versionFrom, versionTo string) ([]Annotation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, version_from, version_to, COALESCE(annotation::text, '{}'), author, created_at, updated_at
		FROM annotations
		WHERE version_from=$1 AND version_to=$2
		ORDER BY created_at ASC, id ASC
	`, versionFrom, versionTo)
	if err != nil {
		return nil, storageErr("annotations by change", err)
	}
	defer rows.Close()

	items := make([]Annotation, 0)
	for rows.Next() {
		var item Annotation
		var body string
		if err := rows.Scan(&item.ID, &item.VersionFrom, &item.VersionTo, &body, &item.Author, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, storageErr("scan annotation", err)
		}
		item.Annotation = json.RawMessage(body)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate annotations", err)
	}
	return items, nil
}

// ListDiffsByChange returns every diff stored for a version pair (the same
// comparison may have been computed more than once).
func (s *PostgresStore) ListDiffsByChange(ctx context.Context, versionFrom, versionTo string) ([]Diff, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+diffColumns+`
		FROM diffs
		WHERE version_from=$1 AND version_to=$2
		ORDER BY created_at ASC, id ASC
	`, versionFrom, versionTo)
	if err != nil {
		return nil, storageErr("diffs by change", err)
	}
	defer rows.Close()

	items := make([]Diff, 0)
	for rows.Next() {
		item, err := scanDiff(rows)
		if err != nil {
			return nil, storageErr("scan diff", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate diffs", err)
	}
	return items, nil
}

// ListPendingVersions returns versions that no diff targets yet, in capture
// order. Baseline versions show up here too; the pipeline skips them.
func (s *PostgresStore) ListPendingVersions(ctx context.Context) ([]Version, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+versionColumns+`
		FROM versions v
		WHERE NOT EXISTS (SELECT 1 FROM diffs d WHERE d.version_to = v.id)
		ORDER BY capture_time ASC, id ASC
	`)
	if err != nil {
		return nil, storageErr("list pending versions", err)
	}
	defer rows.Close()

	items := make([]Version, 0)
	for rows.Next() {
		item, err := scanVersion(rows)
		if err != nil {
			return nil, storageErr("scan pending version", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate pending versions", err)
	}
	return items, nil
}

// ListUnreviewedDiffs returns diffs whose version pair has no annotation,
// oldest first. Used to seed the work queue at startup.
func (s *PostgresStore) ListUnreviewedDiffs(ctx context.Context) ([]Diff, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+diffColumns+`
		FROM diffs d
		WHERE NOT EXISTS (
			SELECT 1 FROM annotations a
			WHERE a.version_from = d.version_from AND a.version_to = d.version_to
		)
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, storageErr("list unreviewed diffs", err)
	}
	defer rows.Close()

	items := make([]Diff, 0)
	for rows.Next() {
		item, err := scanDiff(rows)
		if err != nil {
			return nil, storageErr("scan unreviewed diff", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate unreviewed diffs", err)
	}
	return items, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func metadataOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// VersionIter is a lazy, forward-only, single-pass sequence of versions.
type VersionIter interface {
	Next() bool
	Version() Version
	Err() error
	Close() error
}

// VersionCursor is a single-pass iterator over a history query's rows.
type VersionCursor struct {
	rows    *sql.Rows
	current Version
	err     error
}

func (c *VersionCursor) Next() bool {
	if c.err != nil || !c.rows.Next() {
		return false
	}
	item, err := scanVersion(c.rows)
	if err != nil {
		c.err = fmt.Errorf("scan history version: %w", err)
		return false
	}
	c.current = item
	return true
}

func (c *VersionCursor) Version() Version {
	return c.current
}

func (c *VersionCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	if err := c.rows.Err(); err != nil {
		return storageErr("iterate history", err)
	}
	return nil
}

func (c *VersionCursor) Close() error {
	return c.rows.Close()
}
