// Package sqlite implements collector.Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/JakeFAU/sourcemap-collector/internal/collector"
	"github.com/JakeFAU/sourcemap-collector/internal/storage/migrations"
)

const artifactColumns = `id, source_url, map_url, content, original_content, file_type, size, created_at, version, hash, is_latest`

const crxColumns = `id, page_url, page_title, crx_url, blob, size, created_at, file_count, hash, extension_id, public_key`

// Store persists collector state in SQLite.
type Store struct {
	db       *sql.DB
	defaults collector.Settings
}

// Open connects to path (a file or ":memory:"), enables foreign keys and
// applies pending migrations.
func Open(path string, defaults collector.Settings) (*Store, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.Up(db, migrations.SQLite); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, defaults: defaults}, nil
}

// OpenConnection opens path with the PRAGMAs the store relies on.
func OpenConnection(path string) (*sql.DB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_foreign_keys=on&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return db, nil
}

// DB exposes the underlying handle for maintenance commands.
func (s *Store) DB() *sql.DB {
	return s.db
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row scanner) (collector.Artifact, error) {
	var (
		a        collector.Artifact
		created  int64
		fileType string
		latest   bool
	)
	if err := row.Scan(&a.ID, &a.SourceURL, &a.MapURL, &a.Content, &a.OriginalContent,
		&fileType, &a.Size, &created, &a.Version, &a.Hash, &latest); err != nil {
		return collector.Artifact{}, err
	}
	a.FileType = collector.FileType(fileType)
	a.Timestamp = fromNanos(created)
	a.IsLatest = latest
	return a, nil
}

func scanCrx(row scanner) (collector.CrxArtifact, error) {
	var (
		c       collector.CrxArtifact
		created int64
	)
	if err := row.Scan(&c.ID, &c.PageURL, &c.PageTitle, &c.CrxURL, &c.Blob, &c.Size,
		&created, &c.Count, &c.Hash, &c.ExtensionID, &c.PublicKey); err != nil {
		return collector.CrxArtifact{}, err
	}
	c.Timestamp = fromNanos(created)
	return c, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, collector.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// LatestArtifact returns the latest row for sourceURL.
func (s *Store) LatestArtifact(ctx context.Context, sourceURL string) (collector.Artifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE source_url = ? AND is_latest = 1`, sourceURL)
	a, err := scanArtifact(row)
	if err != nil {
		return collector.Artifact{}, notFound(err, fmt.Sprintf("latest artifact %q", sourceURL))
	}
	return a, nil
}

// GetArtifact fetches an artifact by ID.
func (s *Store) GetArtifact(ctx context.Context, id string) (collector.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, id)
	a, err := scanArtifact(row)
	if err != nil {
		return collector.Artifact{}, notFound(err, fmt.Sprintf("artifact %q", id))
	}
	return a, nil
}

// PromoteArtifact flips the previous latest row and upserts artifact in one transaction.
func (s *Store) PromoteArtifact(ctx context.Context, artifact collector.Artifact) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin promote: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE artifacts SET is_latest = 0 WHERE source_url = ? AND is_latest = 1 AND id <> ?`,
		artifact.SourceURL, artifact.ID); err != nil {
		return fmt.Errorf("demote latest: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO artifacts (`+artifactColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
ON CONFLICT (id) DO UPDATE SET
	map_url = excluded.map_url,
	created_at = excluded.created_at,
	version = excluded.version,
	is_latest = 1`,
		artifact.ID, artifact.SourceURL, artifact.MapURL, artifact.Content, artifact.OriginalContent,
		string(artifact.FileType), artifact.Size, toNanos(artifact.Timestamp), artifact.Version, artifact.Hash,
	); err != nil {
		return fmt.Errorf("upsert artifact: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit promote: %w", err)
	}
	return nil
}

// ListArtifacts returns matching artifacts, newest first.
func (s *Store) ListArtifacts(ctx context.Context, filter collector.ArtifactFilter) ([]collector.Artifact, error) {
	var (
		where []string
		args  []any
	)
	if filter.SourceURL != "" {
		where = append(where, "source_url = ?")
		args = append(args, filter.SourceURL)
	}
	if filter.FileType != "" {
		where = append(where, "file_type = ?")
		args = append(args, string(filter.FileType))
	}
	if filter.LatestOnly {
		where = append(where, "is_latest = 1")
	}
	query := `SELECT ` + artifactColumns + ` FROM artifacts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, version DESC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return s.queryArtifacts(ctx, query, args...)
}

func (s *Store) queryArtifacts(ctx context.Context, query string, args ...any) ([]collector.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()
	var out []collector.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ArtifactVersions returns every version for sourceURL, newest first.
func (s *Store) ArtifactVersions(ctx context.Context, sourceURL string) ([]collector.Artifact, error) {
	return s.ListArtifacts(ctx, collector.ArtifactFilter{SourceURL: sourceURL})
}

// GetPageByURL fetches a page by URL.
func (s *Store) GetPageByURL(ctx context.Context, url string) (collector.Page, error) {
	var (
		p       collector.Page
		created int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, url, title, created_at FROM pages WHERE url = ?`, url).
		Scan(&p.ID, &p.URL, &p.Title, &created)
	if err != nil {
		return collector.Page{}, notFound(err, fmt.Sprintf("page %q", url))
	}
	p.Timestamp = fromNanos(created)
	return p, nil
}

// CreatePage inserts a page; a duplicate URL fails.
func (s *Store) CreatePage(ctx context.Context, page collector.Page) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO pages (id, url, title, created_at) VALUES (?, ?, ?, ?)`,
		page.ID, page.URL, page.Title, toNanos(page.Timestamp)); err != nil {
		return fmt.Errorf("insert page: %w", err)
	}
	return nil
}

// UpdatePageTitle replaces the title of a page.
func (s *Store) UpdatePageTitle(ctx context.Context, id string, title string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE pages SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return fmt.Errorf("update page title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("page %q: %w", id, collector.ErrNotFound)
	}
	return nil
}

// ListPages returns every page, most recently first seen first.
func (s *Store) ListPages(ctx context.Context) ([]collector.Page, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, url, title, created_at FROM pages ORDER BY created_at DESC, url ASC`)
	if err != nil {
		return nil, fmt.Errorf("query pages: %w", err)
	}
	defer rows.Close()
	var out []collector.Page
	for rows.Next() {
		var (
			p       collector.Page
			created int64
		)
		if err := rows.Scan(&p.ID, &p.URL, &p.Title, &created); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		p.Timestamp = fromNanos(created)
		out = append(out, p)
	}
	return out, rows.Err()
}

// EnsureLink inserts the link unless the pair already exists.
func (s *Store) EnsureLink(ctx context.Context, link collector.PageArtifactLink) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO page_artifacts (id, page_id, artifact_id, created_at) VALUES (?, ?, ?, ?)
ON CONFLICT (page_id, artifact_id) DO NOTHING`,
		link.ID, link.PageID, link.ArtifactID, toNanos(link.Timestamp))
	if err != nil {
		return false, fmt.Errorf("insert link: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert link: %w", err)
	}
	return n > 0, nil
}

// PageArtifacts returns the artifacts linked to pageID.
func (s *Store) PageArtifacts(ctx context.Context, pageID string, latestOnly bool) ([]collector.Artifact, error) {
	query := `SELECT a.` + strings.ReplaceAll(artifactColumns, ", ", ", a.") + `
FROM artifacts a JOIN page_artifacts l ON l.artifact_id = a.id
WHERE l.page_id = ?`
	if latestOnly {
		query += ` AND a.is_latest = 1`
	}
	query += ` ORDER BY a.created_at DESC, a.version DESC, a.id ASC`
	return s.queryArtifacts(ctx, query, pageID)
}

// CountLatestForPage counts latest artifacts linked to pageID.
func (s *Store) CountLatestForPage(ctx context.Context, pageID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM artifacts a JOIN page_artifacts l ON l.artifact_id = a.id
WHERE l.page_id = ? AND a.is_latest = 1`, pageID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count page artifacts: %w", err)
	}
	return n, nil
}

// GetCrxByPageURL fetches the package stored for a store page.
func (s *Store) GetCrxByPageURL(ctx context.Context, pageURL string) (collector.CrxArtifact, error) {
	c, err := scanCrx(s.db.QueryRowContext(ctx, `SELECT `+crxColumns+` FROM crx_files WHERE page_url = ?`, pageURL))
	if err != nil {
		return collector.CrxArtifact{}, notFound(err, fmt.Sprintf("crx for %q", pageURL))
	}
	return c, nil
}

// GetCrx fetches a package by ID.
func (s *Store) GetCrx(ctx context.Context, id string) (collector.CrxArtifact, error) {
	c, err := scanCrx(s.db.QueryRowContext(ctx, `SELECT `+crxColumns+` FROM crx_files WHERE id = ?`, id))
	if err != nil {
		return collector.CrxArtifact{}, notFound(err, fmt.Sprintf("crx %q", id))
	}
	return c, nil
}

// UpsertCrx overwrites the row for crx.PageURL, keeping the existing ID.
func (s *Store) UpsertCrx(ctx context.Context, crx collector.CrxArtifact) error {
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO crx_files (`+crxColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (page_url) DO UPDATE SET
	page_title = excluded.page_title,
	crx_url = excluded.crx_url,
	blob = excluded.blob,
	size = excluded.size,
	created_at = excluded.created_at,
	file_count = excluded.file_count,
	hash = excluded.hash,
	extension_id = excluded.extension_id,
	public_key = excluded.public_key`,
		crx.ID, crx.PageURL, crx.PageTitle, crx.CrxURL, crx.Blob, crx.Size,
		toNanos(crx.Timestamp), crx.Count, crx.Hash, crx.ExtensionID, crx.PublicKey,
	); err != nil {
		return fmt.Errorf("upsert crx: %w", err)
	}
	return nil
}

// ListCrx returns every stored package, newest first, without blobs.
func (s *Store) ListCrx(ctx context.Context) ([]collector.CrxArtifact, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, page_url, page_title, crx_url, NULL, size, created_at, file_count, hash, extension_id, public_key
FROM crx_files ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query crx: %w", err)
	}
	defer rows.Close()
	var out []collector.CrxArtifact
	for rows.Next() {
		c, err := scanCrx(rows)
		if err != nil {
			return nil, fmt.Errorf("scan crx: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func ownerColumn(owner collector.EntryOwner) string {
	if owner.Kind == collector.OwnerCrx {
		return "crx_file_id"
	}
	return "source_map_file_id"
}

// ReplaceEntries swaps the owner's entries for entries in one transaction.
func (s *Store) ReplaceEntries(ctx context.Context, owner collector.EntryOwner, entries []collector.ParsedEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace entries: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	column := ownerColumn(owner)
	if _, err := tx.ExecContext(ctx, `DELETE FROM parsed_entries WHERE `+column+` = ?`, owner.ID); err != nil {
		return fmt.Errorf("delete entries: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO parsed_entries (id, path, content, size, content_type, source_map_file_id, crx_file_id)
VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare entries: %w", err)
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.ID, e.Path, e.Content, e.Size, e.ContentType,
			nullable(e.SourceMapFileID), nullable(e.CrxFileID)); err != nil {
			return fmt.Errorf("insert entry %s: %w", e.Path, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit entries: %w", err)
	}
	return nil
}

// ListEntries returns the owner's entries ordered by path.
func (s *Store) ListEntries(ctx context.Context, owner collector.EntryOwner) ([]collector.ParsedEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, path, content, size, content_type, COALESCE(source_map_file_id, ''), COALESCE(crx_file_id, '')
FROM parsed_entries WHERE `+ownerColumn(owner)+` = ? ORDER BY path`, owner.ID)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()
	var out []collector.ParsedEntry
	for rows.Next() {
		var e collector.ParsedEntry
		if err := rows.Scan(&e.ID, &e.Path, &e.Content, &e.Size, &e.ContentType, &e.SourceMapFileID, &e.CrxFileID); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetSettings returns stored settings, materializing defaults on first read.
func (s *Store) GetSettings(ctx context.Context) (collector.Settings, error) {
	var st collector.Settings
	err := s.db.QueryRowContext(ctx, `
SELECT max_file_size, cleanup_threshold, retention_days, auto_cleanup, collect_js, collect_css, collect_crx
FROM settings WHERE id = 1`).Scan(&st.MaxFileSize, &st.CleanupThreshold, &st.RetentionDays,
		&st.AutoCleanup, &st.CollectJS, &st.CollectCSS, &st.CollectCRX)
	switch {
	case err == nil:
		return st, nil
	case errors.Is(err, sql.ErrNoRows):
		if err := s.SaveSettings(ctx, s.defaults); err != nil {
			return collector.Settings{}, err
		}
		return s.defaults, nil
	default:
		return collector.Settings{}, fmt.Errorf("load settings: %w", err)
	}
}

// SaveSettings replaces the settings row.
func (s *Store) SaveSettings(ctx context.Context, st collector.Settings) error {
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO settings (id, max_file_size, cleanup_threshold, retention_days, auto_cleanup, collect_js, collect_css, collect_crx)
VALUES (1, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	max_file_size = excluded.max_file_size,
	cleanup_threshold = excluded.cleanup_threshold,
	retention_days = excluded.retention_days,
	auto_cleanup = excluded.auto_cleanup,
	collect_js = excluded.collect_js,
	collect_css = excluded.collect_css,
	collect_crx = excluded.collect_crx`,
		st.MaxFileSize, st.CleanupThreshold, st.RetentionDays,
		st.AutoCleanup, st.CollectJS, st.CollectCSS, st.CollectCRX); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// TotalSize sums artifact and package sizes.
func (s *Store) TotalSize(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
SELECT COALESCE((SELECT SUM(size) FROM artifacts), 0) + COALESCE((SELECT SUM(size) FROM crx_files), 0)`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total size: %w", err)
	}
	return total, nil
}

// DeleteArtifactsBefore evicts artifacts older than cutoff. Links and entries
// cascade through their foreign keys.
func (s *Store) DeleteArtifactsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE created_at < ?`, toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete artifacts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete artifacts: %w", err)
	}
	return int(n), nil
}

// Stats summarizes the store contents.
func (s *Store) Stats(ctx context.Context) (collector.Stats, error) {
	var st collector.Stats
	err := s.db.QueryRowContext(ctx, `
SELECT
	(SELECT COUNT(*) FROM artifacts),
	(SELECT COUNT(*) FROM artifacts WHERE is_latest = 1),
	(SELECT COUNT(*) FROM pages),
	(SELECT COUNT(*) FROM page_artifacts),
	(SELECT COUNT(*) FROM crx_files),
	(SELECT COUNT(*) FROM parsed_entries)`).Scan(
		&st.Artifacts, &st.LatestArtifacts, &st.Pages, &st.Links, &st.CrxArtifacts, &st.Entries)
	if err != nil {
		return collector.Stats{}, fmt.Errorf("stats: %w", err)
	}
	if st.TotalSize, err = s.TotalSize(ctx); err != nil {
		return collector.Stats{}, err
	}
	return st, nil
}

// ClearAll drops everything except settings.
func (s *Store) ClearAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, table := range []string{"parsed_entries", "page_artifacts", "crx_files", "pages", "artifacts"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ collector.Store = (*Store)(nil)
