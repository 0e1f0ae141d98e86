// Package postgres provides the Postgres-backed collector.Store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/JakeFAU/sourcemap-collector/internal/collector"
	"github.com/JakeFAU/sourcemap-collector/internal/storage/migrations"
)

const artifactColumns = `id, source_url, map_url, content, original_content, file_type, size, created_at, version, hash, is_latest`

const crxColumns = `id, page_url, page_title, crx_url, blob, size, created_at, file_count, hash, extension_id, public_key`

// StoreConfig controls the Postgres connection pool.
type StoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// SkipMigrations leaves the schema untouched on startup.
	SkipMigrations bool
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Store persists collector state in Postgres.
type Store struct {
	pool     pool
	defaults collector.Settings
}

// NewStore connects to Postgres and applies pending migrations.
func NewStore(ctx context.Context, cfg StoreConfig, defaults collector.Settings) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pgPool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if !cfg.SkipMigrations {
		if err := Migrate(pgPool); err != nil {
			pgPool.Close()
			return nil, err
		}
	}
	return &Store{pool: pgPool, defaults: defaults}, nil
}

// Migrate applies the embedded schema through a database/sql view of the pool.
func Migrate(pgPool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pgPool)
	defer db.Close()
	return migrations.Up(db, migrations.Postgres)
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(p pool, defaults collector.Settings) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p, defaults: defaults}, nil
}

func scanArtifact(row pgx.Row) (collector.Artifact, error) {
	var (
		a        collector.Artifact
		fileType string
	)
	if err := row.Scan(&a.ID, &a.SourceURL, &a.MapURL, &a.Content, &a.OriginalContent,
		&fileType, &a.Size, &a.Timestamp, &a.Version, &a.Hash, &a.IsLatest); err != nil {
		return collector.Artifact{}, err
	}
	a.FileType = collector.FileType(fileType)
	return a, nil
}

func scanCrx(row pgx.Row) (collector.CrxArtifact, error) {
	var c collector.CrxArtifact
	if err := row.Scan(&c.ID, &c.PageURL, &c.PageTitle, &c.CrxURL, &c.Blob, &c.Size,
		&c.Timestamp, &c.Count, &c.Hash, &c.ExtensionID, &c.PublicKey); err != nil {
		return collector.CrxArtifact{}, err
	}
	return c, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, collector.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// LatestArtifact returns the latest row for sourceURL.
func (s *Store) LatestArtifact(ctx context.Context, sourceURL string) (collector.Artifact, error) {
	a, err := scanArtifact(s.pool.QueryRow(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE source_url = $1 AND is_latest`, sourceURL))
	if err != nil {
		return collector.Artifact{}, notFound(err, fmt.Sprintf("latest artifact %q", sourceURL))
	}
	return a, nil
}

// GetArtifact fetches an artifact by ID.
func (s *Store) GetArtifact(ctx context.Context, id string) (collector.Artifact, error) {
	a, err := scanArtifact(s.pool.QueryRow(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = $1`, id))
	if err != nil {
		return collector.Artifact{}, notFound(err, fmt.Sprintf("artifact %q", id))
	}
	return a, nil
}

// PromoteArtifact flips the previous latest row and upserts artifact in one transaction.
func (s *Store) PromoteArtifact(ctx context.Context, artifact collector.Artifact) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin promote: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`UPDATE artifacts SET is_latest = FALSE WHERE source_url = $1 AND is_latest AND id <> $2`,
		artifact.SourceURL, artifact.ID); err != nil {
		return fmt.Errorf("demote latest: %w", err)
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO artifacts (`+artifactColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE)
ON CONFLICT (id) DO UPDATE SET
	map_url = EXCLUDED.map_url,
	created_at = EXCLUDED.created_at,
	version = EXCLUDED.version,
	is_latest = TRUE`,
		artifact.ID, artifact.SourceURL, artifact.MapURL, artifact.Content, artifact.OriginalContent,
		string(artifact.FileType), artifact.Size, artifact.Timestamp, artifact.Version, artifact.Hash,
	); err != nil {
		return fmt.Errorf("upsert artifact: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
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
		args = append(args, filter.SourceURL)
		where = append(where, fmt.Sprintf("source_url = $%d", len(args)))
	}
	if filter.FileType != "" {
		args = append(args, string(filter.FileType))
		where = append(where, fmt.Sprintf("file_type = $%d", len(args)))
	}
	if filter.LatestOnly {
		where = append(where, "is_latest")
	}
	query := `SELECT ` + artifactColumns + ` FROM artifacts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, version DESC, id ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	return s.queryArtifacts(ctx, query, args...)
}

func (s *Store) queryArtifacts(ctx context.Context, query string, args ...any) ([]collector.Artifact, error) {
	rows, err := s.pool.Query(ctx, query, args...)
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
	var p collector.Page
	err := s.pool.QueryRow(ctx, `SELECT id, url, title, created_at FROM pages WHERE url = $1`, url).
		Scan(&p.ID, &p.URL, &p.Title, &p.Timestamp)
	if err != nil {
		return collector.Page{}, notFound(err, fmt.Sprintf("page %q", url))
	}
	return p, nil
}

// CreatePage inserts a page; a duplicate URL fails.
func (s *Store) CreatePage(ctx context.Context, page collector.Page) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO pages (id, url, title, created_at) VALUES ($1, $2, $3, $4)`,
		page.ID, page.URL, page.Title, page.Timestamp); err != nil {
		return fmt.Errorf("insert page: %w", err)
	}
	return nil
}

// UpdatePageTitle replaces the title of a page.
func (s *Store) UpdatePageTitle(ctx context.Context, id string, title string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE pages SET title = $1 WHERE id = $2`, title, id)
	if err != nil {
		return fmt.Errorf("update page title: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("page %q: %w", id, collector.ErrNotFound)
	}
	return nil
}

// ListPages returns every page, most recently first seen first.
func (s *Store) ListPages(ctx context.Context) ([]collector.Page, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, url, title, created_at FROM pages ORDER BY created_at DESC, url ASC`)
	if err != nil {
		return nil, fmt.Errorf("query pages: %w", err)
	}
	defer rows.Close()
	var out []collector.Page
	for rows.Next() {
		var p collector.Page
		if err := rows.Scan(&p.ID, &p.URL, &p.Title, &p.Timestamp); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// EnsureLink inserts the link unless the pair already exists.
func (s *Store) EnsureLink(ctx context.Context, link collector.PageArtifactLink) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
INSERT INTO page_artifacts (id, page_id, artifact_id, created_at) VALUES ($1, $2, $3, $4)
ON CONFLICT (page_id, artifact_id) DO NOTHING`,
		link.ID, link.PageID, link.ArtifactID, link.Timestamp)
	if err != nil {
		return false, fmt.Errorf("insert link: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// PageArtifacts returns the artifacts linked to pageID.
func (s *Store) PageArtifacts(ctx context.Context, pageID string, latestOnly bool) ([]collector.Artifact, error) {
	query := `SELECT a.` + strings.ReplaceAll(artifactColumns, ", ", ", a.") + `
FROM artifacts a JOIN page_artifacts l ON l.artifact_id = a.id
WHERE l.page_id = $1`
	if latestOnly {
		query += ` AND a.is_latest`
	}
	query += ` ORDER BY a.created_at DESC, a.version DESC, a.id ASC`
	return s.queryArtifacts(ctx, query, pageID)
}

// CountLatestForPage counts latest artifacts linked to pageID.
func (s *Store) CountLatestForPage(ctx context.Context, pageID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
SELECT COUNT(*) FROM artifacts a JOIN page_artifacts l ON l.artifact_id = a.id
WHERE l.page_id = $1 AND a.is_latest`, pageID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count page artifacts: %w", err)
	}
	return n, nil
}

// GetCrxByPageURL fetches the package stored for a store page.
func (s *Store) GetCrxByPageURL(ctx context.Context, pageURL string) (collector.CrxArtifact, error) {
	c, err := scanCrx(s.pool.QueryRow(ctx, `SELECT `+crxColumns+` FROM crx_files WHERE page_url = $1`, pageURL))
	if err != nil {
		return collector.CrxArtifact{}, notFound(err, fmt.Sprintf("crx for %q", pageURL))
	}
	return c, nil
}

// GetCrx fetches a package by ID.
func (s *Store) GetCrx(ctx context.Context, id string) (collector.CrxArtifact, error) {
	c, err := scanCrx(s.pool.QueryRow(ctx, `SELECT `+crxColumns+` FROM crx_files WHERE id = $1`, id))
	if err != nil {
		return collector.CrxArtifact{}, notFound(err, fmt.Sprintf("crx %q", id))
	}
	return c, nil
}

// UpsertCrx overwrites the row for crx.PageURL, keeping the existing ID.
func (s *Store) UpsertCrx(ctx context.Context, crx collector.CrxArtifact) error {
	if _, err := s.pool.Exec(ctx, `
INSERT INTO crx_files (`+crxColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (page_url) DO UPDATE SET
	page_title = EXCLUDED.page_title,
	crx_url = EXCLUDED.crx_url,
	blob = EXCLUDED.blob,
	size = EXCLUDED.size,
	created_at = EXCLUDED.created_at,
	file_count = EXCLUDED.file_count,
	hash = EXCLUDED.hash,
	extension_id = EXCLUDED.extension_id,
	public_key = EXCLUDED.public_key`,
		crx.ID, crx.PageURL, crx.PageTitle, crx.CrxURL, crx.Blob, crx.Size,
		crx.Timestamp, crx.Count, crx.Hash, crx.ExtensionID, crx.PublicKey,
	); err != nil {
		return fmt.Errorf("upsert crx: %w", err)
	}
	return nil
}

// ListCrx returns every stored package, newest first, without blobs.
func (s *Store) ListCrx(ctx context.Context) ([]collector.CrxArtifact, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, page_url, page_title, crx_url, NULL::bytea, size, created_at, file_count, hash, extension_id, public_key
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
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace entries: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM parsed_entries WHERE `+ownerColumn(owner)+` = $1`, owner.ID); err != nil {
		return fmt.Errorf("delete entries: %w", err)
	}
	if len(entries) > 0 {
		rows := make([][]any, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, []any{e.ID, e.Path, e.Content, e.Size, e.ContentType,
				nullable(e.SourceMapFileID), nullable(e.CrxFileID)})
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"parsed_entries"},
			[]string{"id", "path", "content", "size", "content_type", "source_map_file_id", "crx_file_id"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("copy entries: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit entries: %w", err)
	}
	return nil
}

// ListEntries returns the owner's entries ordered by path.
func (s *Store) ListEntries(ctx context.Context, owner collector.EntryOwner) ([]collector.ParsedEntry, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, path, content, size, content_type, COALESCE(source_map_file_id, ''), COALESCE(crx_file_id, '')
FROM parsed_entries WHERE `+ownerColumn(owner)+` = $1 ORDER BY path`, owner.ID)
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
	err := s.pool.QueryRow(ctx, `
SELECT max_file_size, cleanup_threshold, retention_days, auto_cleanup, collect_js, collect_css, collect_crx
FROM settings WHERE id = 1`).Scan(&st.MaxFileSize, &st.CleanupThreshold, &st.RetentionDays,
		&st.AutoCleanup, &st.CollectJS, &st.CollectCSS, &st.CollectCRX)
	switch {
	case err == nil:
		return st, nil
	case errors.Is(err, pgx.ErrNoRows):
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
	if _, err := s.pool.Exec(ctx, `
INSERT INTO settings (id, max_file_size, cleanup_threshold, retention_days, auto_cleanup, collect_js, collect_css, collect_crx)
VALUES (1, $1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET
	max_file_size = EXCLUDED.max_file_size,
	cleanup_threshold = EXCLUDED.cleanup_threshold,
	retention_days = EXCLUDED.retention_days,
	auto_cleanup = EXCLUDED.auto_cleanup,
	collect_js = EXCLUDED.collect_js,
	collect_css = EXCLUDED.collect_css,
	collect_crx = EXCLUDED.collect_crx`,
		st.MaxFileSize, st.CleanupThreshold, st.RetentionDays,
		st.AutoCleanup, st.CollectJS, st.CollectCSS, st.CollectCRX); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// TotalSize sums artifact and package sizes.
func (s *Store) TotalSize(ctx context.Context) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx, `
SELECT COALESCE((SELECT SUM(size) FROM artifacts), 0)::BIGINT + COALESCE((SELECT SUM(size) FROM crx_files), 0)::BIGINT`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total size: %w", err)
	}
	return total, nil
}

// DeleteArtifactsBefore evicts artifacts older than cutoff. Links and entries
// cascade through their foreign keys.
func (s *Store) DeleteArtifactsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM artifacts WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete artifacts: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Stats summarizes the store contents.
func (s *Store) Stats(ctx context.Context) (collector.Stats, error) {
	var st collector.Stats
	err := s.pool.QueryRow(ctx, `
SELECT
	(SELECT COUNT(*) FROM artifacts),
	(SELECT COUNT(*) FROM artifacts WHERE is_latest),
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
	if _, err := s.pool.Exec(ctx,
		`TRUNCATE parsed_entries, page_artifacts, crx_files, pages, artifacts`); err != nil {
		return fmt.Errorf("clear all: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ collector.Store = (*Store)(nil)
