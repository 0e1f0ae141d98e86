// Package export writes stored artifacts into a portable zip bundle, optionally
// encrypted to one or more age recipients.
package export

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"filippo.io/age"
	"go.uber.org/zap"

	"github.com/JakeFAU/sourcemap-collector/internal/archive"
	"github.com/JakeFAU/sourcemap-collector/internal/collector"
)

// Options controls what a bundle contains.
type Options struct {
	// LatestOnly skips superseded artifact versions.
	LatestOnly bool
	// Recipients are age X25519 public keys ("age1...") to encrypt the bundle to.
	Recipients []string
}

// Manifest is written as manifest.json at the root of every bundle.
type Manifest struct {
	CreatedAt time.Time               `json:"created_at"`
	Artifacts []collector.Artifact    `json:"artifacts"`
	Crx       []collector.CrxArtifact `json:"crx"`
	Pages     []collector.Page        `json:"pages"`
	Stats     collector.Stats         `json:"stats"`
}

// Summary reports what was written.
type Summary struct {
	Artifacts int  `json:"artifacts"`
	Crx       int  `json:"crx"`
	Files     int  `json:"files"`
	Encrypted bool `json:"encrypted"`
}

// Exporter reads from a Store.
type Exporter struct {
	store  collector.Store
	clock  collector.Clock
	logger *zap.Logger
}

// New constructs an Exporter.
func New(store collector.Store, clock collector.Clock, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{store: store, clock: clock, logger: logger}
}

// Write streams the bundle to w.
func (e *Exporter) Write(ctx context.Context, w io.Writer, opts Options) (Summary, error) {
	out := w
	var encrypted io.WriteCloser
	if len(opts.Recipients) > 0 {
		recipients, err := ParseRecipients(opts.Recipients)
		if err != nil {
			return Summary{}, err
		}
		encrypted, err = age.Encrypt(w, recipients...)
		if err != nil {
			return Summary{}, fmt.Errorf("create encrypted writer: %w", err)
		}
		out = encrypted
	}

	zw := zip.NewWriter(out)
	summary, err := e.writeBundle(ctx, zw, opts)
	if err != nil {
		_ = zw.Close()
		return Summary{}, err
	}
	if err := zw.Close(); err != nil {
		return Summary{}, fmt.Errorf("finalize zip: %w", err)
	}
	if encrypted != nil {
		if err := encrypted.Close(); err != nil {
			return Summary{}, fmt.Errorf("finalize encryption: %w", err)
		}
		summary.Encrypted = true
	}
	e.logger.Info("export written",
		zap.Int("artifacts", summary.Artifacts),
		zap.Int("crx", summary.Crx),
		zap.Int("files", summary.Files),
		zap.Bool("encrypted", summary.Encrypted),
	)
	return summary, nil
}

func (e *Exporter) writeBundle(ctx context.Context, zw *zip.Writer, opts Options) (Summary, error) {
	artifacts, err := e.store.ListArtifacts(ctx, collector.ArtifactFilter{LatestOnly: opts.LatestOnly})
	if err != nil {
		return Summary{}, fmt.Errorf("list artifacts: %w", err)
	}
	crxRows, err := e.store.ListCrx(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list crx: %w", err)
	}
	pages, err := e.store.ListPages(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list pages: %w", err)
	}
	stats, err := e.store.Stats(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("stats: %w", err)
	}

	var summary Summary
	manifest := Manifest{CreatedAt: e.clock.Now().UTC(), Pages: pages, Stats: stats}
	for _, a := range artifacts {
		dir := path.Join("sourcemaps", hostOf(a.SourceURL), fmt.Sprintf("%s.v%d", archive.SanitizePath(path.Base(a.SourceURL)), a.Version))
		if err := writeFile(zw, path.Join(dir, "map.json"), a.Content); err != nil {
			return Summary{}, err
		}
		if err := writeFile(zw, path.Join(dir, "original."+string(a.FileType)), a.OriginalContent); err != nil {
			return Summary{}, err
		}
		n, err := e.writeEntries(ctx, zw, collector.SourceMapOwner(a.ID), path.Join(dir, "sources"))
		if err != nil {
			return Summary{}, err
		}
		summary.Files += 2 + n
		manifest.Artifacts = append(manifest.Artifacts, a.Summary())
	}
	for _, c := range crxRows {
		dir := path.Join("crx", hostOf(c.PageURL), c.ID)
		n, err := e.writeEntries(ctx, zw, collector.CrxOwner(c.ID), path.Join(dir, "files"))
		if err != nil {
			return Summary{}, err
		}
		summary.Files += n
		manifest.Crx = append(manifest.Crx, c)
	}
	summary.Artifacts = len(manifest.Artifacts)
	summary.Crx = len(manifest.Crx)

	body, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return Summary{}, fmt.Errorf("encode manifest: %w", err)
	}
	if err := writeFile(zw, "manifest.json", string(body)); err != nil {
		return Summary{}, err
	}
	summary.Files++
	return summary, nil
}

func (e *Exporter) writeEntries(ctx context.Context, zw *zip.Writer, owner collector.EntryOwner, dir string) (int, error) {
	entries, err := e.store.ListEntries(ctx, owner)
	if err != nil {
		return 0, fmt.Errorf("list entries: %w", err)
	}
	for _, entry := range entries {
		if err := writeFile(zw, path.Join(dir, entry.Path), entry.Content); err != nil {
			return 0, err
		}
	}
	return len(entries), nil
}

func writeFile(zw *zip.Writer, name, content string) error {
	fw, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := io.WriteString(fw, content); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// ParseRecipients parses age X25519 public keys.
func ParseRecipients(keys []string) ([]age.Recipient, error) {
	out := make([]age.Recipient, 0, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		r, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, collector.E(collector.KindInvalidInput, "parse age recipient", err)
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, collector.E(collector.KindInvalidInput, "parse age recipient", fmt.Errorf("no recipients"))
	}
	return out, nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return archive.SanitizePath(u.Host)
}
