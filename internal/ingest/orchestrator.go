// Package ingest runs the capture pipeline: settings gate, fetch, fingerprint,
// serialized resolution, entry expansion, retention, badge and mirror.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sourcemap-collector/internal/archive"
	"github.com/JakeFAU/sourcemap-collector/internal/collector"
	"github.com/JakeFAU/sourcemap-collector/internal/lock"
	"github.com/JakeFAU/sourcemap-collector/internal/metrics"
	"github.com/JakeFAU/sourcemap-collector/internal/resolver"
	"github.com/JakeFAU/sourcemap-collector/internal/sourcemap"
	"github.com/JakeFAU/sourcemap-collector/internal/telemetry"
)

// KeyFunc picks the mutation lock key for a source map capture.
type KeyFunc func(collector.DetectedArtifact) string

// BySourceURL serializes captures of the same compiled file only.
func BySourceURL(d collector.DetectedArtifact) string {
	return d.SourceURL
}

// Global serializes every capture behind one key.
func Global(collector.DetectedArtifact) string {
	return lock.GlobalKey
}

// Cleaner is the retention hook run after successful writes.
type Cleaner interface {
	Trigger(ctx context.Context, settings collector.Settings)
}

// Mirror receives committed artifacts for secondary sync.
type Mirror interface {
	SyncArtifact(ctx context.Context, artifact collector.Artifact)
	SyncCrx(ctx context.Context, crx collector.CrxArtifact)
}

// Deps are the collaborators of an Orchestrator. Cleaner, Badge and Mirror are optional.
type Deps struct {
	Store    collector.Store
	Source   collector.ContentSource
	Locker   *lock.Locker
	Resolver *resolver.Resolver
	Hasher   collector.Hasher
	Clock    collector.Clock
	IDs      collector.IDGenerator
	Cleaner  Cleaner
	Badge    collector.BadgeNotifier
	Mirror   Mirror
}

// IngestReport describes a processed source map capture.
type IngestReport struct {
	Outcome    collector.Outcome  `json:"outcome"`
	Artifact   collector.Artifact `json:"artifact"`
	PageID     string             `json:"page_id,omitempty"`
	Linked     bool               `json:"linked"`
	Entries    int                `json:"entries"`
	BadgeCount int                `json:"badge_count"`
	Reason     string             `json:"reason,omitempty"`
}

// CrxReport describes a processed extension package.
type CrxReport struct {
	Outcome      collector.Outcome     `json:"outcome"`
	Crx          collector.CrxArtifact `json:"crx"`
	Entries      int                   `json:"entries"`
	SkippedFiles int                   `json:"skipped_files"`
	Reason       string                `json:"reason,omitempty"`
}

// Orchestrator coordinates one capture end to end.
type Orchestrator struct {
	deps   Deps
	key    KeyFunc
	logger *zap.Logger

	// clearing is held shared by every write sequence and exclusively by ClearAll.
	clearing sync.RWMutex
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithKeyFunc replaces the lock key function.
func WithKeyFunc(fn KeyFunc) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.key = fn
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New constructs an Orchestrator.
func New(deps Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{deps: deps, key: BySourceURL, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// IngestSourceMap processes one detected source map. It never panics across
// the boundary; failures come back as an unsuccessful Result.
func (o *Orchestrator) IngestSourceMap(ctx context.Context, d collector.DetectedArtifact) collector.Result[IngestReport] {
	ctx, span := telemetry.Tracer().Start(ctx, "ingest.sourcemap", trace.WithAttributes(
		attribute.String("source.url", d.SourceURL),
		attribute.String("file.type", string(d.FileType)),
	))
	defer span.End()

	report, err := o.ingestSourceMap(ctx, d)
	if err != nil {
		telemetry.RecordError(span, err)
		kind := collector.KindOf(err)
		metrics.ObserveIngestion("source_map", string(kind))
		o.logger.Warn("source map ingestion failed",
			zap.String("source_url", d.SourceURL),
			zap.String("map_url", d.MapURL),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return collector.Fail[IngestReport](err)
	}
	span.SetAttributes(attribute.String("ingest.outcome", string(report.Outcome)))
	metrics.ObserveIngestion("source_map", string(report.Outcome))
	return collector.OK(report)
}

func (o *Orchestrator) ingestSourceMap(ctx context.Context, d collector.DetectedArtifact) (IngestReport, error) {
	if d.SourceURL == "" || d.MapURL == "" {
		return IngestReport{}, collector.E(collector.KindInvalidInput, "ingest source map", errors.New("source and map urls are required"))
	}
	settings, err := o.deps.Store.GetSettings(ctx)
	if err != nil {
		return IngestReport{}, fmt.Errorf("load settings: %w", err)
	}
	if reason := rejectSourceMap(settings, d.FileType, int64(len(d.OriginalContent))); reason != "" {
		return notCollected(reason), nil
	}

	mapContent, original, err := o.fetchPair(ctx, d)
	if err != nil {
		return IngestReport{}, err
	}
	if reason := rejectSourceMap(settings, d.FileType, int64(len(mapContent)+len(original))); reason != "" {
		return notCollected(reason), nil
	}
	parsed, err := sourcemap.Parse(mapContent)
	if err != nil {
		return IngestReport{}, err
	}

	type locked struct {
		resolution resolver.Resolution
		entries    int
	}
	o.clearing.RLock()
	defer o.clearing.RUnlock()
	out, err := lock.Do(ctx, o.deps.Locker, o.key(d), func(ctx context.Context) (locked, error) {
		res, err := o.deps.Resolver.Resolve(ctx, resolver.ResolveRequest{
			PageURL:         d.PageURL,
			PageTitle:       d.PageTitle,
			SourceURL:       d.SourceURL,
			MapURL:          d.MapURL,
			FileType:        d.FileType,
			OriginalContent: original,
			MapContent:      mapContent,
		})
		if err != nil {
			return locked{}, err
		}
		if !res.Outcome.Stored() {
			return locked{resolution: res}, nil
		}
		n, err := o.replaceEntries(ctx, collector.SourceMapOwner(res.Artifact.ID), parsed.Entries())
		if err != nil {
			return locked{}, err
		}
		return locked{resolution: res, entries: n}, nil
	})
	if err != nil {
		return IngestReport{}, err
	}

	res := out.resolution
	report := IngestReport{
		Outcome:  res.Outcome,
		Artifact: res.Artifact.Summary(),
		PageID:   res.Page.ID,
		Linked:   res.Linked,
		Entries:  out.entries,
	}
	if res.Outcome.Stored() {
		metrics.ObserveStoredBytes(d.SourceURL, res.Artifact.Size)
		o.logger.Info("source map stored",
			zap.String("source_url", d.SourceURL),
			zap.String("outcome", string(res.Outcome)),
			zap.Int("version", res.Artifact.Version),
			zap.Int("entries", out.entries),
		)
		if settings.AutoCleanup && o.deps.Cleaner != nil {
			o.deps.Cleaner.Trigger(ctx, settings)
		}
		if o.deps.Mirror != nil {
			o.deps.Mirror.SyncArtifact(ctx, res.Artifact)
		}
	}
	if res.Page.ID != "" {
		report.BadgeCount = o.signalBadge(ctx, d.PageURL, res.Page.ID)
	}
	return report, nil
}

// fetchPair loads the map and, unless the detector already supplied it, the
// compiled source. Either failure aborts the capture.
func (o *Orchestrator) fetchPair(ctx context.Context, d collector.DetectedArtifact) ([]byte, []byte, error) {
	var mapContent, original []byte
	if d.OriginalContent != "" {
		original = []byte(d.OriginalContent)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		content, _, err := o.deps.Source.Get(gctx, d.MapURL)
		if err != nil {
			return fmt.Errorf("fetch map: %w", err)
		}
		mapContent = content
		return nil
	})
	if original == nil {
		g.Go(func() error {
			content, _, err := o.deps.Source.Get(gctx, d.SourceURL)
			if err != nil {
				return fmt.Errorf("fetch source: %w", err)
			}
			original = content
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return mapContent, original, nil
}

func (o *Orchestrator) replaceEntries(ctx context.Context, owner collector.EntryOwner, entries []archive.Entry) (int, error) {
	rows, err := archive.ToParsed(owner, entries, o.deps.IDs)
	if err != nil {
		return 0, err
	}
	if err := o.deps.Store.ReplaceEntries(ctx, owner, rows); err != nil {
		return 0, fmt.Errorf("replace entries: %w", err)
	}
	return len(rows), nil
}

func (o *Orchestrator) signalBadge(ctx context.Context, pageURL, pageID string) int {
	count, err := o.deps.Store.CountLatestForPage(ctx, pageID)
	if err != nil {
		o.logger.Warn("badge count failed", zap.String("page_url", pageURL), zap.Error(err))
		return 0
	}
	if o.deps.Badge != nil {
		o.deps.Badge.Notify(ctx, pageURL, count)
	}
	return count
}

// ClearAll removes every stored artifact, page and entry. Settings survive.
// It waits for in-flight write sequences to finish and holds new ones back
// until the store and the page cache are empty.
func (o *Orchestrator) ClearAll(ctx context.Context) error {
	o.clearing.Lock()
	defer o.clearing.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := o.deps.Store.ClearAll(ctx); err != nil {
		return fmt.Errorf("clear all: %w", err)
	}
	o.deps.Resolver.ForgetPages()
	o.logger.Info("stored data cleared")
	return nil
}

func rejectSourceMap(settings collector.Settings, fileType collector.FileType, size int64) string {
	if !fileType.Valid() {
		return fmt.Sprintf("unsupported file type %q", fileType)
	}
	if !settings.Collects(fileType) {
		return fmt.Sprintf("collection of %s files is disabled", fileType)
	}
	if size > settings.MaxFileSize {
		return fmt.Sprintf("size %d exceeds max file size %d", size, settings.MaxFileSize)
	}
	return ""
}

func notCollected(reason string) IngestReport {
	return IngestReport{Outcome: collector.OutcomeNotCollected, Reason: reason}
}
