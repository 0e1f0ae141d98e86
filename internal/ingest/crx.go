package ingest

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/sourcemap-collector/internal/archive"
	"github.com/JakeFAU/sourcemap-collector/internal/collector"
	"github.com/JakeFAU/sourcemap-collector/internal/crx"
	"github.com/JakeFAU/sourcemap-collector/internal/lock"
	"github.com/JakeFAU/sourcemap-collector/internal/metrics"
	"github.com/JakeFAU/sourcemap-collector/internal/telemetry"
)

// IngestCrx downloads an extension package and stores it under its store page,
// replacing the previous package and its expanded files when the content changed.
func (o *Orchestrator) IngestCrx(ctx context.Context, d collector.DetectedCrx) collector.Result[CrxReport] {
	ctx, span := telemetry.Tracer().Start(ctx, "ingest.crx", trace.WithAttributes(
		attribute.String("page.url", d.PageURL),
	))
	defer span.End()

	report, err := o.ingestCrx(ctx, d)
	if err != nil {
		telemetry.RecordError(span, err)
		kind := collector.KindOf(err)
		metrics.ObserveIngestion("crx", string(kind))
		o.logger.Warn("crx ingestion failed",
			zap.String("page_url", d.PageURL),
			zap.String("crx_url", d.CrxURL),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return collector.Fail[CrxReport](err)
	}
	span.SetAttributes(attribute.String("ingest.outcome", string(report.Outcome)))
	metrics.ObserveIngestion("crx", string(report.Outcome))
	return collector.OK(report)
}

func (o *Orchestrator) ingestCrx(ctx context.Context, d collector.DetectedCrx) (CrxReport, error) {
	if d.PageURL == "" || d.CrxURL == "" {
		return CrxReport{}, collector.E(collector.KindInvalidInput, "ingest crx", errors.New("page and crx urls are required"))
	}
	settings, err := o.deps.Store.GetSettings(ctx)
	if err != nil {
		return CrxReport{}, fmt.Errorf("load settings: %w", err)
	}
	if !settings.CollectCRX {
		return CrxReport{Outcome: collector.OutcomeNotCollected, Reason: "collection of crx files is disabled"}, nil
	}

	blob, _, err := o.deps.Source.Get(ctx, d.CrxURL)
	if err != nil {
		return CrxReport{}, fmt.Errorf("fetch crx: %w", err)
	}
	if size := int64(len(blob)); size > settings.MaxFileSize {
		return CrxReport{
			Outcome: collector.OutcomeNotCollected,
			Reason:  fmt.Sprintf("size %d exceeds max file size %d", size, settings.MaxFileSize),
		}, nil
	}
	pkg, err := crx.Parse(blob)
	if err != nil {
		return CrxReport{}, err
	}
	hash, err := o.deps.Hasher.Fingerprint(blob)
	if err != nil {
		return CrxReport{}, fmt.Errorf("fingerprint crx: %w", err)
	}

	o.clearing.RLock()
	defer o.clearing.RUnlock()
	report, err := lock.Do(ctx, o.deps.Locker, d.PageURL, func(ctx context.Context) (CrxReport, error) {
		return o.storeCrx(ctx, d, blob, hash, pkg)
	})
	if err != nil {
		return CrxReport{}, err
	}
	if report.Outcome.Stored() {
		metrics.ObserveStoredBytes(d.CrxURL, report.Crx.Size)
		if settings.AutoCleanup && o.deps.Cleaner != nil {
			o.deps.Cleaner.Trigger(ctx, settings)
		}
		if o.deps.Mirror != nil {
			stored := report.Crx
			stored.Blob = blob
			o.deps.Mirror.SyncCrx(ctx, stored)
		}
	}
	return report, nil
}

func (o *Orchestrator) storeCrx(
	ctx context.Context,
	d collector.DetectedCrx,
	blob []byte,
	hash string,
	pkg crx.Package,
) (CrxReport, error) {
	existing, err := o.deps.Store.GetCrxByPageURL(ctx, d.PageURL)
	found := err == nil
	if err != nil && !errors.Is(err, collector.ErrNotFound) {
		return CrxReport{}, fmt.Errorf("lookup crx: %w", err)
	}
	if found && existing.Hash == hash {
		existing.Blob = nil
		return CrxReport{Outcome: collector.OutcomeUnchanged, Crx: existing}, nil
	}

	row := collector.CrxArtifact{
		PageURL:     d.PageURL,
		PageTitle:   d.PageTitle,
		CrxURL:      d.CrxURL,
		Blob:        blob,
		Size:        int64(len(blob)),
		Timestamp:   o.deps.Clock.Now(),
		Hash:        hash,
		ExtensionID: pkg.ExtensionID,
		PublicKey:   pkg.PublicKey,
	}
	outcome := collector.OutcomeNew
	if found {
		outcome = collector.OutcomeNewVersion
		row.ID = existing.ID
		if row.PageTitle == "" {
			row.PageTitle = existing.PageTitle
		}
	} else {
		id, err := o.deps.IDs.NewID()
		if err != nil {
			return CrxReport{}, fmt.Errorf("crx id: %w", err)
		}
		row.ID = id
	}

	entries, decodeErrs := archive.Expand(pkg.Zip)
	for _, decodeErr := range decodeErrs {
		o.logger.Warn("skipping crx entry", zap.String("page_url", d.PageURL), zap.Error(decodeErr))
	}
	row.Count = len(entries)
	if err := o.deps.Store.UpsertCrx(ctx, row); err != nil {
		return CrxReport{}, fmt.Errorf("upsert crx: %w", err)
	}
	n, err := o.replaceEntries(ctx, collector.CrxOwner(row.ID), entries)
	if err != nil {
		return CrxReport{}, err
	}
	o.logger.Info("crx stored",
		zap.String("page_url", d.PageURL),
		zap.String("extension_id", pkg.ExtensionID),
		zap.String("outcome", string(outcome)),
		zap.Int("entries", n),
	)
	row.Blob = nil
	return CrxReport{Outcome: outcome, Crx: row, Entries: n, SkippedFiles: len(decodeErrs)}, nil
}
