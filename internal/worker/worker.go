// Package worker turns queued network events into ingestions.
package worker

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/sourcemap-collector/internal/collector"
	"github.com/JakeFAU/sourcemap-collector/internal/ingest"
	"github.com/JakeFAU/sourcemap-collector/internal/metrics"
	"github.com/JakeFAU/sourcemap-collector/internal/telemetry"
)

// Detector recognizes source map candidates and extension store pages.
type Detector interface {
	Detect(ctx context.Context, event collector.NetworkEvent) (collector.DetectedArtifact, bool, error)
	DetectCrx(pageURL, pageTitle string) (collector.DetectedCrx, bool)
}

// Ingester stores detected artifacts.
type Ingester interface {
	IngestSourceMap(ctx context.Context, d collector.DetectedArtifact) collector.Result[ingest.IngestReport]
	IngestCrx(ctx context.Context, d collector.DetectedCrx) collector.Result[ingest.CrxReport]
}

// Worker consumes queued events and executes the detection pipeline.
type Worker struct {
	queue    collector.EventQueue
	detector Detector
	ingester Ingester
	logger   *zap.Logger
}

// New constructs a Worker.
func New(
	queue collector.EventQueue,
	detector Detector,
	ingester Ingester,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:    queue,
		detector: detector,
		ingester: ingester,
		logger:   logger,
	}
}

// Run blocks, consuming events until the context finishes or the queue closes.
// Ingestion uses ctx rather than anything tied to the originating page, so a
// closed page does not abort captures already queued for it.
func (w *Worker) Run(ctx context.Context) {
	for {
		event, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, collector.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.Process(ctx, event)
	}
}

// Process handles a single event synchronously.
func (w *Worker) Process(ctx context.Context, event collector.NetworkEvent) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	ctx, span := telemetry.Tracer().Start(ctx, "worker.process", trace.WithAttributes(
		attribute.String("event.url", event.URL),
		attribute.String("event.resource_type", string(event.ResourceType)),
	))
	defer span.End()

	if w.processCrx(ctx, event) {
		return
	}

	detected, ok, err := w.detector.Detect(ctx, event)
	if err != nil {
		w.logger.Warn("detection failed", zap.String("url", event.URL), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	w.logger.Debug("source map candidate",
		zap.String("source_url", detected.SourceURL),
		zap.String("map_url", detected.MapURL),
	)

	res := w.ingester.IngestSourceMap(ctx, detected)
	if !res.Success {
		w.logger.Warn("source map ingestion failed",
			zap.String("source_url", detected.SourceURL),
			zap.String("kind", string(res.Kind)),
			zap.String("reason", res.Reason),
		)
		return
	}
	w.logger.Info("source map ingested",
		zap.String("source_url", detected.SourceURL),
		zap.String("outcome", string(res.Data.Outcome)),
	)
}

// processCrx reports whether the event was a store page document.
func (w *Worker) processCrx(ctx context.Context, event collector.NetworkEvent) bool {
	if event.ResourceType != collector.ResourceTypeOther || event.URL != event.PageURL {
		return false
	}
	detected, ok := w.detector.DetectCrx(event.PageURL, event.PageTitle)
	if !ok {
		return false
	}
	res := w.ingester.IngestCrx(ctx, detected)
	if !res.Success {
		w.logger.Warn("crx ingestion failed",
			zap.String("page_url", detected.PageURL),
			zap.String("kind", string(res.Kind)),
			zap.String("reason", res.Reason),
		)
		return true
	}
	w.logger.Info("crx ingested",
		zap.String("page_url", detected.PageURL),
		zap.String("outcome", string(res.Data.Outcome)),
	)
	return true
}
