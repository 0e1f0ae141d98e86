// Package retention evicts stale artifacts once stored data grows past a threshold.
package retention

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sourcemap-collector/internal/collector"
	"github.com/JakeFAU/sourcemap-collector/internal/metrics"
)

// Report describes one cleanup pass.
type Report struct {
	TotalSize int64 `json:"total_size"`
	Threshold int64 `json:"threshold"`
	Ran       bool  `json:"ran"`
	Deleted   int   `json:"deleted"`
}

// Cleaner applies the time-based retention policy.
type Cleaner struct {
	store   collector.Store
	clock   collector.Clock
	logger  *zap.Logger
	running atomic.Bool
	wg      sync.WaitGroup
}

// New constructs a Cleaner.
func New(store collector.Store, clock collector.Clock, logger *zap.Logger) *Cleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cleaner{store: store, clock: clock, logger: logger}
}

// MaybeCleanup deletes artifacts older than the retention window when the
// aggregate stored size exceeds the cleanup threshold. It does not promise to
// end below the threshold.
func (c *Cleaner) MaybeCleanup(ctx context.Context, settings collector.Settings) (Report, error) {
	total, err := c.store.TotalSize(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("total size: %w", err)
	}
	report := Report{TotalSize: total, Threshold: settings.CleanupThreshold}
	if total <= settings.CleanupThreshold {
		return report, nil
	}
	cutoff := c.clock.Now().Add(-settings.RetentionWindow())
	deleted, err := c.store.DeleteArtifactsBefore(ctx, cutoff)
	if err != nil {
		return report, fmt.Errorf("delete artifacts before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	report.Ran = true
	report.Deleted = deleted
	metrics.ObserveCleanup(deleted)
	c.logger.Info("retention cleanup",
		zap.Int64("total_size", total),
		zap.Int64("threshold", settings.CleanupThreshold),
		zap.Time("cutoff", cutoff),
		zap.Int("deleted", deleted),
	)
	return report, nil
}

// Trigger runs MaybeCleanup in the background. Failures are logged only, and
// a trigger that arrives while a pass is running is dropped.
func (c *Cleaner) Trigger(ctx context.Context, settings collector.Settings) {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.running.Store(false)
		if _, err := c.MaybeCleanup(context.WithoutCancel(ctx), settings); err != nil {
			c.logger.Warn("retention cleanup failed", zap.Error(err))
		}
	}()
}

// Wait blocks until background passes finish.
func (c *Cleaner) Wait() {
	c.wg.Wait()
}
