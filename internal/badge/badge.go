// Package badge tracks the per-page count of latest artifacts shown to the user.
package badge

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/sourcemap-collector/internal/collector"
)

// Topic is the event name used when counts are forwarded to a publisher.
const Topic = "badge.updated"

// Update is the payload forwarded on every count change.
type Update struct {
	PageURL string `json:"page_url"`
	Count   int    `json:"count"`
}

// Tracker keeps the last count per page and optionally forwards updates.
type Tracker struct {
	mu        sync.RWMutex
	counts    map[string]int
	publisher collector.Publisher
	logger    *zap.Logger
}

// New builds a Tracker. publisher may be nil.
func New(publisher collector.Publisher, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		counts:    make(map[string]int),
		publisher: publisher,
		logger:    logger,
	}
}

// Notify records count for pageURL and forwards it when it changed.
func (t *Tracker) Notify(ctx context.Context, pageURL string, count int) {
	t.mu.Lock()
	previous, seen := t.counts[pageURL]
	t.counts[pageURL] = count
	t.mu.Unlock()

	if t.publisher == nil || (seen && previous == count) {
		return
	}
	if _, err := t.publisher.Publish(ctx, Topic, Update{PageURL: pageURL, Count: count}); err != nil {
		t.logger.Warn("badge publish failed", zap.String("page_url", pageURL), zap.Error(err))
	}
}

// Count returns the last count reported for pageURL.
func (t *Tracker) Count(pageURL string) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	count, ok := t.counts[pageURL]
	return count, ok
}

// Reset forgets every count.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts = make(map[string]int)
}
