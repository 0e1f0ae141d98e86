// Package fetchcache collapses repeated fetches of the same URL within a short window.
package fetchcache

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/sourcemap-collector/internal/collector"
	"github.com/JakeFAU/sourcemap-collector/internal/metrics"
)

const (
	// DefaultTTL is how long a fetched body is served from memory.
	DefaultTTL = 5000 * time.Millisecond
	// DefaultSoftCap is the entry count above which stale entries are purged.
	DefaultSoftCap = 100
)

type entry struct {
	content   []byte
	fetchedAt time.Time
}

// Config tunes the cache.
type Config struct {
	TTL     time.Duration
	SoftCap int
}

// Cache serves recently fetched content without a new network call.
// Failed fetches are never cached.
type Cache struct {
	fetcher collector.Fetcher
	clock   collector.Clock
	ttl     time.Duration
	softCap int
	logger  *zap.Logger

	mu      sync.Mutex
	entries map[string]entry
	group   singleflight.Group
}

// New constructs a Cache.
func New(fetcher collector.Fetcher, clock collector.Clock, cfg Config, logger *zap.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SoftCap <= 0 {
		cfg.SoftCap = DefaultSoftCap
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		fetcher: fetcher,
		clock:   clock,
		ttl:     cfg.TTL,
		softCap: cfg.SoftCap,
		logger:  logger,
		entries: make(map[string]entry),
	}
}

// Get returns the content for rawURL and whether it came from the cache.
func (c *Cache) Get(ctx context.Context, rawURL string) ([]byte, bool, error) {
	if strings.HasPrefix(rawURL, "data:") {
		content, err := DecodeDataURL(rawURL)
		if err != nil {
			return nil, false, err
		}
		return content, false, nil
	}

	if content, ok := c.lookup(rawURL); ok {
		metrics.ObserveCacheLookup(true)
		return content, true, nil
	}
	metrics.ObserveCacheLookup(false)

	// The flight outlives any one caller; each caller stops waiting on its own ctx.
	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(rawURL, func() (any, error) {
		content, err := c.fetcher.Get(flightCtx, rawURL)
		if err != nil {
			return nil, err
		}
		c.store(rawURL, content)
		return content, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, false, fmt.Errorf("fetch cache: %w", ctx.Err())
	case res = <-ch:
	}
	if res.Err != nil {
		c.logger.Debug("fetch failed", zap.String("url", rawURL), zap.Error(res.Err))
		return nil, false, fmt.Errorf("fetch cache: %w", res.Err)
	}
	content, ok := res.Val.([]byte)
	if !ok {
		return nil, false, fmt.Errorf("fetch %s: unexpected result type %T", rawURL, res.Val)
	}
	return content, res.Shared, nil
}

// Len reports the number of cached entries, including stale ones not yet purged.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

func (c *Cache) lookup(rawURL string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[rawURL]
	if !ok || c.clock.Now().Sub(e.fetchedAt) >= c.ttl {
		return nil, false
	}
	return e.content, true
}

func (c *Cache) store(rawURL string, content []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	c.entries[rawURL] = entry{content: content, fetchedAt: now}
	if len(c.entries) <= c.softCap {
		return
	}
	for key, e := range c.entries {
		if now.Sub(e.fetchedAt) >= c.ttl {
			delete(c.entries, key)
		}
	}
}

// DecodeDataURL decodes an RFC 2397 data URL, as used for inline source maps.
func DecodeDataURL(raw string) ([]byte, error) {
	rest, ok := strings.CutPrefix(raw, "data:")
	if !ok {
		return nil, collector.E(collector.KindInvalidInput, "decode data url", fmt.Errorf("not a data url"))
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, collector.E(collector.KindDecode, "decode data url", fmt.Errorf("missing payload separator"))
	}
	if strings.HasSuffix(meta, ";base64") {
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(payload)
		}
		if err != nil {
			return nil, collector.E(collector.KindDecode, "decode data url", err)
		}
		return decoded, nil
	}
	unescaped, err := url.PathUnescape(payload)
	if err != nil {
		return nil, collector.E(collector.KindDecode, "decode data url", err)
	}
	return []byte(unescaped), nil
}
