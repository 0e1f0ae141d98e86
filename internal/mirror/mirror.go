// Package mirror copies committed artifacts to a secondary destination.
// Delivery is at-least-once and best-effort: failures are retried, logged and
// counted, and never reported back to the ingesting caller.
package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sourcemap-collector/internal/collector"
	"github.com/JakeFAU/sourcemap-collector/internal/metrics"
)

// DefaultTopic is used when Config.Topic is empty.
const DefaultTopic = "artifact.mirrored"

// Config controls where mirrored objects land.
type Config struct {
	Prefix string
	Topic  string
}

// Event is published after an object is written.
type Event struct {
	Kind       string    `json:"kind"`
	ID         string    `json:"id"`
	SourceURL  string    `json:"source_url"`
	Version    int       `json:"version,omitempty"`
	Hash       string    `json:"hash"`
	URI        string    `json:"uri"`
	MirroredAt time.Time `json:"mirrored_at"`
}

// Mirror writes artifacts to a BlobStore and announces them on a Publisher.
// Either collaborator may be nil.
type Mirror struct {
	blobs     collector.BlobStore
	publisher collector.Publisher
	policy    RetryPolicy
	cfg       Config
	logger    *zap.Logger
	wg        sync.WaitGroup
}

// Option customizes a Mirror.
type Option func(*Mirror)

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(m *Mirror) {
		if policy != nil {
			m.policy = policy
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Mirror) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// New builds a Mirror.
func New(blobs collector.BlobStore, publisher collector.Publisher, cfg Config, opts ...Option) *Mirror {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	m := &Mirror{
		blobs:     blobs,
		publisher: publisher,
		policy:    NewExponentialRetryPolicy(0, 0, 0),
		cfg:       cfg,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enabled reports whether the mirror has anywhere to send data.
func (m *Mirror) Enabled() bool {
	return m != nil && (m.blobs != nil || m.publisher != nil)
}

// SyncArtifact mirrors one committed artifact version in the background.
func (m *Mirror) SyncArtifact(ctx context.Context, artifact collector.Artifact) {
	if !m.Enabled() {
		return
	}
	body, err := json.Marshal(artifact)
	if err != nil {
		m.logger.Warn("mirror encode failed", zap.String("id", artifact.ID), zap.Error(err))
		metrics.ObserveMirror("error")
		return
	}
	event := Event{
		Kind:      "source_map",
		ID:        artifact.ID,
		SourceURL: artifact.SourceURL,
		Version:   artifact.Version,
		Hash:      artifact.Hash,
	}
	objectPath := m.objectPath("sourcemaps", artifact.SourceURL, fmt.Sprintf("v%d-%s.json", artifact.Version, artifact.ID))
	m.dispatch(ctx, objectPath, "application/json", body, event)
}

// SyncCrx mirrors the raw package bytes of a CRX artifact in the background.
func (m *Mirror) SyncCrx(ctx context.Context, crx collector.CrxArtifact) {
	if !m.Enabled() {
		return
	}
	event := Event{
		Kind:      "crx",
		ID:        crx.ID,
		SourceURL: crx.CrxURL,
		Hash:      crx.Hash,
	}
	objectPath := m.objectPath("crx", crx.PageURL, crx.Hash+".crx")
	m.dispatch(ctx, objectPath, "application/x-chrome-extension", crx.Blob, event)
}

// Wait blocks until every in-flight sync has finished.
func (m *Mirror) Wait() {
	if m == nil {
		return
	}
	m.wg.Wait()
}

func (m *Mirror) dispatch(ctx context.Context, objectPath, contentType string, body []byte, event Event) {
	ctx = context.WithoutCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.sync(ctx, objectPath, contentType, body, event); err != nil {
			metrics.ObserveMirror("error")
			m.logger.Warn("mirror failed",
				zap.String("kind", event.Kind),
				zap.String("id", event.ID),
				zap.Error(err),
			)
			return
		}
		metrics.ObserveMirror("ok")
	}()
}

func (m *Mirror) sync(ctx context.Context, objectPath, contentType string, body []byte, event Event) error {
	if m.blobs != nil {
		uri, err := retry(ctx, m.policy, func() (string, error) {
			return m.blobs.PutObject(ctx, objectPath, contentType, bytes.NewReader(body))
		})
		if err != nil {
			return fmt.Errorf("put object %s: %w", objectPath, err)
		}
		event.URI = uri
	}
	if m.publisher == nil {
		return nil
	}
	event.MirroredAt = time.Now().UTC()
	if _, err := retry(ctx, m.policy, func() (string, error) {
		return m.publisher.Publish(ctx, m.cfg.Topic, event)
	}); err != nil {
		return fmt.Errorf("publish %s: %w", m.cfg.Topic, err)
	}
	return nil
}

func (m *Mirror) objectPath(kind, rawURL, name string) string {
	host := "unknown"
	if parsed, err := url.Parse(rawURL); err == nil && parsed.Host != "" {
		host = parsed.Host
	}
	return path.Join(m.cfg.Prefix, kind, host, name)
}

func retry(ctx context.Context, policy RetryPolicy, fn func() (string, error)) (string, error) {
	for attempt := 0; ; attempt++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		if !policy.ShouldRetry(err, attempt+1) {
			return "", err
		}
		timer := time.NewTimer(policy.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}
