// Package chromedpobserver drives headless Chrome and reports completed script
// and stylesheet responses as collector.NetworkEvents.
package chromedpobserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/sourcemap-collector/internal/collector"
)

// Config controls the behavior of the observer.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// Settle is how long to keep listening after the body is ready, so late
	// lazy-loaded chunks are still reported.
	Settle time.Duration
	// ExecPath overrides the Chrome binary chromedp launches.
	ExecPath string
}

// Sink receives events as the page finishes loading.
type Sink func(ctx context.Context, event collector.NetworkEvent)

// Observer visits pages with headless Chrome.
type Observer struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	clock       collector.Clock
	logger      *zap.Logger
}

// New creates an observer backed by chromedp. The browser is started lazily on
// the first Observe call.
func New(cfg Config, clock collector.Clock, logger *zap.Logger) (*Observer, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.Settle < 0 {
		cfg.Settle = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Observer{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		clock:       clock,
		logger:      logger.Named("observer"),
	}, nil
}

// Close shuts the browser down.
func (o *Observer) Close() {
	o.allocCancel()
}

// Observe navigates to pageURL and hands every completed response to sink,
// stamped with the page's final URL and title. It returns the number of
// events delivered.
func (o *Observer) Observe(ctx context.Context, pageURL string, sink Sink) (int, error) {
	if err := o.acquire(ctx); err != nil {
		return 0, err
	}
	defer o.release()

	taskCtx, taskCancel := chromedp.NewContext(o.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, o.navTimeout())
	defer cancel()

	tr := newTracker(o.clock.Now)
	chromedp.ListenTarget(taskCtx, tr.handle)

	title, finalURL, err := o.run(taskCtx, pageURL)
	if err != nil {
		return 0, err
	}
	if finalURL == "" {
		finalURL = pageURL
	}

	events := tr.drain()
	for _, ev := range events {
		ev.PageURL = finalURL
		ev.PageTitle = title
		sink(ctx, ev)
	}
	o.logger.Info("page observed",
		zap.String("page_url", finalURL),
		zap.Int("events", len(events)),
	)
	return len(events), nil
}

func (o *Observer) run(ctx context.Context, pageURL string) (string, string, error) {
	var (
		title    string
		finalURL string
	)
	actions := []chromedp.Action{
		o.networkSetupAction(),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if o.cfg.Settle > 0 {
		actions = append(actions, chromedp.Sleep(o.cfg.Settle))
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.Title(&title),
	)
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return title, finalURL, nil
}

func (o *Observer) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if o.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(o.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (o *Observer) acquire(ctx context.Context) error {
	if o.limiter == nil {
		return nil
	}
	select {
	case o.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (o *Observer) release() {
	if o.limiter == nil {
		return
	}
	select {
	case <-o.limiter:
	default:
	}
}

func (o *Observer) navTimeout() time.Duration {
	if o.cfg.NavigationTimeout > 0 {
		return o.cfg.NavigationTimeout
	}
	return 45 * time.Second
}

type pending struct {
	url          string
	resourceType collector.ResourceType
}

// tracker pairs responseReceived with loadingFinished so only fully loaded
// bodies become events.
type tracker struct {
	mu       sync.Mutex
	now      func() time.Time
	inflight map[network.RequestID]pending
	done     []collector.NetworkEvent
}

func newTracker(now func() time.Time) *tracker {
	return &tracker{now: now, inflight: make(map[network.RequestID]pending)}
}

func (t *tracker) handle(ev any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch e := ev.(type) {
	case *network.EventResponseReceived:
		if e.Response == nil {
			return
		}
		t.inflight[e.RequestID] = pending{url: e.Response.URL, resourceType: resourceType(e.Type)}
	case *network.EventLoadingFinished:
		p, ok := t.inflight[e.RequestID]
		if !ok {
			return
		}
		delete(t.inflight, e.RequestID)
		t.done = append(t.done, collector.NetworkEvent{
			URL:          p.url,
			ResourceType: p.resourceType,
			CompletedAt:  t.now(),
		})
	case *network.EventLoadingFailed:
		delete(t.inflight, e.RequestID)
	}
}

func (t *tracker) drain() []collector.NetworkEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.done
	t.done = nil
	return out
}

func resourceType(rt network.ResourceType) collector.ResourceType {
	switch rt {
	case network.ResourceTypeScript:
		return collector.ResourceTypeScript
	case network.ResourceTypeStylesheet:
		return collector.ResourceTypeStylesheet
	default:
		return collector.ResourceTypeOther
	}
}
