// Package collyfetcher implements collector.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/sourcemap-collector/internal/collector"
	"github.com/JakeFAU/sourcemap-collector/internal/metrics"
)

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
}

// waiter throttles requests per host.
type waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher implements collector.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
	limiter       waiter
	logger        *zap.Logger
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithLimiter throttles each request through limiter.
func WithLimiter(limiter waiter) Option {
	return func(f *Fetcher) {
		f.limiter = limiter
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithTransport replaces the pooled HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) {
		if rt != nil {
			f.transport = rt
		}
	}
}

// New builds a Fetcher.
func New(cfg Config, opts ...Option) *Fetcher {
	f := &Fetcher{
		cfg:       cfg,
		transport: newHTTPTransport(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(f.transport)
	f.baseCollector = c
	return f
}

// Get executes a single HTTP GET and returns the body. Non-2xx responses come
// back as *collector.FetchError carrying the status code.
func (f *Fetcher) Get(ctx context.Context, url string) ([]byte, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, url); err != nil {
			return nil, &collector.FetchError{URL: url, Err: err}
		}
	}
	var (
		body     []byte
		status   int
		fetchErr error
	)
	c := f.buildCollector(ctx)
	f.configureCollectorHooks(c, &body, &status, &fetchErr)

	start := time.Now()
	err := f.runCollector(ctx, c, url, &fetchErr)
	metrics.ObserveFetch(url, status)
	if err != nil {
		f.logger.Debug("fetch failed",
			zap.String("url", url),
			zap.Int("status", status),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		if status != 0 && (status < 200 || status > 299) {
			return nil, &collector.FetchError{URL: url, StatusCode: status, Err: err}
		}
		return nil, &collector.FetchError{URL: url, Err: err}
	}
	if status < 200 || status > 299 {
		return nil, &collector.FetchError{URL: url, StatusCode: status}
	}
	return body, nil
}

func (f *Fetcher) buildCollector(ctx context.Context) *colly.Collector {
	c := f.baseCollector.Clone()
	c.Context = ctx
	c.AllowURLRevisit = true
	if f.cfg.UserAgent != "" {
		c.UserAgent = f.cfg.UserAgent
	}
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	c.SetRequestTimeout(timeout)
	if f.cfg.MaxBodySize > 0 {
		c.MaxBodySize = f.cfg.MaxBodySize
	}
	c.WithTransport(f.transport)
	return c
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, body *[]byte, status *int, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		*status = r.StatusCode
		*body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			*status = r.StatusCode
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, c *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- c.Visit(url)
	}()

	select {
	case <-ctx.Done():
		// The collector shares ctx, so Visit unwinds promptly; wait for it so
		// the hooks stop writing before the caller reads the result.
		<-done
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
