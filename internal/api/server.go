package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/sourcemap-collector/internal/collector"
	"github.com/JakeFAU/sourcemap-collector/internal/config"
	"github.com/JakeFAU/sourcemap-collector/internal/ingest"
	"github.com/JakeFAU/sourcemap-collector/internal/metrics"
	"github.com/JakeFAU/sourcemap-collector/internal/retention"
	"github.com/JakeFAU/sourcemap-collector/internal/telemetry"
)

// Ingester runs captures through the pipeline.
type Ingester interface {
	IngestSourceMap(ctx context.Context, d collector.DetectedArtifact) collector.Result[ingest.IngestReport]
	IngestCrx(ctx context.Context, d collector.DetectedCrx) collector.Result[ingest.CrxReport]
	ClearAll(ctx context.Context) error
}

// Cleaner runs a synchronous retention pass.
type Cleaner interface {
	MaybeCleanup(ctx context.Context, settings collector.Settings) (retention.Report, error)
}

// BadgeReader returns the last count signalled for a page.
type BadgeReader interface {
	Count(pageURL string) (int, bool)
}

// Intake accepts observed network events for asynchronous processing.
type Intake interface {
	Enqueue(ctx context.Context, event collector.NetworkEvent) error
}

// Deps are the collaborators the handlers call.
type Deps struct {
	Store    collector.Store
	Ingester Ingester
	Cleaner  Cleaner
	Badge    BadgeReader
	Intake   Intake
}

// Server wires HTTP handlers to the pipeline and store.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(tracingMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout()))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/events", s.submitEvent)
		r.Route("/artifacts", func(r chi.Router) {
			r.Get("/", s.listArtifacts)
			r.Post("/detected", s.ingestDetected)
			r.Get("/versions", s.artifactVersions)
			r.Get("/{id}", s.getArtifact)
			r.Get("/{id}/entries", s.artifactEntries)
		})
		r.Route("/pages", func(r chi.Router) {
			r.Get("/", s.listPages)
			r.Get("/artifacts", s.pageArtifacts)
			r.Get("/badge", s.pageBadge)
		})
		r.Route("/crx", func(r chi.Router) {
			r.Get("/", s.listCrx)
			r.Post("/", s.ingestCrx)
			r.Get("/{id}/entries", s.crxEntries)
		})
		r.Get("/settings", s.getSettings)
		r.Put("/settings", s.putSettings)
		r.Get("/stats", s.stats)
		r.Post("/cleanup", s.cleanup)
		r.Delete("/data", s.clearAll)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// tracingMiddleware continues an incoming W3C trace or starts a new one. The
// span is renamed to the matched route once routing is done.
func tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		reqID, _ := ctx.Value(requestIDKey{}).(string)
		ctx, span := telemetry.Tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
				attribute.String("request.id", reqID),
			),
		)
		defer span.End()

		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r.WithContext(ctx))

		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			span.SetName(r.Method + " " + rctx.RoutePattern())
		}
		span.SetAttributes(attribute.Int("http.response.status_code", ww.status))
		if ww.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(ww.status))
		}
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeFailure(w, http.StatusInternalServerError, collector.KindStorage, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"success":false,"kind":"lock_timeout","reason":"request timed out"}`)
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeFailure(w, http.StatusForbidden, collector.KindInvalidInput, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
