package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/sourcemap-collector/internal/collector"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	enqueueTimeout   = 5 * time.Second
)

type acceptedEvent struct {
	Queued bool   `json:"queued"`
	URL    string `json:"url"`
}

type badgeView struct {
	PageURL string `json:"page_url"`
	Count   int    `json:"count"`
}

type clearedView struct {
	Cleared bool `json:"cleared"`
}

func (s *Server) submitEvent(w http.ResponseWriter, r *http.Request) {
	var event collector.NetworkEvent
	if !decodeBody(w, r, "submit event", &event) {
		return
	}
	if event.CompletedAt.IsZero() {
		event.CompletedAt = time.Now().UTC()
	}
	if s.deps.Intake == nil {
		writeFailure(w, http.StatusServiceUnavailable, collector.KindStorage, "event intake unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), enqueueTimeout)
	defer cancel()
	if err := s.deps.Intake.Enqueue(ctx, event); err != nil {
		s.logger.Warn("enqueue event failed", zap.String("url", event.URL), zap.Error(err))
		writeFailure(w, http.StatusServiceUnavailable, collector.KindStorage, err.Error())
		return
	}
	writeResult(w, http.StatusAccepted, collector.OK(acceptedEvent{Queued: true, URL: event.URL}))
}

func (s *Server) ingestDetected(w http.ResponseWriter, r *http.Request) {
	var detected collector.DetectedArtifact
	if !decodeBody(w, r, "ingest source map", &detected) {
		return
	}
	// A capture keeps going when the client disconnects.
	res := s.deps.Ingester.IngestSourceMap(context.WithoutCancel(r.Context()), detected)
	writeResult(w, statusFor(res.Success, res.Kind), res)
}

func (s *Server) ingestCrx(w http.ResponseWriter, r *http.Request) {
	var detected collector.DetectedCrx
	if !decodeBody(w, r, "ingest crx", &detected) {
		return
	}
	res := s.deps.Ingester.IngestCrx(context.WithoutCancel(r.Context()), detected)
	writeResult(w, statusFor(res.Success, res.Kind), res)
}

func (s *Server) listArtifacts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	filter := collector.ArtifactFilter{
		SourceURL:  strings.TrimSpace(q.Get("source_url")),
		FileType:   collector.FileType(strings.TrimSpace(q.Get("file_type"))),
		LatestOnly: q.Get("latest") == "true",
		Limit:      limit,
	}
	if filter.FileType != "" && !filter.FileType.Valid() {
		writeError(w, collector.E(collector.KindInvalidInput, "list artifacts", fmt.Errorf("unknown file_type %q", filter.FileType)))
		return
	}
	rows, err := s.deps.Store.ListArtifacts(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusOK, collector.OK(summaries(rows)))
}

func (s *Server) artifactVersions(w http.ResponseWriter, r *http.Request) {
	sourceURL, ok := requireQuery(w, r, "source_url")
	if !ok {
		return
	}
	rows, err := s.deps.Store.ArtifactVersions(r.Context(), sourceURL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusOK, collector.OK(summaries(rows)))
}

// getArtifact returns the full row. When source_url is given the row must
// belong to it.
func (s *Server) getArtifact(w http.ResponseWriter, r *http.Request) {
	artifact, err := s.deps.Store.GetArtifact(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if want := r.URL.Query().Get("source_url"); want != "" && want != artifact.SourceURL {
		writeError(w, collector.E(collector.KindNotFound, "get artifact", collector.ErrNotFound))
		return
	}
	writeResult(w, http.StatusOK, collector.OK(artifact))
}

func (s *Server) artifactEntries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Store.GetArtifact(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.deps.Store.ListEntries(r.Context(), collector.SourceMapOwner(id))
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusOK, collector.OK(entries))
}

func (s *Server) listPages(w http.ResponseWriter, r *http.Request) {
	pages, err := s.deps.Store.ListPages(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusOK, collector.OK(pages))
}

func (s *Server) pageArtifacts(w http.ResponseWriter, r *http.Request) {
	pageURL, ok := requireQuery(w, r, "url")
	if !ok {
		return
	}
	page, err := s.deps.Store.GetPageByURL(r.Context(), pageURL)
	if err != nil {
		writeError(w, err)
		return
	}
	rows, err := s.deps.Store.PageArtifacts(r.Context(), page.ID, r.URL.Query().Get("latest") == "true")
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusOK, collector.OK(summaries(rows)))
}

// pageBadge prefers the last signalled count and falls back to the store.
func (s *Server) pageBadge(w http.ResponseWriter, r *http.Request) {
	pageURL, ok := requireQuery(w, r, "url")
	if !ok {
		return
	}
	if s.deps.Badge != nil {
		if count, ok := s.deps.Badge.Count(pageURL); ok {
			writeResult(w, http.StatusOK, collector.OK(badgeView{PageURL: pageURL, Count: count}))
			return
		}
	}
	count := 0
	page, err := s.deps.Store.GetPageByURL(r.Context(), pageURL)
	switch {
	case err == nil:
		count, err = s.deps.Store.CountLatestForPage(r.Context(), page.ID)
		if err != nil {
			writeError(w, err)
			return
		}
	case !errors.Is(err, collector.ErrNotFound):
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusOK, collector.OK(badgeView{PageURL: pageURL, Count: count}))
}

func (s *Server) listCrx(w http.ResponseWriter, r *http.Request) {
	rows, err := s.deps.Store.ListCrx(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusOK, collector.OK(rows))
}

func (s *Server) crxEntries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Store.GetCrx(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.deps.Store.ListEntries(r.Context(), collector.CrxOwner(id))
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusOK, collector.OK(entries))
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.deps.Store.GetSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusOK, collector.OK(settings))
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	var settings collector.Settings
	if !decodeBody(w, r, "save settings", &settings) {
		return
	}
	if err := s.deps.Store.SaveSettings(r.Context(), settings); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("settings updated",
		zap.Int64("max_file_size", settings.MaxFileSize),
		zap.Int64("cleanup_threshold", settings.CleanupThreshold),
		zap.Int("retention_days", settings.RetentionDays),
	)
	writeResult(w, http.StatusOK, collector.OK(settings))
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusOK, collector.OK(stats))
}

func (s *Server) cleanup(w http.ResponseWriter, r *http.Request) {
	settings, err := s.deps.Store.GetSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	report, err := s.deps.Cleaner.MaybeCleanup(r.Context(), settings)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusOK, collector.OK(report))
}

func (s *Server) clearAll(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Ingester.ClearAll(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusOK, collector.OK(clearedView{Cleared: true}))
}

// decodeBody decodes and validates a JSON body, writing the failure envelope
// itself when it returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, op string, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, collector.E(collector.KindInvalidInput, op, fmt.Errorf("invalid JSON: %w", err)))
		return false
	}
	if err := collector.Validate(op, dst); err != nil {
		writeError(w, err)
		return false
	}
	return true
}

func requireQuery(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		writeError(w, collector.E(collector.KindInvalidInput, "query", fmt.Errorf("%s is required", name)))
		return "", false
	}
	return v, true
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, collector.E(collector.KindInvalidInput, "parse limit", fmt.Errorf("limit must be a positive integer"))
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, nil
}

func summaries(rows []collector.Artifact) []collector.Artifact {
	out := make([]collector.Artifact, len(rows))
	for i, row := range rows {
		out[i] = row.Summary()
	}
	return out
}
