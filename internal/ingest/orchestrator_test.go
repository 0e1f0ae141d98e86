package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sourcemap-collector/internal/badge"
	"github.com/JakeFAU/sourcemap-collector/internal/clock/system"
	"github.com/JakeFAU/sourcemap-collector/internal/collector"
	"github.com/JakeFAU/sourcemap-collector/internal/hash/sha256"
	"github.com/JakeFAU/sourcemap-collector/internal/id/uuid"
	"github.com/JakeFAU/sourcemap-collector/internal/lock"
	"github.com/JakeFAU/sourcemap-collector/internal/resolver"
	"github.com/JakeFAU/sourcemap-collector/internal/storage/memory"
)

const (
	pageURL   = "https://x.test/"
	sourceURL = "https://x.test/app.js"
	mapURL    = "https://x.test/app.js.map"
)

type fakeSource struct {
	mu      sync.Mutex
	content map[string][]byte
	calls   map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{content: map[string][]byte{}, calls: map[string]int{}}
}

func (f *fakeSource) set(url string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.content[url] = body
}

func (f *fakeSource) Get(_ context.Context, url string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	body, ok := f.content[url]
	if !ok {
		return nil, false, &collector.FetchError{URL: url, StatusCode: 404}
	}
	return body, false, nil
}

type recordingCleaner struct {
	mu    sync.Mutex
	calls int
}

func (r *recordingCleaner) Trigger(context.Context, collector.Settings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
}

type recordingMirror struct {
	mu        sync.Mutex
	artifacts []collector.Artifact
	crx       []collector.CrxArtifact
}

func (r *recordingMirror) SyncArtifact(_ context.Context, a collector.Artifact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.artifacts = append(r.artifacts, a)
}

func (r *recordingMirror) SyncCrx(_ context.Context, c collector.CrxArtifact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.crx = append(r.crx, c)
}

type harness struct {
	store   *memory.Store
	source  *fakeSource
	clock   *system.Stub
	cleaner *recordingCleaner
	mirror  *recordingMirror
	badge   *badge.Tracker
	orch    *Orchestrator
}

func newHarness(t *testing.T) harness {
	t.Helper()
	store := memory.NewStore(collector.DefaultSettings())
	clk := system.NewStub(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	ids := uuid.New()
	hasher := sha256.New()
	h := harness{
		store:   store,
		source:  newFakeSource(),
		clock:   clk,
		cleaner: &recordingCleaner{},
		mirror:  &recordingMirror{},
		badge:   badge.New(nil, nil),
	}
	h.orch = New(Deps{
		Store:    store,
		Source:   h.source,
		Locker:   lock.New(lock.WithTimeout(2 * time.Second)),
		Resolver: resolver.New(store, hasher, clk, ids, nil),
		Hasher:   hasher,
		Clock:    clk,
		IDs:      ids,
		Cleaner:  h.cleaner,
		Badge:    h.badge,
		Mirror:   h.mirror,
	})
	return h
}

func sourceMap(content string) []byte {
	return []byte(`{"version":3,"sources":["webpack://app/src/index.ts","src/util.ts"],"sourcesContent":[` +
		`"` + content + `","export const util = 1;"],"mappings":""}`)
}

func detected() collector.DetectedArtifact {
	return collector.DetectedArtifact{
		PageTitle: "X",
		PageURL:   pageURL,
		SourceURL: sourceURL,
		MapURL:    mapURL,
		FileType:  collector.FileTypeJS,
	}
}

func TestIngestSourceMapLifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.source.set(sourceURL, []byte("console.log(1)"))
	h.source.set(mapURL, sourceMap("let a = 1;"))

	first := h.orch.IngestSourceMap(ctx, detected())
	require.True(t, first.Success, first.Reason)
	require.Equal(t, collector.OutcomeNew, first.Data.Outcome)
	require.Equal(t, 1, first.Data.Artifact.Version)
	require.Empty(t, first.Data.Artifact.Content, "reports carry summaries")
	require.Equal(t, 2, first.Data.Entries)
	require.Equal(t, 1, first.Data.BadgeCount)

	entries, err := h.store.ListEntries(ctx, collector.SourceMapOwner(first.Data.Artifact.ID))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	again := h.orch.IngestSourceMap(ctx, detected())
	require.True(t, again.Success)
	require.Equal(t, collector.OutcomeUnchanged, again.Data.Outcome)
	require.Equal(t, first.Data.Artifact.ID, again.Data.Artifact.ID)

	h.clock.Advance(time.Minute)
	h.source.set(mapURL, sourceMap("let a = 2;"))
	second := h.orch.IngestSourceMap(ctx, detected())
	require.True(t, second.Success)
	require.Equal(t, collector.OutcomeNewVersion, second.Data.Outcome)
	require.Equal(t, 2, second.Data.Artifact.Version)
	require.Equal(t, 1, second.Data.BadgeCount)

	count, ok := h.badge.Count(pageURL)
	require.True(t, ok)
	require.Equal(t, 1, count)
	require.Equal(t, 2, h.cleaner.calls)
	require.Len(t, h.mirror.artifacts, 2)
	require.NotEmpty(t, h.mirror.artifacts[1].Content, "mirror receives full payloads")
}

func TestIngestUsesSuppliedOriginalContent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.source.set(mapURL, sourceMap("x"))
	d := detected()
	d.OriginalContent = "inline body"

	res := h.orch.IngestSourceMap(context.Background(), d)
	require.True(t, res.Success, res.Reason)
	require.Zero(t, h.source.calls[sourceURL])

	stored, err := h.store.GetArtifact(context.Background(), res.Data.Artifact.ID)
	require.NoError(t, err)
	require.Equal(t, "inline body", stored.OriginalContent)
}

func TestIngestPolicyRejections(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("type disabled", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		settings := collector.DefaultSettings()
		settings.CollectJS = false
		require.NoError(t, h.store.SaveSettings(ctx, settings))

		res := h.orch.IngestSourceMap(ctx, detected())
		require.True(t, res.Success)
		require.Equal(t, collector.OutcomeNotCollected, res.Data.Outcome)
		require.Empty(t, h.source.calls, "no fetch after a policy rejection")
	})

	t.Run("too large after fetch", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		settings := collector.DefaultSettings()
		settings.MaxFileSize = 32
		require.NoError(t, h.store.SaveSettings(ctx, settings))
		h.source.set(sourceURL, []byte("console.log(1)"))
		h.source.set(mapURL, sourceMap("a fairly long body"))

		res := h.orch.IngestSourceMap(ctx, detected())
		require.True(t, res.Success)
		require.Equal(t, collector.OutcomeNotCollected, res.Data.Outcome)
		require.Contains(t, res.Data.Reason, "exceeds")

		stats, err := h.store.Stats(ctx)
		require.NoError(t, err)
		require.Zero(t, stats.Artifacts)
	})
}

func TestIngestFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("partial fetch aborts", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.source.set(mapURL, sourceMap("x"))

		res := h.orch.IngestSourceMap(ctx, detected())
		require.False(t, res.Success)
		require.Equal(t, collector.KindFetch, res.Kind)

		stats, err := h.store.Stats(ctx)
		require.NoError(t, err)
		require.Zero(t, stats.Artifacts)
		require.Zero(t, stats.Pages)
	})

	t.Run("invalid map", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.source.set(sourceURL, []byte("x"))
		h.source.set(mapURL, []byte("<html>not json</html>"))

		res := h.orch.IngestSourceMap(ctx, detected())
		require.False(t, res.Success)
		require.Equal(t, collector.KindDecode, res.Kind)
	})

	t.Run("missing urls", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		res := h.orch.IngestSourceMap(ctx, collector.DetectedArtifact{FileType: collector.FileTypeJS})
		require.False(t, res.Success)
		require.Equal(t, collector.KindInvalidInput, res.Kind)
	})
}

func TestConcurrentIngestsOfSameCapture(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.source.set(sourceURL, []byte("console.log(1)"))
	h.source.set(mapURL, sourceMap("same"))

	var wg sync.WaitGroup
	results := make([]collector.Result[IngestReport], 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.orch.IngestSourceMap(ctx, detected())
		}(i)
	}
	wg.Wait()

	created := 0
	for _, res := range results {
		require.True(t, res.Success, res.Reason)
		if res.Data.Outcome == collector.OutcomeNew {
			created++
		}
	}
	require.Equal(t, 1, created)
	rows, err := h.store.ArtifactVersions(ctx, sourceURL)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestClearAllForgetsPages(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.source.set(sourceURL, []byte("console.log(1)"))
	h.source.set(mapURL, sourceMap("x"))

	first := h.orch.IngestSourceMap(ctx, detected())
	require.True(t, first.Success)
	require.NoError(t, h.orch.ClearAll(ctx))

	again := h.orch.IngestSourceMap(ctx, detected())
	require.True(t, again.Success)
	require.Equal(t, collector.OutcomeNew, again.Data.Outcome)
	require.NotEqual(t, first.Data.PageID, again.Data.PageID)

	settings, err := h.store.GetSettings(ctx)
	require.NoError(t, err)
	require.Equal(t, collector.DefaultSettings(), settings)
}

type linkGateStore struct {
	*memory.Store
	entered chan struct{}
	release chan struct{}
}

func (s *linkGateStore) EnsureLink(ctx context.Context, link collector.PageArtifactLink) (bool, error) {
	s.entered <- struct{}{}
	<-s.release
	return s.Store.EnsureLink(ctx, link)
}

func TestClearAllWaitsForInFlightIngestion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := &linkGateStore{
		Store:   memory.NewStore(collector.DefaultSettings()),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	source := newFakeSource()
	source.set(sourceURL, []byte("console.log(1)"))
	source.set(mapURL, sourceMap("x"))
	clk := system.NewStub(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	hasher := sha256.New()
	ids := uuid.New()
	orch := New(Deps{
		Store:    store,
		Source:   source,
		Locker:   lock.New(lock.WithTimeout(2 * time.Second)),
		Resolver: resolver.New(store, hasher, clk, ids, nil),
		Hasher:   hasher,
		Clock:    clk,
		IDs:      ids,
	})

	ingested := make(chan collector.Result[IngestReport], 1)
	go func() { ingested <- orch.IngestSourceMap(ctx, detected()) }()
	<-store.entered

	cleared := make(chan error, 1)
	go func() { cleared <- orch.ClearAll(ctx) }()
	select {
	case err := <-cleared:
		t.Fatalf("ClearAll returned during an ingestion: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(store.release)
	res := <-ingested
	require.True(t, res.Success, res.Reason)
	require.NoError(t, <-cleared)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Artifacts)
	require.Zero(t, stats.Pages)
	require.Zero(t, stats.Links)
	require.Zero(t, stats.Entries)

	// The page cache was purged with the rows, so the next capture recreates the page.
	again := orch.IngestSourceMap(ctx, detected())
	require.True(t, again.Success, again.Reason)
	require.Equal(t, collector.OutcomeNew, again.Data.Outcome)
	require.NotEqual(t, res.Data.PageID, again.Data.PageID)
	stats, err = store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Pages)
	require.Equal(t, 1, stats.Links)
}

func crxZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range files {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestIngestCrxReplacesInPlace(t *testing.T) {
	t.Parallel()

	const (
		storePage = "https://chromewebstore.google.com/detail/demo/aapbdbdomjkkjkaonfhkkikfgjllcleb"
		crxURL    = "https://clients2.google.com/service/update2/crx?x=demo"
	)
	h := newHarness(t)
	ctx := context.Background()
	d := collector.DetectedCrx{PageURL: storePage, PageTitle: "Demo", CrxURL: crxURL}

	h.source.set(crxURL, crxZip(t, map[string]string{
		"manifest.json": `{"name":"demo"}`,
		"bg.js":         "chrome.runtime;",
		"popup.html":    "<p>hi</p>",
	}))
	first := h.orch.IngestCrx(ctx, d)
	require.True(t, first.Success, first.Reason)
	require.Equal(t, collector.OutcomeNew, first.Data.Outcome)
	require.Equal(t, 3, first.Data.Entries)
	require.Nil(t, first.Data.Crx.Blob)

	same := h.orch.IngestCrx(ctx, d)
	require.True(t, same.Success)
	require.Equal(t, collector.OutcomeUnchanged, same.Data.Outcome)

	h.source.set(crxURL, crxZip(t, map[string]string{
		"manifest.json": `{"name":"demo","version":"2"}`,
		"bg.js":         "chrome.runtime.id;",
	}))
	second := h.orch.IngestCrx(ctx, d)
	require.True(t, second.Success)
	require.Equal(t, collector.OutcomeNewVersion, second.Data.Outcome)
	require.Equal(t, first.Data.Crx.ID, second.Data.Crx.ID)

	entries, err := h.store.ListEntries(ctx, collector.CrxOwner(first.Data.Crx.ID))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	rows, err := h.store.ListCrx(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Len(t, h.mirror.crx, 2)
	require.NotEmpty(t, h.mirror.crx[0].Blob)
}

func TestIngestCrxDisabledAndBroken(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	d := collector.DetectedCrx{PageURL: "https://store.test/p", CrxURL: "https://store.test/p.crx"}
	h.source.set(d.CrxURL, []byte("Cr24 garbage"))

	broken := h.orch.IngestCrx(ctx, d)
	require.False(t, broken.Success)
	require.Equal(t, collector.KindDecode, broken.Kind)

	settings := collector.DefaultSettings()
	settings.CollectCRX = false
	require.NoError(t, h.store.SaveSettings(ctx, settings))
	off := h.orch.IngestCrx(ctx, d)
	require.True(t, off.Success)
	require.Equal(t, collector.OutcomeNotCollected, off.Data.Outcome)
}
