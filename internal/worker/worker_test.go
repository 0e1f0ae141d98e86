package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sourcemap-collector/internal/collector"
	"github.com/JakeFAU/sourcemap-collector/internal/ingest"
	"github.com/JakeFAU/sourcemap-collector/internal/queue/memory"
)

type fakeDetector struct {
	err error
}

func (d *fakeDetector) Detect(_ context.Context, event collector.NetworkEvent) (collector.DetectedArtifact, bool, error) {
	if d.err != nil {
		return collector.DetectedArtifact{}, false, d.err
	}
	if event.ResourceType != collector.ResourceTypeScript {
		return collector.DetectedArtifact{}, false, nil
	}
	return collector.DetectedArtifact{
		PageURL:   event.PageURL,
		SourceURL: event.URL,
		MapURL:    event.URL + ".map",
		FileType:  collector.FileTypeJS,
	}, true, nil
}

func (d *fakeDetector) DetectCrx(pageURL, title string) (collector.DetectedCrx, bool) {
	if pageURL != "https://store.test/detail/ext" {
		return collector.DetectedCrx{}, false
	}
	return collector.DetectedCrx{PageURL: pageURL, PageTitle: title, CrxURL: "https://update.test/ext.crx"}, true
}

type fakeIngester struct {
	mu      sync.Mutex
	maps    []collector.DetectedArtifact
	crx     []collector.DetectedCrx
	failMap bool
}

func (f *fakeIngester) IngestSourceMap(_ context.Context, d collector.DetectedArtifact) collector.Result[ingest.IngestReport] {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maps = append(f.maps, d)
	if f.failMap {
		return collector.Fail[ingest.IngestReport](collector.E(collector.KindFetch, "fetch", errors.New("404")))
	}
	return collector.OK(ingest.IngestReport{Outcome: collector.OutcomeNew})
}

func (f *fakeIngester) IngestCrx(_ context.Context, d collector.DetectedCrx) collector.Result[ingest.CrxReport] {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.crx = append(f.crx, d)
	return collector.OK(ingest.CrxReport{Outcome: collector.OutcomeNew})
}

func (f *fakeIngester) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.maps), len(f.crx)
}

func TestWorkerRoutesEvents(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := memory.NewQueue(8)
	ing := &fakeIngester{}
	w := New(q, &fakeDetector{}, ing, zap.NewNop())

	events := []collector.NetworkEvent{
		{URL: "https://x.test/app.js", ResourceType: collector.ResourceTypeScript, PageURL: "https://x.test/"},
		{URL: "https://x.test/logo.png", ResourceType: collector.ResourceTypeOther, PageURL: "https://x.test/"},
		{URL: "https://store.test/detail/ext", ResourceType: collector.ResourceTypeOther, PageURL: "https://store.test/detail/ext"},
		{URL: "https://x.test/", ResourceType: collector.ResourceTypeOther, PageURL: "https://x.test/"},
	}
	for _, ev := range events {
		require.NoError(t, q.Enqueue(ctx, ev))
	}

	go w.Run(ctx)

	require.Eventually(t, func() bool {
		maps, crx := ing.counts()
		return maps == 1 && crx == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, "https://x.test/app.js.map", ing.maps[0].MapURL)
	require.Equal(t, "https://update.test/ext.crx", ing.crx[0].CrxURL)
}

func TestWorkerSurvivesFailures(t *testing.T) {
	t.Parallel()

	ing := &fakeIngester{failMap: true}
	w := New(memory.NewQueue(1), &fakeDetector{}, ing, nil)
	w.Process(context.Background(), collector.NetworkEvent{URL: "https://x.test/a.js", ResourceType: collector.ResourceTypeScript})
	maps, _ := ing.counts()
	require.Equal(t, 1, maps)

	broken := New(memory.NewQueue(1), &fakeDetector{err: errors.New("fetch failed")}, ing, nil)
	broken.Process(context.Background(), collector.NetworkEvent{URL: "https://x.test/b.js", ResourceType: collector.ResourceTypeScript})
	maps, _ = ing.counts()
	require.Equal(t, 1, maps, "detector errors never reach the ingester")
}

func TestWorkerStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	w := New(q, &fakeDetector{}, &fakeIngester{}, nil)
	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()
	q.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue close")
	}
}
