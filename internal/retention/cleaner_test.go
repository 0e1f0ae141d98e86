package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/sourcemap-collector/internal/clock/system"
	"github.com/JakeFAU/sourcemap-collector/internal/collector"
	"github.com/JakeFAU/sourcemap-collector/internal/storage/memory"
)

var now = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func artifact(id, url string, version int, age time.Duration, size int64, latest bool) collector.Artifact {
	return collector.Artifact{
		ID:        id,
		SourceURL: url,
		Version:   version,
		Timestamp: now.Add(-age),
		Size:      size,
		IsLatest:  latest,
		FileType:  collector.FileTypeJS,
	}
}

func seed(t *testing.T, store *memory.Store) {
	t.Helper()
	ctx := context.Background()
	day := 24 * time.Hour
	require.NoError(t, store.PromoteArtifact(ctx, artifact("old-1", "https://x.test/old.js", 1, 60*day, 400, true)))
	require.NoError(t, store.PromoteArtifact(ctx, artifact("old-2", "https://x.test/old.js", 2, 45*day, 400, true)))
	require.NoError(t, store.PromoteArtifact(ctx, artifact("mix-1", "https://x.test/mix.js", 1, 40*day, 100, true)))
	require.NoError(t, store.PromoteArtifact(ctx, artifact("mix-2", "https://x.test/mix.js", 2, 2*day, 100, true)))
	require.NoError(t, store.CreatePage(ctx, collector.Page{ID: "p1", URL: "https://x.test/", Timestamp: now}))
	_, err := store.EnsureLink(ctx, collector.PageArtifactLink{ID: "l1", PageID: "p1", ArtifactID: "old-2"})
	require.NoError(t, err)
	_, err = store.EnsureLink(ctx, collector.PageArtifactLink{ID: "l2", PageID: "p1", ArtifactID: "mix-2"})
	require.NoError(t, err)
	require.NoError(t, store.ReplaceEntries(ctx, collector.SourceMapOwner("old-2"), []collector.ParsedEntry{
		{ID: "e1", Path: "src/a.ts", SourceMapFileID: "old-2"},
	}))
}

func TestMaybeCleanupBelowThresholdIsNoop(t *testing.T) {
	t.Parallel()

	store := memory.NewStore(collector.DefaultSettings())
	seed(t, store)
	c := New(store, system.NewStub(now), nil)

	settings := collector.DefaultSettings()
	settings.CleanupThreshold = 1000
	report, err := c.MaybeCleanup(context.Background(), settings)
	require.NoError(t, err)
	require.False(t, report.Ran)
	require.Equal(t, int64(1000), report.TotalSize)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, stats.Artifacts)
}

func TestMaybeCleanupEvictsStaleRows(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore(collector.DefaultSettings())
	seed(t, store)
	c := New(store, system.NewStub(now), nil)

	settings := collector.DefaultSettings()
	settings.CleanupThreshold = 500
	report, err := c.MaybeCleanup(ctx, settings)
	require.NoError(t, err)
	require.True(t, report.Ran)
	require.Equal(t, 3, report.Deleted)

	remaining, err := store.ListArtifacts(ctx, collector.ArtifactFilter{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, "mix-2", remaining[0].ID)
	require.True(t, remaining[0].IsLatest)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Links)
	require.Zero(t, stats.Entries)
	require.Equal(t, 1, stats.LatestArtifacts)

	_, err = store.LatestArtifact(ctx, "https://x.test/old.js")
	require.ErrorIs(t, err, collector.ErrNotFound)
}

type brokenStore struct {
	*memory.Store
}

func (brokenStore) TotalSize(context.Context) (int64, error) {
	return 0, errors.New("io error")
}

func TestTriggerLogsFailures(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	c := New(brokenStore{Store: memory.NewStore(collector.DefaultSettings())}, system.NewStub(now), zap.New(core))
	c.Trigger(context.Background(), collector.DefaultSettings())
	c.Wait()

	require.Equal(t, 1, logs.FilterMessage("retention cleanup failed").Len())
}

func TestTriggerRunsInBackground(t *testing.T) {
	t.Parallel()

	store := memory.NewStore(collector.DefaultSettings())
	seed(t, store)
	c := New(store, system.NewStub(now), nil)
	settings := collector.DefaultSettings()
	settings.CleanupThreshold = 1

	ctx, cancel := context.WithCancel(context.Background())
	c.Trigger(ctx, settings)
	cancel()
	c.Wait()

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Artifacts)
}
