// Package storetest holds the behavioral suite every collector.Store engine must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sourcemap-collector/internal/collector"
)

// Factory returns a fresh, empty store whose settings default to collector.DefaultSettings.
type Factory func(t *testing.T) collector.Store

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func artifact(id, sourceURL string, version int, at time.Time) collector.Artifact {
	return collector.Artifact{
		ID:              id,
		SourceURL:       sourceURL,
		MapURL:          sourceURL + ".map",
		Content:         "map-" + id,
		OriginalContent: "src-" + id,
		FileType:        collector.FileTypeJS,
		Size:            int64(len("map-"+id) + len("src-"+id)),
		Timestamp:       at,
		Version:         version,
		Hash:            "hash-" + id,
		IsLatest:        true,
	}
}

func latestCount(t *testing.T, store collector.Store, sourceURL string) int {
	t.Helper()
	rows, err := store.ArtifactVersions(context.Background(), sourceURL)
	require.NoError(t, err)
	n := 0
	for _, row := range rows {
		if row.IsLatest {
			n++
		}
	}
	return n
}

// Run exercises the full Store contract against engines built by factory.
func Run(t *testing.T, factory Factory) {
	t.Run("promote keeps a single latest row", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		const src = "https://x.test/a.js"

		require.NoError(t, store.PromoteArtifact(ctx, artifact("a1", src, 1, base)))
		require.NoError(t, store.PromoteArtifact(ctx, artifact("a2", src, 2, base.Add(time.Second))))
		require.Equal(t, 1, latestCount(t, store, src))

		latest, err := store.LatestArtifact(ctx, src)
		require.NoError(t, err)
		require.Equal(t, "a2", latest.ID)
		require.True(t, latest.Timestamp.Equal(base.Add(time.Second)))
		require.Equal(t, "map-a2", latest.Content)

		old, err := store.GetArtifact(ctx, "a1")
		require.NoError(t, err)
		require.False(t, old.IsLatest)

		// Re-promoting an older row keeps its content and takes the new version.
		revert := old
		revert.Version = 3
		revert.Timestamp = base.Add(2 * time.Second)
		require.NoError(t, store.PromoteArtifact(ctx, revert))
		require.Equal(t, 1, latestCount(t, store, src))
		latest, err = store.LatestArtifact(ctx, src)
		require.NoError(t, err)
		require.Equal(t, "a1", latest.ID)
		require.Equal(t, 3, latest.Version)

		rows, err := store.ArtifactVersions(ctx, src)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		require.Equal(t, "a1", rows[0].ID)
	})

	t.Run("missing rows are not found", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		_, err := store.LatestArtifact(ctx, "https://nope.test/a.js")
		require.True(t, errors.Is(err, collector.ErrNotFound))
		_, err = store.GetArtifact(ctx, "missing")
		require.True(t, errors.Is(err, collector.ErrNotFound))
		_, err = store.GetPageByURL(ctx, "https://nope.test/")
		require.True(t, errors.Is(err, collector.ErrNotFound))
		_, err = store.GetCrxByPageURL(ctx, "https://nope.test/")
		require.True(t, errors.Is(err, collector.ErrNotFound))
		require.True(t, errors.Is(store.UpdatePageTitle(ctx, "missing", "t"), collector.ErrNotFound))
	})

	t.Run("list filters", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		require.NoError(t, store.PromoteArtifact(ctx, artifact("j1", "https://x.test/a.js", 1, base)))
		require.NoError(t, store.PromoteArtifact(ctx, artifact("j2", "https://x.test/a.js", 2, base.Add(time.Second))))
		css := artifact("c1", "https://x.test/a.css", 1, base.Add(2*time.Second))
		css.FileType = collector.FileTypeCSS
		require.NoError(t, store.PromoteArtifact(ctx, css))

		all, err := store.ListArtifacts(ctx, collector.ArtifactFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		require.Equal(t, "c1", all[0].ID)

		latest, err := store.ListArtifacts(ctx, collector.ArtifactFilter{LatestOnly: true})
		require.NoError(t, err)
		require.Len(t, latest, 2)

		js, err := store.ListArtifacts(ctx, collector.ArtifactFilter{FileType: collector.FileTypeJS, Limit: 1})
		require.NoError(t, err)
		require.Len(t, js, 1)
		require.Equal(t, "j2", js[0].ID)
	})

	t.Run("pages and links", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		page := collector.Page{ID: "p1", URL: "https://x.test/", Title: "X", Timestamp: base}
		require.NoError(t, store.CreatePage(ctx, page))
		require.Error(t, store.CreatePage(ctx, collector.Page{ID: "p2", URL: page.URL, Timestamp: base}))
		require.NoError(t, store.UpdatePageTitle(ctx, "p1", "Renamed"))

		got, err := store.GetPageByURL(ctx, page.URL)
		require.NoError(t, err)
		require.Equal(t, "Renamed", got.Title)

		require.NoError(t, store.PromoteArtifact(ctx, artifact("a1", "https://x.test/a.js", 1, base)))
		require.NoError(t, store.PromoteArtifact(ctx, artifact("b1", "https://x.test/b.js", 1, base)))
		for i, id := range []string{"a1", "a1", "b1"} {
			_, err := store.EnsureLink(ctx, collector.PageArtifactLink{
				ID: fmt.Sprintf("l%d", i), PageID: "p1", ArtifactID: id, Timestamp: base,
			})
			require.NoError(t, err)
		}
		inserted, err := store.EnsureLink(ctx, collector.PageArtifactLink{ID: "l9", PageID: "p1", ArtifactID: "b1", Timestamp: base})
		require.NoError(t, err)
		require.False(t, inserted)

		require.NoError(t, store.PromoteArtifact(ctx, artifact("a2", "https://x.test/a.js", 2, base.Add(time.Second))))
		_, err = store.EnsureLink(ctx, collector.PageArtifactLink{ID: "l10", PageID: "p1", ArtifactID: "a2", Timestamp: base})
		require.NoError(t, err)

		count, err := store.CountLatestForPage(ctx, "p1")
		require.NoError(t, err)
		require.Equal(t, 2, count)

		all, err := store.PageArtifacts(ctx, "p1", false)
		require.NoError(t, err)
		require.Len(t, all, 3)
		latest, err := store.PageArtifacts(ctx, "p1", true)
		require.NoError(t, err)
		require.Len(t, latest, 2)

		pages, err := store.ListPages(ctx)
		require.NoError(t, err)
		require.Len(t, pages, 1)
	})

	t.Run("crx upsert keeps id", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		first := collector.CrxArtifact{
			ID: "x1", PageURL: "https://store.test/p", CrxURL: "https://store.test/p.crx",
			Blob: []byte("PK1"), Size: 3, Timestamp: base, Count: 1, Hash: "h1",
		}
		require.NoError(t, store.UpsertCrx(ctx, first))
		second := first
		second.ID = "x2"
		second.Blob = []byte("PK22")
		second.Size = 4
		second.Hash = "h2"
		require.NoError(t, store.UpsertCrx(ctx, second))

		got, err := store.GetCrxByPageURL(ctx, first.PageURL)
		require.NoError(t, err)
		require.Equal(t, "x1", got.ID)
		require.Equal(t, "h2", got.Hash)
		require.Equal(t, []byte("PK22"), got.Blob)

		rows, err := store.ListCrx(ctx)
		require.NoError(t, err)
		require.Len(t, rows, 1)
	})

	t.Run("entries are fully replaced", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		require.NoError(t, store.PromoteArtifact(ctx, artifact("a1", "https://x.test/a.js", 1, base)))
		owner := collector.SourceMapOwner("a1")
		entry := func(id, path string) collector.ParsedEntry {
			return collector.ParsedEntry{ID: id, Path: path, Content: path, Size: int64(len(path)), SourceMapFileID: "a1"}
		}
		require.NoError(t, store.ReplaceEntries(ctx, owner, []collector.ParsedEntry{
			entry("e1", "c.ts"), entry("e2", "a.ts"), entry("e3", "b.ts"),
		}))
		require.NoError(t, store.ReplaceEntries(ctx, owner, []collector.ParsedEntry{
			entry("e4", "z.ts"), entry("e5", "y.ts"),
		}))
		got, err := store.ListEntries(ctx, owner)
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.Equal(t, "y.ts", got[0].Path)
		require.Equal(t, owner, got[0].Owner())
	})

	t.Run("settings default then persist", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		st, err := store.GetSettings(ctx)
		require.NoError(t, err)
		require.Equal(t, collector.DefaultSettings(), st)

		st.RetentionDays = 7
		st.CollectCSS = false
		require.NoError(t, store.SaveSettings(ctx, st))
		require.NoError(t, store.ClearAll(ctx))

		got, err := store.GetSettings(ctx)
		require.NoError(t, err)
		require.Equal(t, st, got)
	})

	t.Run("retention and stats", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		require.NoError(t, store.CreatePage(ctx, collector.Page{ID: "p1", URL: "https://x.test/", Timestamp: base}))
		require.NoError(t, store.PromoteArtifact(ctx, artifact("old", "https://x.test/old.js", 1, base)))
		require.NoError(t, store.PromoteArtifact(ctx, artifact("new", "https://x.test/new.js", 1, base.Add(48*time.Hour))))
		for _, id := range []string{"old", "new"} {
			_, err := store.EnsureLink(ctx, collector.PageArtifactLink{ID: "l-" + id, PageID: "p1", ArtifactID: id, Timestamp: base})
			require.NoError(t, err)
			require.NoError(t, store.ReplaceEntries(ctx, collector.SourceMapOwner(id), []collector.ParsedEntry{
				{ID: "e-" + id, Path: "a.ts", SourceMapFileID: id},
			}))
		}
		require.NoError(t, store.UpsertCrx(ctx, collector.CrxArtifact{
			ID: "x1", PageURL: "https://store.test/p", CrxURL: "https://store.test/p.crx", Size: 100, Timestamp: base,
		}))

		total, err := store.TotalSize(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(100+len("map-old")+len("src-old")+len("map-new")+len("src-new")), total)

		deleted, err := store.DeleteArtifactsBefore(ctx, base.Add(time.Hour))
		require.NoError(t, err)
		require.Equal(t, 1, deleted)

		stats, err := store.Stats(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, stats.Artifacts)
		require.Equal(t, 1, stats.LatestArtifacts)
		require.Equal(t, 1, stats.Links)
		require.Equal(t, 1, stats.Entries)
		require.Equal(t, 1, stats.CrxArtifacts)
		require.Equal(t, 1, stats.Pages)

		require.NoError(t, store.ClearAll(ctx))
		stats, err = store.Stats(ctx)
		require.NoError(t, err)
		require.Equal(t, collector.Stats{}, stats)
	})
}
