package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sourcemap-collector/internal/collector"
	"github.com/JakeFAU/sourcemap-collector/internal/storage/storetest"
)

func TestStoreContract(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(t *testing.T) collector.Store {
		store, err := Open(":memory:", collector.DefaultSettings())
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestSingleLatestIsEnforcedBySchema(t *testing.T) {
	t.Parallel()

	store, err := Open(":memory:", collector.DefaultSettings())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.DB().Exec(`INSERT INTO artifacts (id, source_url, file_type, created_at, version, hash, is_latest)
VALUES ('a', 'https://x.test/a.js', 'js', 0, 1, 'h', 1), ('b', 'https://x.test/a.js', 'js', 0, 2, 'h2', 1)`)
	require.Error(t, err)
}

func TestFileDatabaseSurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "collector.db")
	ctx := context.Background()

	store, err := Open(path, collector.DefaultSettings())
	require.NoError(t, err)
	require.NoError(t, store.CreatePage(ctx, collector.Page{ID: "p1", URL: "https://x.test/"}))
	require.NoError(t, store.Close())

	reopened, err := Open(path, collector.DefaultSettings())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	page, err := reopened.GetPageByURL(ctx, "https://x.test/")
	require.NoError(t, err)
	require.Equal(t, "p1", page.ID)
}
