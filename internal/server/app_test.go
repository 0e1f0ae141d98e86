package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sourcemap-collector/internal/collector"
	"github.com/JakeFAU/sourcemap-collector/internal/config"
	sqlitestore "github.com/JakeFAU/sourcemap-collector/internal/storage/sqlite"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Engine = config.EngineMemory
	cfg.Intake.Workers = 2
	cfg.Settings.RetentionDays = 7
	return cfg
}

func TestBuildServesSeededSettings(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	app, err := Build(ctx, testConfig(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close(ctx)) })

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/settings", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var res collector.Result[collector.Settings]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.True(t, res.Success)
	require.Equal(t, 7, res.Data.RetentionDays)

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildWithSQLiteAndLocalMirror(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.Storage.Engine = config.EngineSQLite
	cfg.Storage.SQLitePath = filepath.Join(dir, "collector.db")
	cfg.Storage.BlobBackend = config.BlobLocal
	cfg.Storage.LocalBaseDir = filepath.Join(dir, "mirror")
	cfg.Mirror.Enabled = true
	cfg.Mirror.Publisher = config.PublisherMemory

	ctx := context.Background()
	app, err := Build(ctx, cfg, nil)
	require.NoError(t, err)
	require.True(t, app.mirror.Enabled())
	require.IsType(t, &sqlitestore.Store{}, app.Store)
	require.NoError(t, app.Close(ctx))
	require.NoError(t, app.Close(ctx), "close is idempotent")
}

func TestBuildFailsOnBadBlobBackend(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Storage.BlobBackend = config.BlobS3
	cfg.Storage.Bucket = ""
	cfg.Mirror.Enabled = true

	_, err := Build(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "s3 blob store init failed")
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Server.Port = 0
	ctx, cancel := context.WithCancel(context.Background())
	app, err := Build(ctx, cfg, zap.NewNop())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)
	require.NoError(t, app.Close(context.Background()))
}
