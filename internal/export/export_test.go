package export

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sourcemap-collector/internal/clock/system"
	"github.com/JakeFAU/sourcemap-collector/internal/collector"
	"github.com/JakeFAU/sourcemap-collector/internal/storage/memory"
)

func seededStore(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore(collector.DefaultSettings())
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.PromoteArtifact(ctx, collector.Artifact{
		ID:              "a1",
		SourceURL:       "https://x.test/static/app.js",
		MapURL:          "https://x.test/static/app.js.map",
		Content:         `{"version":3}`,
		OriginalContent: "console.log(1)",
		FileType:        collector.FileTypeJS,
		Size:            27,
		Timestamp:       now,
		Version:         1,
		Hash:            "h1",
		IsLatest:        true,
	}))
	require.NoError(t, store.ReplaceEntries(ctx, collector.SourceMapOwner("a1"), []collector.ParsedEntry{
		{ID: "e1", Path: "src/index.ts", Content: "export {}", Size: 9, SourceMapFileID: "a1"},
	}))
	require.NoError(t, store.UpsertCrx(ctx, collector.CrxArtifact{
		ID:        "c1",
		PageURL:   "https://chromewebstore.google.com/detail/demo/abcdefghijklmnopabcdefghijklmnop",
		CrxURL:    "https://clients2.google.com/service/update2/crx",
		Blob:      []byte("Cr24"),
		Size:      4,
		Timestamp: now,
		Count:     1,
		Hash:      "hc",
	}))
	require.NoError(t, store.ReplaceEntries(ctx, collector.CrxOwner("c1"), []collector.ParsedEntry{
		{ID: "e2", Path: "manifest.json", Content: `{"name":"demo"}`, Size: 15, CrxFileID: "c1"},
	}))
	return store
}

func readZip(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	files := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		files[f.Name] = string(body)
	}
	return files
}

func TestWritePlainBundle(t *testing.T) {
	t.Parallel()

	clk := system.NewStub(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	exp := New(seededStore(t), clk, nil)

	var buf bytes.Buffer
	summary, err := exp.Write(context.Background(), &buf, Options{})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Artifacts)
	require.Equal(t, 1, summary.Crx)
	require.Equal(t, 5, summary.Files)
	require.False(t, summary.Encrypted)

	files := readZip(t, buf.Bytes())
	require.Equal(t, `{"version":3}`, files["sourcemaps/x.test/app.js.v1/map.json"])
	require.Equal(t, "console.log(1)", files["sourcemaps/x.test/app.js.v1/original.js"])
	require.Equal(t, "export {}", files["sourcemaps/x.test/app.js.v1/sources/src/index.ts"])
	require.Equal(t, `{"name":"demo"}`, files["crx/chromewebstore.google.com/c1/files/manifest.json"])

	var manifest Manifest
	require.NoError(t, json.Unmarshal([]byte(files["manifest.json"]), &manifest))
	require.Equal(t, clk.Now(), manifest.CreatedAt)
	require.Len(t, manifest.Artifacts, 1)
	require.Empty(t, manifest.Artifacts[0].Content)
	require.Len(t, manifest.Crx, 1)
	require.Equal(t, 1, manifest.Stats.Artifacts)
}

func TestWriteEncryptedBundle(t *testing.T) {
	t.Parallel()

	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	exp := New(seededStore(t), system.New(), nil)
	var buf bytes.Buffer
	summary, err := exp.Write(context.Background(), &buf, Options{
		Recipients: []string{identity.Recipient().String()},
	})
	require.NoError(t, err)
	require.True(t, summary.Encrypted)

	_, err = zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.Error(t, err, "ciphertext must not be a readable zip")

	r, err := age.Decrypt(&buf, identity)
	require.NoError(t, err)
	plain, err := io.ReadAll(r)
	require.NoError(t, err)
	files := readZip(t, plain)
	require.Contains(t, files, "manifest.json")
}

func TestWriteRejectsBadRecipient(t *testing.T) {
	t.Parallel()

	exp := New(seededStore(t), system.New(), nil)
	var buf bytes.Buffer
	_, err := exp.Write(context.Background(), &buf, Options{Recipients: []string{"not-a-key"}})
	require.Error(t, err)
	require.Equal(t, collector.KindInvalidInput, collector.KindOf(err))
	require.Zero(t, buf.Len())
}

func TestParseRecipientsSkipsBlanks(t *testing.T) {
	t.Parallel()

	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	rs, err := ParseRecipients([]string{" ", identity.Recipient().String()})
	require.NoError(t, err)
	require.Len(t, rs, 1)

	_, err = ParseRecipients([]string{""})
	require.Error(t, err)
}
