package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func testClient(t *testing.T, handler http.Handler) *storage.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestPutObjectUploads(t *testing.T) {
	const (
		bucket = "mirror-bucket"
		object = "sourcemaps/x.test/v1-abc.json"
	)
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, fmt.Sprintf("/upload/storage/v1/b/%s/o", bucket))
		assert.Equal(t, object, r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), `{"version":3}`)
		assert.Contains(t, string(body), "application/json")
		fmt.Fprintln(w, `{"name":"`+object+`"}`)
	}))

	store, err := New(client, Config{Bucket: bucket})
	require.NoError(t, err)
	uri, err := store.PutObject(context.Background(), object, "application/json", bytes.NewReader([]byte(`{"version":3}`)))
	require.NoError(t, err)
	require.Equal(t, "gs://mirror-bucket/"+object, uri)
	require.NoError(t, store.Close())
}

func TestPutObjectSurfacesServerErrors(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"code":403,"message":"denied"}}`, http.StatusForbidden)
	}))

	store, err := New(client, Config{Bucket: "b"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), "a.json", "application/json", bytes.NewReader([]byte("{}")))
	require.Error(t, err)

	_, err = store.PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	require.Error(t, err)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
	_, err = Dial(context.Background(), Config{})
	require.Error(t, err)
}

func TestDialVerifiesBucket(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"code":404,"message":"no such bucket"}}`, http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	_, err := Dial(context.Background(), Config{Bucket: "missing", VerifyBucket: true},
		option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.Error(t, err)
}
