package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIdempotent(t *testing.T) {
	Init()
	first := ingestionsTotal
	Init()
	if ingestionsTotal == nil || ingestionsTotal != first {
		t.Fatal("Init() should initialize collectors exactly once")
	}
}

func TestObserveHelpers(t *testing.T) {
	Init()

	before := testutil.ToFloat64(ingestionsTotal.WithLabelValues("source_map", "NEW"))
	ObserveIngestion("source_map", "NEW")
	if got := testutil.ToFloat64(ingestionsTotal.WithLabelValues("source_map", "NEW")); got != before+1 {
		t.Errorf("expected ingestions to grow by 1, got %f -> %f", before, got)
	}

	hits := testutil.ToFloat64(fetchCacheTotal.WithLabelValues("hit"))
	ObserveCacheLookup(true)
	if got := testutil.ToFloat64(fetchCacheTotal.WithLabelValues("hit")); got != hits+1 {
		t.Errorf("expected cache hits to grow by 1, got %f -> %f", hits, got)
	}

	deleted := testutil.ToFloat64(cleanupDeletedTotal)
	ObserveCleanup(3)
	ObserveCleanup(0)
	if got := testutil.ToFloat64(cleanupDeletedTotal); got != deleted+3 {
		t.Errorf("expected cleanup counter to grow by 3, got %f -> %f", deleted, got)
	}

	ObserveLockWait("acquired", 10*time.Millisecond)
	if count := testutil.CollectAndCount(lockWaitSeconds); count == 0 {
		t.Error("expected lock wait histogram to be observed")
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
