// Package sha256 includes tests for the SHA-256 fingerprint adapter.
package sha256

import "testing"

// TestHasherHashDeterministic ensures repeated hashing yields the same digest.
func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	again, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() repeat error = %v", err)
	}
	if again != got {
		t.Fatalf("expected deterministic hash, got %s vs %s", got, again)
	}
}

// TestFingerprintConcatenatesParts checks that parts hash like their concatenation.
func TestFingerprintConcatenatesParts(t *testing.T) {
	t.Parallel()

	h := New()
	split, err := h.Fingerprint([]byte("hello "), []byte("world"))
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	whole, err := h.Fingerprint([]byte("hello world"))
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	if split != whole {
		t.Fatalf("expected %s, got %s", whole, split)
	}
}

// TestFingerprintOrderMatters ensures swapping parts changes the digest.
func TestFingerprintOrderMatters(t *testing.T) {
	t.Parallel()

	h := New()
	ab, err := h.Fingerprint([]byte("map"), []byte("src"))
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	ba, err := h.Fingerprint([]byte("src"), []byte("map"))
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	if ab == ba {
		t.Fatalf("expected different digests for swapped parts, got %s", ab)
	}
}

// TestFingerprintEmpty returns the digest of the empty input.
func TestFingerprintEmpty(t *testing.T) {
	t.Parallel()

	got, err := New().Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}
