package collector

import (
	"context"
	"io"
	"time"
)

// ArtifactFilter narrows artifact listings.
type ArtifactFilter struct {
	SourceURL  string
	FileType   FileType
	LatestOnly bool
	Limit      int
}

// Store is the versioned persistence contract shared by every storage engine.
// Writes that participate in the single-latest invariant must run under the
// per-key mutation lock; reads may run at any time.
type Store interface {
	// LatestArtifact returns the IsLatest row for sourceURL or ErrNotFound.
	LatestArtifact(ctx context.Context, sourceURL string) (Artifact, error)
	GetArtifact(ctx context.Context, id string) (Artifact, error)
	// PromoteArtifact flips every other row of the artifact's SourceURL to
	// IsLatest=false and upserts the artifact as the new latest row, atomically
	// where the engine supports it.
	PromoteArtifact(ctx context.Context, artifact Artifact) error
	ListArtifacts(ctx context.Context, filter ArtifactFilter) ([]Artifact, error)
	// ArtifactVersions returns every stored version for sourceURL, newest first.
	ArtifactVersions(ctx context.Context, sourceURL string) ([]Artifact, error)

	GetPageByURL(ctx context.Context, url string) (Page, error)
	CreatePage(ctx context.Context, page Page) error
	UpdatePageTitle(ctx context.Context, id string, title string) error
	ListPages(ctx context.Context) ([]Page, error)
	// EnsureLink inserts the link unless (PageID, ArtifactID) already exists.
	EnsureLink(ctx context.Context, link PageArtifactLink) (bool, error)
	// PageArtifacts returns the artifacts linked to the page.
	PageArtifacts(ctx context.Context, pageID string, latestOnly bool) ([]Artifact, error)
	CountLatestForPage(ctx context.Context, pageID string) (int, error)

	GetCrxByPageURL(ctx context.Context, pageURL string) (CrxArtifact, error)
	GetCrx(ctx context.Context, id string) (CrxArtifact, error)
	// UpsertCrx overwrites the row keyed by PageURL.
	UpsertCrx(ctx context.Context, crx CrxArtifact) error
	ListCrx(ctx context.Context) ([]CrxArtifact, error)

	// ReplaceEntries deletes every entry of owner and inserts entries.
	ReplaceEntries(ctx context.Context, owner EntryOwner, entries []ParsedEntry) error
	ListEntries(ctx context.Context, owner EntryOwner) ([]ParsedEntry, error)

	// GetSettings returns the stored settings, materializing defaults on first read.
	GetSettings(ctx context.Context) (Settings, error)
	SaveSettings(ctx context.Context, settings Settings) error

	TotalSize(ctx context.Context) (int64, error)
	// DeleteArtifactsBefore evicts artifacts older than cutoff together with
	// their links and entries and returns the number of artifacts removed.
	DeleteArtifactsBefore(ctx context.Context, cutoff time.Time) (int, error)
	Stats(ctx context.Context) (Stats, error)
	// ClearAll removes every artifact, page, link, crx row and entry. Settings survive.
	ClearAll(ctx context.Context) error
	Close() error
}

// Fetcher performs a raw network GET.
type Fetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// ContentSource returns content for a URL, possibly from a short-lived cache.
type ContentSource interface {
	Get(ctx context.Context, url string) ([]byte, bool, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, body io.Reader) (string, error)
}

// Publisher pushes mirror notifications to Pub/Sub, AMQP or similar.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BadgeNotifier receives the count of latest artifacts for a page.
type BadgeNotifier interface {
	Notify(ctx context.Context, pageURL string, count int)
}

// Hasher computes content fingerprints.
type Hasher interface {
	Fingerprint(parts ...[]byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces row IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// EventQueue buffers observed network events between the observer and the workers.
type EventQueue interface {
	Enqueue(ctx context.Context, event NetworkEvent) error
	Dequeue(ctx context.Context) (NetworkEvent, error)
}
