// Package resolver decides whether a capture is new, a new version, or unchanged,
// and records the page that observed it.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/JakeFAU/sourcemap-collector/internal/collector"
)

const (
	pageCacheSize = 1024
	pageCacheTTL  = 10 * time.Minute
)

// ResolveRequest is one fetched capture.
type ResolveRequest struct {
	PageURL         string
	PageTitle       string
	SourceURL       string
	MapURL          string
	FileType        collector.FileType
	OriginalContent []byte
	MapContent      []byte
}

// Resolution reports what happened to a capture.
type Resolution struct {
	Outcome  collector.Outcome  `json:"outcome"`
	Artifact collector.Artifact `json:"artifact"`
	Page     collector.Page     `json:"page"`
	Linked   bool               `json:"linked"`
}

// Resolver compares captures against the latest stored version. Callers must
// hold the mutation lock for the request's key while Resolve runs.
type Resolver struct {
	store  collector.Store
	hasher collector.Hasher
	clock  collector.Clock
	ids    collector.IDGenerator
	pages  *expirable.LRU[string, collector.Page]
	logger *zap.Logger
}

// New constructs a Resolver.
func New(
	store collector.Store,
	hasher collector.Hasher,
	clock collector.Clock,
	ids collector.IDGenerator,
	logger *zap.Logger,
) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:  store,
		hasher: hasher,
		clock:  clock,
		ids:    ids,
		pages:  expirable.NewLRU[string, collector.Page](pageCacheSize, nil, pageCacheTTL),
		logger: logger,
	}
}

// Resolve stores the capture when its content differs from the latest version
// of SourceURL and links it to the requesting page.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (Resolution, error) {
	if req.SourceURL == "" {
		return Resolution{}, collector.E(collector.KindInvalidInput, "resolve", errors.New("source url is required"))
	}
	hash, err := r.hasher.Fingerprint(req.MapContent, req.OriginalContent)
	if err != nil {
		return Resolution{}, fmt.Errorf("fingerprint content: %w", err)
	}

	latest, err := r.store.LatestArtifact(ctx, req.SourceURL)
	hasLatest := err == nil
	if err != nil && !errors.Is(err, collector.ErrNotFound) {
		return Resolution{}, fmt.Errorf("lookup latest: %w", err)
	}

	var res Resolution
	switch {
	case hasLatest && latest.Hash == hash:
		res = Resolution{Outcome: collector.OutcomeUnchanged, Artifact: latest}
	default:
		artifact, err := r.nextVersion(ctx, req, hash, latest, hasLatest)
		if err != nil {
			return Resolution{}, err
		}
		if err := r.store.PromoteArtifact(ctx, artifact); err != nil {
			return Resolution{}, fmt.Errorf("promote artifact: %w", err)
		}
		outcome := collector.OutcomeNew
		if hasLatest {
			outcome = collector.OutcomeNewVersion
		}
		res = Resolution{Outcome: outcome, Artifact: artifact}
		r.logger.Debug("artifact stored",
			zap.String("source_url", req.SourceURL),
			zap.String("outcome", string(outcome)),
			zap.Int("version", artifact.Version),
		)
	}

	if req.PageURL == "" {
		return res, nil
	}
	page, err := r.EnsurePage(ctx, req.PageURL, req.PageTitle)
	if err != nil {
		return Resolution{}, err
	}
	res.Page = page
	linkID, err := r.ids.NewID()
	if err != nil {
		return Resolution{}, fmt.Errorf("link id: %w", err)
	}
	linked, err := r.store.EnsureLink(ctx, collector.PageArtifactLink{
		ID:         linkID,
		PageID:     page.ID,
		ArtifactID: res.Artifact.ID,
		Timestamp:  r.clock.Now(),
	})
	if err != nil {
		return Resolution{}, fmt.Errorf("ensure link: %w", err)
	}
	res.Linked = linked
	return res, nil
}

// nextVersion builds the row that becomes latest. Content that an older row of
// the same chain already holds re-promotes that row under a fresh version.
func (r *Resolver) nextVersion(
	ctx context.Context,
	req ResolveRequest,
	hash string,
	latest collector.Artifact,
	hasLatest bool,
) (collector.Artifact, error) {
	id, err := r.hasher.Fingerprint([]byte(req.SourceURL), []byte{0}, req.MapContent, req.OriginalContent)
	if err != nil {
		return collector.Artifact{}, fmt.Errorf("fingerprint id: %w", err)
	}
	version := 1
	if hasLatest {
		version = latest.Version + 1
	}
	now := r.clock.Now()

	previous, err := r.store.GetArtifact(ctx, id)
	switch {
	case err == nil:
		previous.Version = version
		previous.Timestamp = now
		previous.MapURL = req.MapURL
		previous.IsLatest = true
		return previous, nil
	case !errors.Is(err, collector.ErrNotFound):
		return collector.Artifact{}, fmt.Errorf("lookup artifact: %w", err)
	}

	return collector.Artifact{
		ID:              id,
		SourceURL:       req.SourceURL,
		MapURL:          req.MapURL,
		Content:         string(req.MapContent),
		OriginalContent: string(req.OriginalContent),
		FileType:        req.FileType,
		Size:            int64(len(req.MapContent) + len(req.OriginalContent)),
		Timestamp:       now,
		Version:         version,
		Hash:            hash,
		IsLatest:        true,
	}, nil
}

// EnsurePage finds or creates the page for url and refreshes a changed title.
func (r *Resolver) EnsurePage(ctx context.Context, url string, title string) (collector.Page, error) {
	page, ok := r.pages.Get(url)
	if !ok {
		found, err := r.store.GetPageByURL(ctx, url)
		switch {
		case err == nil:
			page = found
		case errors.Is(err, collector.ErrNotFound):
			created, err := r.createPage(ctx, url, title)
			if err != nil {
				return collector.Page{}, err
			}
			page = created
		default:
			return collector.Page{}, fmt.Errorf("lookup page: %w", err)
		}
	}
	if title != "" && page.Title != title {
		if err := r.store.UpdatePageTitle(ctx, page.ID, title); err != nil {
			return collector.Page{}, fmt.Errorf("update page title: %w", err)
		}
		page.Title = title
	}
	r.pages.Add(url, page)
	return page, nil
}

func (r *Resolver) createPage(ctx context.Context, url string, title string) (collector.Page, error) {
	id, err := r.ids.NewID()
	if err != nil {
		return collector.Page{}, fmt.Errorf("page id: %w", err)
	}
	page := collector.Page{ID: id, URL: url, Title: title, Timestamp: r.clock.Now()}
	if err := r.store.CreatePage(ctx, page); err != nil {
		// Another key may have created the page concurrently.
		existing, lookupErr := r.store.GetPageByURL(ctx, url)
		if lookupErr != nil {
			return collector.Page{}, fmt.Errorf("create page: %w", err)
		}
		return existing, nil
	}
	return page, nil
}

// ForgetPages drops cached page lookups, e.g. after the store is cleared.
func (r *Resolver) ForgetPages() {
	r.pages.Purge()
}
