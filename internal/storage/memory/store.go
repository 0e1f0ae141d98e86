package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/sourcemap-collector/internal/collector"
)

type linkKey struct {
	pageID     string
	artifactID string
}

// Store provides an in-memory collector.Store for development/testing.
type Store struct {
	mu        sync.RWMutex
	artifacts map[string]collector.Artifact
	pages     map[string]collector.Page
	pageByURL map[string]string
	links     map[linkKey]collector.PageArtifactLink
	crx       map[string]collector.CrxArtifact
	crxByPage map[string]string
	entries   map[collector.EntryOwner][]collector.ParsedEntry
	settings  *collector.Settings
	defaults  collector.Settings
}

// NewStore constructs a Store whose settings default to defaults.
func NewStore(defaults collector.Settings) *Store {
	s := &Store{defaults: defaults}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.artifacts = make(map[string]collector.Artifact)
	s.pages = make(map[string]collector.Page)
	s.pageByURL = make(map[string]string)
	s.links = make(map[linkKey]collector.PageArtifactLink)
	s.crx = make(map[string]collector.CrxArtifact)
	s.crxByPage = make(map[string]string)
	s.entries = make(map[collector.EntryOwner][]collector.ParsedEntry)
}

// LatestArtifact returns the latest row for sourceURL.
func (s *Store) LatestArtifact(_ context.Context, sourceURL string) (collector.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.artifacts {
		if a.SourceURL == sourceURL && a.IsLatest {
			return a, nil
		}
	}
	return collector.Artifact{}, fmt.Errorf("latest artifact %q: %w", sourceURL, collector.ErrNotFound)
}

// GetArtifact fetches an artifact by ID.
func (s *Store) GetArtifact(_ context.Context, id string) (collector.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[id]
	if !ok {
		return collector.Artifact{}, fmt.Errorf("artifact %q: %w", id, collector.ErrNotFound)
	}
	return a, nil
}

// PromoteArtifact flips the chain's previous latest row and upserts artifact as latest.
func (s *Store) PromoteArtifact(_ context.Context, artifact collector.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.artifacts {
		if a.SourceURL == artifact.SourceURL && a.IsLatest && id != artifact.ID {
			a.IsLatest = false
			s.artifacts[id] = a
		}
	}
	artifact.IsLatest = true
	s.artifacts[artifact.ID] = artifact
	return nil
}

// ListArtifacts returns matching artifacts, newest first.
func (s *Store) ListArtifacts(_ context.Context, filter collector.ArtifactFilter) ([]collector.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]collector.Artifact, 0, len(s.artifacts))
	for _, a := range s.artifacts {
		if filter.SourceURL != "" && a.SourceURL != filter.SourceURL {
			continue
		}
		if filter.FileType != "" && a.FileType != filter.FileType {
			continue
		}
		if filter.LatestOnly && !a.IsLatest {
			continue
		}
		out = append(out, a)
	}
	sortArtifacts(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ArtifactVersions returns every version for sourceURL, newest first.
func (s *Store) ArtifactVersions(ctx context.Context, sourceURL string) ([]collector.Artifact, error) {
	return s.ListArtifacts(ctx, collector.ArtifactFilter{SourceURL: sourceURL})
}

// GetPageByURL fetches a page by its unique URL.
func (s *Store) GetPageByURL(_ context.Context, url string) (collector.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.pageByURL[url]
	if !ok {
		return collector.Page{}, fmt.Errorf("page %q: %w", url, collector.ErrNotFound)
	}
	return s.pages[id], nil
}

// CreatePage inserts a page. The URL must be unique.
func (s *Store) CreatePage(_ context.Context, page collector.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pageByURL[page.URL]; exists {
		return fmt.Errorf("page %q already exists", page.URL)
	}
	s.pages[page.ID] = page
	s.pageByURL[page.URL] = page.ID
	return nil
}

// UpdatePageTitle replaces the title of a page.
func (s *Store) UpdatePageTitle(_ context.Context, id string, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	page, ok := s.pages[id]
	if !ok {
		return fmt.Errorf("page %q: %w", id, collector.ErrNotFound)
	}
	page.Title = title
	s.pages[id] = page
	return nil
}

// ListPages returns every page, most recently first seen first.
func (s *Store) ListPages(_ context.Context) ([]collector.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]collector.Page, 0, len(s.pages))
	for _, p := range s.pages {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].URL < out[j].URL
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

// EnsureLink inserts the link unless the pair already exists.
func (s *Store) EnsureLink(_ context.Context, link collector.PageArtifactLink) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := linkKey{pageID: link.PageID, artifactID: link.ArtifactID}
	if _, exists := s.links[key]; exists {
		return false, nil
	}
	s.links[key] = link
	return true, nil
}

// PageArtifacts returns the artifacts linked to pageID.
func (s *Store) PageArtifacts(_ context.Context, pageID string, latestOnly bool) ([]collector.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.pageArtifactsLocked(pageID, latestOnly)
	sortArtifacts(out)
	return out, nil
}

// CountLatestForPage counts latest artifacts linked to pageID.
func (s *Store) CountLatestForPage(_ context.Context, pageID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pageArtifactsLocked(pageID, true)), nil
}

func (s *Store) pageArtifactsLocked(pageID string, latestOnly bool) []collector.Artifact {
	var out []collector.Artifact
	for key := range s.links {
		if key.pageID != pageID {
			continue
		}
		a, ok := s.artifacts[key.artifactID]
		if !ok || (latestOnly && !a.IsLatest) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// GetCrxByPageURL fetches the package stored for a store page.
func (s *Store) GetCrxByPageURL(_ context.Context, pageURL string) (collector.CrxArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.crxByPage[pageURL]
	if !ok {
		return collector.CrxArtifact{}, fmt.Errorf("crx for %q: %w", pageURL, collector.ErrNotFound)
	}
	return s.crx[id], nil
}

// GetCrx fetches a package by ID.
func (s *Store) GetCrx(_ context.Context, id string) (collector.CrxArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.crx[id]
	if !ok {
		return collector.CrxArtifact{}, fmt.Errorf("crx %q: %w", id, collector.ErrNotFound)
	}
	return c, nil
}

// UpsertCrx overwrites the row for crx.PageURL, keeping the existing ID.
func (s *Store) UpsertCrx(_ context.Context, crx collector.CrxArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.crxByPage[crx.PageURL]; ok {
		crx.ID = existing
	}
	s.crx[crx.ID] = crx
	s.crxByPage[crx.PageURL] = crx.ID
	return nil
}

// ListCrx returns every stored package, newest first.
func (s *Store) ListCrx(_ context.Context) ([]collector.CrxArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]collector.CrxArtifact, 0, len(s.crx))
	for _, c := range s.crx {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// ReplaceEntries swaps the owner's entries for entries.
func (s *Store) ReplaceEntries(_ context.Context, owner collector.EntryOwner, entries []collector.ParsedEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(entries) == 0 {
		delete(s.entries, owner)
		return nil
	}
	s.entries[owner] = append([]collector.ParsedEntry(nil), entries...)
	return nil
}

// ListEntries returns the owner's entries ordered by path.
func (s *Store) ListEntries(_ context.Context, owner collector.EntryOwner) ([]collector.ParsedEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]collector.ParsedEntry(nil), s.entries[owner]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// GetSettings returns stored settings, materializing defaults on first read.
func (s *Store) GetSettings(_ context.Context) (collector.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings == nil {
		defaults := s.defaults
		s.settings = &defaults
	}
	return *s.settings, nil
}

// SaveSettings replaces the settings row.
func (s *Store) SaveSettings(_ context.Context, settings collector.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = &settings
	return nil
}

// TotalSize sums artifact and package sizes.
func (s *Store) TotalSize(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalSizeLocked(), nil
}

func (s *Store) totalSizeLocked() int64 {
	var total int64
	for _, a := range s.artifacts {
		total += a.Size
	}
	for _, c := range s.crx {
		total += c.Size
	}
	return total
}

// DeleteArtifactsBefore evicts artifacts older than cutoff with their links and entries.
func (s *Store) DeleteArtifactsBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, a := range s.artifacts {
		if !a.Timestamp.Before(cutoff) {
			continue
		}
		delete(s.artifacts, id)
		delete(s.entries, collector.SourceMapOwner(id))
		deleted++
	}
	for key := range s.links {
		if _, ok := s.artifacts[key.artifactID]; !ok {
			delete(s.links, key)
		}
	}
	return deleted, nil
}

// Stats summarizes the store contents.
func (s *Store) Stats(_ context.Context) (collector.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := collector.Stats{
		Artifacts:    len(s.artifacts),
		Pages:        len(s.pages),
		Links:        len(s.links),
		CrxArtifacts: len(s.crx),
		TotalSize:    s.totalSizeLocked(),
	}
	for _, a := range s.artifacts {
		if a.IsLatest {
			stats.LatestArtifacts++
		}
	}
	for _, entries := range s.entries {
		stats.Entries += len(entries)
	}
	return stats, nil
}

// ClearAll drops everything except settings.
func (s *Store) ClearAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

func sortArtifacts(out []collector.Artifact) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		if out[i].Version != out[j].Version {
			return out[i].Version > out[j].Version
		}
		return out[i].ID < out[j].ID
	})
}

var _ collector.Store = (*Store)(nil)
