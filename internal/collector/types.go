// Package collector defines the core types shared across the ingestion pipeline.
package collector

import (
	"time"
)

// FileType identifies the kind of compiled file a source map belongs to.
type FileType string

// Supported file types.
const (
	FileTypeJS  FileType = "js"
	FileTypeCSS FileType = "css"
)

// Valid reports whether the file type is one the pipeline collects.
func (t FileType) Valid() bool {
	return t == FileTypeJS || t == FileTypeCSS
}

// ResourceType is the resource classification reported by the network observer.
type ResourceType string

// Resource types reported by the observer. Anything that is not a script or a
// stylesheet is reported as ResourceTypeOther.
const (
	ResourceTypeScript     ResourceType = "script"
	ResourceTypeStylesheet ResourceType = "stylesheet"
	ResourceTypeOther      ResourceType = "other"
)

// Outcome is the result of resolving a capture against stored history.
type Outcome string

// Resolution outcomes. OutcomeNotCollected is produced by the orchestrator
// when settings reject a capture before it reaches the resolver.
const (
	OutcomeNew          Outcome = "NEW"
	OutcomeNewVersion   Outcome = "NEW_VERSION"
	OutcomeUnchanged    Outcome = "UNCHANGED"
	OutcomeNotCollected Outcome = "NOT_COLLECTED"
)

// Stored reports whether the outcome wrote a new latest row.
func (o Outcome) Stored() bool {
	return o == OutcomeNew || o == OutcomeNewVersion
}

// Artifact is one version of a captured source-map-backed file.
type Artifact struct {
	ID              string    `json:"id"`
	SourceURL       string    `json:"source_url"`
	MapURL          string    `json:"map_url"`
	Content         string    `json:"content,omitempty"`
	OriginalContent string    `json:"original_content,omitempty"`
	FileType        FileType  `json:"file_type"`
	Size            int64     `json:"size"`
	Timestamp       time.Time `json:"timestamp"`
	Version         int       `json:"version"`
	Hash            string    `json:"hash"`
	IsLatest        bool      `json:"is_latest"`
}

// Summary returns a copy of the artifact without its payloads, for listings.
func (a Artifact) Summary() Artifact {
	a.Content = ""
	a.OriginalContent = ""
	return a
}

// Page is a web page on which artifacts were observed.
type Page struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
}

// PageArtifactLink associates a page with one artifact version.
type PageArtifactLink struct {
	ID         string    `json:"id"`
	PageID     string    `json:"page_id"`
	ArtifactID string    `json:"artifact_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// CrxArtifact is the latest downloaded package for an extension store page.
// It is overwritten in place when new content is found for the same PageURL.
type CrxArtifact struct {
	ID          string    `json:"id"`
	PageURL     string    `json:"page_url"`
	PageTitle   string    `json:"page_title"`
	CrxURL      string    `json:"crx_url"`
	Blob        []byte    `json:"-"`
	Size        int64     `json:"size"`
	Timestamp   time.Time `json:"timestamp"`
	Count       int       `json:"count"`
	Hash        string    `json:"hash"`
	ExtensionID string    `json:"extension_id,omitempty"`
	PublicKey   []byte    `json:"-"`
}

// OwnerKind tells which table owns a set of parsed entries.
type OwnerKind string

// Entry owners.
const (
	OwnerSourceMap OwnerKind = "source_map"
	OwnerCrx       OwnerKind = "crx"
)

// EntryOwner identifies the artifact a ParsedEntry belongs to.
type EntryOwner struct {
	Kind OwnerKind
	ID   string
}

// SourceMapOwner builds an owner for an Artifact id.
func SourceMapOwner(id string) EntryOwner {
	return EntryOwner{Kind: OwnerSourceMap, ID: id}
}

// CrxOwner builds an owner for a CrxArtifact id.
func CrxOwner(id string) EntryOwner {
	return EntryOwner{Kind: OwnerCrx, ID: id}
}

// ParsedEntry is one file expanded from a source map or a CRX archive.
// Entries are a disposable cache of the expansion and are fully replaced
// whenever the owning blob changes.
type ParsedEntry struct {
	ID              string `json:"id"`
	Path            string `json:"path"`
	Content         string `json:"content,omitempty"`
	Size            int64  `json:"size"`
	ContentType     string `json:"content_type,omitempty"`
	SourceMapFileID string `json:"source_map_file_id,omitempty"`
	CrxFileID       string `json:"crx_file_id,omitempty"`
}

// Owner returns the entry's owning artifact.
func (e ParsedEntry) Owner() EntryOwner {
	if e.CrxFileID != "" {
		return CrxOwner(e.CrxFileID)
	}
	return SourceMapOwner(e.SourceMapFileID)
}

// Settings holds the operational thresholds consulted by the orchestrator.
type Settings struct {
	MaxFileSize      int64 `json:"max_file_size" validate:"gt=0"`
	CleanupThreshold int64 `json:"cleanup_threshold" validate:"gt=0"`
	RetentionDays    int   `json:"retention_days" validate:"gt=0"`
	AutoCleanup      bool  `json:"auto_cleanup"`
	CollectJS        bool  `json:"collect_js"`
	CollectCSS       bool  `json:"collect_css"`
	CollectCRX       bool  `json:"collect_crx"`
}

// DefaultSettings returns the settings materialized on first access.
func DefaultSettings() Settings {
	return Settings{
		MaxFileSize:      10 << 20,
		CleanupThreshold: 512 << 20,
		RetentionDays:    30,
		AutoCleanup:      true,
		CollectJS:        true,
		CollectCSS:       true,
		CollectCRX:       true,
	}
}

// Collects reports whether captures of the given file type are enabled.
func (s Settings) Collects(t FileType) bool {
	switch t {
	case FileTypeJS:
		return s.CollectJS
	case FileTypeCSS:
		return s.CollectCSS
	default:
		return false
	}
}

// RetentionWindow converts RetentionDays into a duration.
func (s Settings) RetentionWindow() time.Duration {
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}

// NetworkEvent is one completed network response reported by the observer.
type NetworkEvent struct {
	URL          string       `json:"url" validate:"required,url"`
	ResourceType ResourceType `json:"resource_type" validate:"required,oneof=script stylesheet other"`
	CompletedAt  time.Time    `json:"completed_at"`
	PageURL      string       `json:"page_url" validate:"omitempty,url"`
	PageTitle    string       `json:"page_title"`
}

// DetectedArtifact is the message handed to the orchestrator for a source map candidate.
type DetectedArtifact struct {
	PageTitle       string   `json:"page_title"`
	PageURL         string   `json:"page_url" validate:"required,url"`
	SourceURL       string   `json:"source_url" validate:"required,url"`
	MapURL          string   `json:"map_url" validate:"required"`
	FileType        FileType `json:"file_type" validate:"required,oneof=js css"`
	OriginalContent string   `json:"original_content,omitempty"`
}

// DetectedCrx is the message handed to the orchestrator for an extension package.
type DetectedCrx struct {
	PageURL   string `json:"page_url" validate:"required,url"`
	PageTitle string `json:"page_title"`
	CrxURL    string `json:"crx_url" validate:"required,url"`
}

// Stats summarizes what is stored.
type Stats struct {
	Artifacts       int   `json:"artifacts"`
	LatestArtifacts int   `json:"latest_artifacts"`
	Pages           int   `json:"pages"`
	Links           int   `json:"links"`
	CrxArtifacts    int   `json:"crx_artifacts"`
	Entries         int   `json:"entries"`
	TotalSize       int64 `json:"total_size"`
}
