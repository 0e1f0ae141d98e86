// Package detector turns observed network responses into source map and CRX
// ingestion candidates.
package detector

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/sourcemap-collector/internal/collector"
)

// Config tunes candidate detection.
type Config struct {
	// ExcludedOrigins are scheme://host[:port] values that are never inspected.
	ExcludedOrigins []string
	// GuessMapURL falls back to <source>.map when no sourceMappingURL comment exists.
	GuessMapURL bool
	// ChromeVersion is reported to the Chrome update service when building CRX URLs.
	ChromeVersion string
}

// Detector inspects network events.
type Detector struct {
	source   collector.ContentSource
	excluded map[string]struct{}
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Detector reading content through source.
func New(source collector.ContentSource, cfg Config, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ChromeVersion == "" {
		cfg.ChromeVersion = "130.0"
	}
	excluded := make(map[string]struct{}, len(cfg.ExcludedOrigins))
	for _, origin := range cfg.ExcludedOrigins {
		if normalized := originOf(origin); normalized != "" {
			excluded[normalized] = struct{}{}
		}
	}
	return &Detector{source: source, excluded: excluded, cfg: cfg, logger: logger}
}

// Detect returns a source map candidate for the event, or false when the
// event does not reference one.
func (d *Detector) Detect(ctx context.Context, event collector.NetworkEvent) (collector.DetectedArtifact, bool, error) {
	fileType, ok := d.Candidate(event)
	if !ok {
		return collector.DetectedArtifact{}, false, nil
	}
	content, _, err := d.source.Get(ctx, event.URL)
	if err != nil {
		return collector.DetectedArtifact{}, false, fmt.Errorf("load %s: %w", event.URL, err)
	}

	mapURL, found := SourceMappingURL(content)
	switch {
	case found:
		resolved, err := ResolveReference(event.URL, mapURL)
		if err != nil {
			d.logger.Debug("unresolvable sourceMappingURL", zap.String("url", event.URL), zap.Error(err))
			return collector.DetectedArtifact{}, false, nil
		}
		mapURL = resolved
	case d.cfg.GuessMapURL:
		mapURL = guessMapURL(event.URL)
	default:
		return collector.DetectedArtifact{}, false, nil
	}

	pageURL := event.PageURL
	if pageURL == "" {
		pageURL = event.URL
	}
	return collector.DetectedArtifact{
		PageTitle:       event.PageTitle,
		PageURL:         pageURL,
		SourceURL:       event.URL,
		MapURL:          mapURL,
		FileType:        fileType,
		OriginalContent: string(content),
	}, true, nil
}

// Candidate reports whether the event is a script or stylesheet worth inspecting.
func (d *Detector) Candidate(event collector.NetworkEvent) (collector.FileType, bool) {
	var want collector.FileType
	switch event.ResourceType {
	case collector.ResourceTypeScript:
		want = collector.FileTypeJS
	case collector.ResourceTypeStylesheet:
		want = collector.FileTypeCSS
	default:
		return "", false
	}
	parsed, err := url.Parse(event.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", false
	}
	if _, blocked := d.excluded[originOf(event.URL)]; blocked {
		return "", false
	}
	if strings.TrimPrefix(path.Ext(parsed.Path), ".") != string(want) {
		return "", false
	}
	return want, true
}

var mappingComment = regexp.MustCompile(`(?m)(?://[#@]\s*sourceMappingURL=\s*(\S+?)\s*$|/\*[#@]\s*sourceMappingURL=\s*(\S+?)\s*\*/)`)

// SourceMappingURL returns the last sourceMappingURL reference in content.
func SourceMappingURL(content []byte) (string, bool) {
	// The reference must trail the file, so only the tail is scanned.
	const tail = 4096
	if len(content) > tail {
		content = content[len(content)-tail:]
	}
	content = bytes.TrimRight(content, " \t\r\n")
	matches := mappingComment.FindAllSubmatch(content, -1)
	if len(matches) == 0 {
		return "", false
	}
	last := matches[len(matches)-1]
	for _, group := range last[1:] {
		if len(group) > 0 {
			return string(group), true
		}
	}
	return "", false
}

// ResolveReference resolves a map reference against the source URL. data: URLs
// are returned unchanged.
func ResolveReference(sourceURL, ref string) (string, error) {
	if strings.HasPrefix(ref, "data:") {
		return ref, nil
	}
	base, err := url.Parse(sourceURL)
	if err != nil {
		return "", fmt.Errorf("parse source url: %w", err)
	}
	rel, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse map reference: %w", err)
	}
	return base.ResolveReference(rel).String(), nil
}

func guessMapURL(sourceURL string) string {
	parsed, err := url.Parse(sourceURL)
	if err != nil {
		return sourceURL + ".map"
	}
	parsed.Path += ".map"
	parsed.RawPath = ""
	return parsed.String()
}

func originOf(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Host == "" {
		return ""
	}
	return strings.ToLower(parsed.Scheme + "://" + parsed.Host)
}
