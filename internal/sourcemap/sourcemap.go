// Package sourcemap parses Source Map v3 documents and expands their embedded sources.
package sourcemap

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/sourcemap-collector/internal/archive"
	"github.com/JakeFAU/sourcemap-collector/internal/collector"
)

// Map is the subset of a v3 source map the collector needs.
type Map struct {
	Version        int       `json:"version"`
	File           string    `json:"file,omitempty"`
	SourceRoot     string    `json:"sourceRoot,omitempty"`
	Sources        []string  `json:"sources"`
	SourcesContent []*string `json:"sourcesContent,omitempty"`
	Sections       []Section `json:"sections,omitempty"`
}

// Section is one part of an index map.
type Section struct {
	Map *Map `json:"map"`
}

// Parse decodes data, stripping the ")]}'" XSSI prefix some servers prepend.
func Parse(data []byte) (*Map, error) {
	trimmed := strings.TrimSpace(string(data))
	if rest, ok := strings.CutPrefix(trimmed, ")]}'"); ok {
		trimmed = rest
	}
	var m Map
	if err := json.Unmarshal([]byte(trimmed), &m); err != nil {
		return nil, collector.E(collector.KindDecode, "parse source map", err)
	}
	if m.Version != 3 {
		return nil, collector.E(collector.KindDecode, "parse source map", fmt.Errorf("unsupported version %d", m.Version))
	}
	if len(m.Sources) == 0 && len(m.Sections) == 0 {
		return nil, collector.E(collector.KindDecode, "parse source map", errors.New("no sources or sections"))
	}
	return &m, nil
}

// Entries returns one entry per source that carries inline content. Sources
// without content are skipped. Duplicate paths keep the first occurrence.
func (m *Map) Entries() []archive.Entry {
	seen := make(map[string]struct{})
	var out []archive.Entry
	m.collect(seen, &out)
	return out
}

func (m *Map) collect(seen map[string]struct{}, out *[]archive.Entry) {
	for i, source := range m.Sources {
		if i >= len(m.SourcesContent) || m.SourcesContent[i] == nil {
			continue
		}
		name := SourcePath(m.SourceRoot, source)
		if name == "" {
			name = fmt.Sprintf("source-%d", i)
		}
		if _, dup := seen[name]; dup {
			continue
		}
		entry, err := archive.NewEntry(name, []byte(*m.SourcesContent[i]))
		if err != nil {
			continue
		}
		seen[name] = struct{}{}
		*out = append(*out, entry)
	}
	for _, section := range m.Sections {
		if section.Map != nil {
			section.Map.collect(seen, out)
		}
	}
}

// SourcePath turns a source reference into a sanitized relative path, dropping
// bundler schemes such as webpack:// and any query string.
func SourcePath(root string, source string) string {
	full := source
	if root != "" && !strings.Contains(source, "://") {
		full = strings.TrimSuffix(root, "/") + "/" + source
	}
	if u, err := url.Parse(full); err == nil && len(u.Scheme) > 1 {
		full = u.Host + "/" + u.Path
	}
	if i := strings.IndexAny(full, "?#"); i >= 0 {
		full = full[:i]
	}
	return archive.SanitizePath(full)
}
