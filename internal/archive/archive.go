// Package archive expands container bytes into flat text entries.
package archive

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"

	"github.com/JakeFAU/sourcemap-collector/internal/collector"
)

const utf8BOM = "\uFEFF"

// Entry is one expanded file.
type Entry struct {
	Path        string
	Content     string
	Size        int64
	ContentType string
}

// Expand enumerates every non-directory entry of a zip archive and decodes it
// as UTF-8 text. An entry that cannot be read or decoded is reported in the
// returned errors and skipped; the remaining entries are still returned.
// Only a container that cannot be opened at all yields no entries.
func Expand(data []byte) ([]Entry, []error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, []error{collector.E(collector.KindDecode, "open archive", err)}
	}
	entries := make([]Entry, 0, len(reader.File))
	var errs []error
	for _, file := range reader.File {
		if file.FileInfo().IsDir() || strings.HasSuffix(file.Name, "/") {
			continue
		}
		entry, err := readEntry(file)
		if err != nil {
			errs = append(errs, collector.E(collector.KindDecode, "expand "+file.Name, err))
			continue
		}
		entries = append(entries, entry)
	}
	return entries, errs
}

func readEntry(file *zip.File) (Entry, error) {
	rc, err := file.Open()
	if err != nil {
		return Entry{}, fmt.Errorf("open entry: %w", err)
	}
	defer func() { _ = rc.Close() }()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return Entry{}, fmt.Errorf("read entry: %w", err)
	}
	return NewEntry(file.Name, raw)
}

// NewEntry builds an Entry from raw bytes, rejecting content that is not UTF-8 text.
func NewEntry(name string, raw []byte) (Entry, error) {
	if !utf8.Valid(raw) {
		return Entry{}, fmt.Errorf("entry %s is not valid UTF-8", name)
	}
	content := strings.TrimPrefix(string(raw), utf8BOM)
	return Entry{
		Path:        SanitizePath(name),
		Content:     content,
		Size:        int64(len(content)),
		ContentType: DetectContentType(name, []byte(content)),
	}, nil
}

// DetectContentType sniffs content, falling back to the file extension for
// plain text that sniffing cannot tell apart.
func DetectContentType(name string, content []byte) string {
	detected := mimetype.Detect(content)
	if !detected.Is("text/plain") {
		return detected.String()
	}
	switch strings.ToLower(path.Ext(name)) {
	case ".js", ".mjs", ".cjs", ".jsx":
		return "text/javascript"
	case ".ts", ".tsx":
		return "text/x-typescript"
	case ".css", ".scss", ".less":
		return "text/css"
	case ".map":
		return "application/json"
	}
	return detected.String()
}

// SanitizePath normalizes an archive-relative path so it cannot escape its root.
func SanitizePath(p string) string {
	s := strings.ReplaceAll(p, "\\", "/")
	s = strings.ReplaceAll(s, "\x00", "_")
	if len(s) > 1 && s[1] == ':' {
		s = s[2:]
	}
	s = strings.TrimLeft(s, "/")
	parts := strings.Split(s, "/")
	stack := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			if n := len(stack); n > 0 {
				stack = stack[:n-1]
			}
			continue
		}
		stack = append(stack, part)
	}
	return strings.Join(stack, "/")
}

// ToParsed converts entries into storable rows for owner. ids supplies row IDs.
func ToParsed(owner collector.EntryOwner, entries []Entry, ids collector.IDGenerator) ([]collector.ParsedEntry, error) {
	out := make([]collector.ParsedEntry, 0, len(entries))
	for _, e := range entries {
		id, err := ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("entry id: %w", err)
		}
		row := collector.ParsedEntry{
			ID:          id,
			Path:        e.Path,
			Content:     e.Content,
			Size:        e.Size,
			ContentType: e.ContentType,
		}
		switch owner.Kind {
		case collector.OwnerCrx:
			row.CrxFileID = owner.ID
		default:
			row.SourceMapFileID = owner.ID
		}
		out = append(out, row)
	}
	return out, nil
}
