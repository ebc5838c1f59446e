package service

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tieubaoca/workspace-assistant/types"
)

// Column aliases accepted in a flat export header.
var exportColumns = map[string][]string{
	"id":      {"id", "page_id", "issue_key", "key"},
	"title":   {"title", "summary", "name"},
	"space":   {"space", "space_key", "category", "project"},
	"version": {"version", "version_number"},
	"labels":  {"labels", "tags"},
	"excerpt": {"excerpt", "text", "body", "content"},
}

// LoadExport reads a per-source flat export snapshot.
func LoadExport(path string, source types.SourceSystem) ([]types.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseExport(f, source)
}

// ParseExport parses CSV with a header row. Rows without an id are skipped.
func ParseExport(r io.Reader, source types.SourceSystem) ([]types.Document, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("export is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read export header: %w", err)
	}
	cols := resolveColumns(header)
	if _, ok := cols["id"]; !ok {
		return nil, fmt.Errorf("export header %v has no id column", header)
	}

	var docs []types.Document
	seen := make(map[string]bool)
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read export line %d: %w", line, err)
		}
		get := func(name string) string {
			i, ok := cols[name]
			if !ok || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}
		id := get("id")
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		title := get("title")
		if title == "" {
			title = id
		}
		docs = append(docs, types.Document{
			ID:          id,
			Title:       title,
			Source:      source,
			Space:       get("space"),
			BodyExcerpt: types.TruncateExcerpt(strings.ReplaceAll(get("excerpt"), "\n", " "), types.MaxExcerptLength),
			Version:     get("version"),
			Labels:      splitLabels(get("labels")),
		})
	}
	return docs, nil
}

func resolveColumns(header []string) map[string]int {
	cols := make(map[string]int)
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		for name, aliases := range exportColumns {
			if _, done := cols[name]; done {
				continue
			}
			for _, a := range aliases {
				if h == a {
					cols[name] = i
				}
			}
		}
	}
	return cols
}

func splitLabels(s string) []string {
	if s == "" {
		return nil
	}
	var labels []string
	for _, l := range strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == ',' }) {
		if l = strings.TrimSpace(l); l != "" {
			labels = append(labels, l)
		}
	}
	return labels
}

// DocumentText is the text embedded for a document.
func DocumentText(doc types.Document) string {
	parts := []string{doc.Title, doc.ID}
	if len(doc.Labels) > 0 {
		parts = append(parts, strings.Join(doc.Labels, " "))
	}
	parts = append(parts, doc.BodyExcerpt)
	return strings.Join(parts, "\n")
}
