package types

import (
	"fmt"
	"strings"
)

// MaxExcerptLength bounds Document.BodyExcerpt, in runes.
const MaxExcerptLength = 500

// SourceSystem identifies one of the external knowledge platforms.
type SourceSystem string

const (
	SourceTracker SourceSystem = "TRACKER"
	SourceWiki    SourceSystem = "WIKI"
	SourceNotes   SourceSystem = "NOTES"
)

// SourceOrder is the fixed order used for per-source output.
var SourceOrder = []SourceSystem{SourceTracker, SourceWiki, SourceNotes}

var sourceLabels = map[SourceSystem]string{
	SourceTracker: "Jira",
	SourceWiki:    "Confluence",
	SourceNotes:   "Notion",
}

var sourceAgents = map[SourceSystem]string{
	SourceTracker: "Jira Project Management Specialist",
	SourceWiki:    "Confluence Knowledge Specialist",
	SourceNotes:   "Notion Knowledge Specialist",
}

// ParseSourceSystem accepts the enum value or the platform label, case-insensitively.
func ParseSourceSystem(s string) (SourceSystem, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	for _, src := range SourceOrder {
		if v == string(src) || v == strings.ToUpper(sourceLabels[src]) {
			return src, nil
		}
	}
	return "", fmt.Errorf("unknown source system %q", s)
}

// Label is the platform name used in attributions ("From Jira").
func (s SourceSystem) Label() string {
	if l, ok := sourceLabels[s]; ok {
		return l
	}
	return string(s)
}

// AgentName is the fixed name of the specialist bound to the source.
func (s SourceSystem) AgentName() string {
	if n, ok := sourceAgents[s]; ok {
		return n
	}
	return string(s) + " Specialist"
}

func (s SourceSystem) Valid() bool {
	_, ok := sourceLabels[s]
	return ok
}

// Document is one retrievable unit from a source: a ticket, a page or a note.
// Documents are immutable once loaded from the export.
type Document struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Source      SourceSystem `json:"source_system"`
	Space       string       `json:"space,omitempty"`
	BodyExcerpt string       `json:"body_excerpt"`
	Version     string       `json:"version,omitempty"`
	Labels      []string     `json:"labels,omitempty"`
}

// ScoredDocument is a retrieval hit; higher Score is more similar.
type ScoredDocument struct {
	Document
	Score float32 `json:"score"`
}

// TruncateExcerpt trims s to at most max runes.
func TruncateExcerpt(s string, max int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
