package service

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/tieubaoca/workspace-assistant/types"
)

const (
	maxOpenItemInsights     = 5
	maxUndocumentedInsights = 3

	statusAlternation = `done|closed|resolved|completed|complete|finished|shipped|in progress|in-progress|in review|doing|started|ongoing|wip|open|to do|todo|backlog|not started|blocked|on hold`
)

var (
	issueKeyPattern = regexp.MustCompile(`\b[A-Z][A-Z0-9]+-\d+\b`)
	fieldPattern    = regexp.MustCompile(`(?i)\b(status|state|owner|assignee|assigned to|priority|due date|due|deadline|target release|fix version|release)\s*[:=]\s*([^.;,|\n]+)`)
	inlineStatus    = regexp.MustCompile(`\b([A-Z][A-Z0-9]+-\d+)\b\s*(?:[:(\-]\s*|is\s+)(?i:(` + statusAlternation + `))\b`)
	// namedStatus is a "<name>: <status>" clause at the start of a line,
	// bullet or sentence.
	namedStatus = regexp.MustCompile(`(?m)(?:^[ \t]*(?:[-*•][ \t]+)?|[.;!?|][ \t]+)([A-Za-z0-9][A-Za-z0-9 #/_'&]{0,47})[ \t]*[:\-][ \t]*(?i:(` + statusAlternation + `))\b`)
	nonWord     = regexp.MustCompile(`[^a-z0-9]+`)
)

var fieldSynonyms = map[string]string{
	"status":         "status",
	"state":          "status",
	"owner":          "owner",
	"assignee":       "owner",
	"assigned to":    "owner",
	"priority":       "priority",
	"due":            "due",
	"due date":       "due",
	"deadline":       "due",
	"release":        "release",
	"target release": "release",
	"fix version":    "release",
}

// Status words are matched as prefixes of the asserted value, longest first.
var statusWords = []struct{ word, canonical string }{
	{"not started", "open"},
	{"in progress", "in progress"},
	{"in-progress", "in progress"},
	{"in review", "in progress"},
	{"completed", "done"},
	{"complete", "done"},
	{"finished", "done"},
	{"resolved", "done"},
	{"shipped", "done"},
	{"closed", "done"},
	{"done", "done"},
	{"ongoing", "in progress"},
	{"started", "in progress"},
	{"doing", "in progress"},
	{"wip", "in progress"},
	{"on hold", "blocked"},
	{"blocked", "blocked"},
	{"backlog", "open"},
	{"to do", "open"},
	{"todo", "open"},
	{"open", "open"},
	{"new", "open"},
}

type factKey struct {
	entity string
	key    string
}

type assertion struct {
	display string
	raw     string
	value   string
	doc     string
}

type entityRef struct {
	display string
	doc     string
}

// sourceFacts is what one SourceResult contributes to the merge.
type sourceFacts struct {
	result     types.SourceResult
	defined    map[string]entityRef
	definedSeq []string
	mentions   map[string]string
	assertions map[factKey]assertion
	factSeq    []factKey
}

// MergeResults turns the per-source results into the team answer. It only
// uses information present in the results.
func MergeResults(query string, results []types.SourceResult) *types.SynthesizedResponse {
	facts := make([]*sourceFacts, 0, len(results))
	for _, r := range results {
		facts = append(facts, extractFacts(r))
	}
	assertDefinedStatuses(facts)
	discrepancies, conflicts := findDiscrepancies(facts)
	links := findCrossLinks(facts)
	insights := deriveInsights(facts, conflicts)

	resp := &types.SynthesizedResponse{
		Query:         query,
		PerSource:     results,
		Discrepancies: discrepancies,
		CrossLinks:    links,
		Insights:      insights,
	}
	resp.NarrativeText = renderNarrative(query, results, links, discrepancies, insights)
	return resp
}

func extractFacts(r types.SourceResult) *sourceFacts {
	f := &sourceFacts{
		result:     r,
		defined:    make(map[string]entityRef),
		mentions:   make(map[string]string),
		assertions: make(map[factKey]assertion),
	}
	for _, d := range r.Documents {
		display := documentEntity(d)
		entity := normaliseEntity(display)
		if entity == "" {
			continue
		}
		if _, ok := f.defined[entity]; !ok {
			f.defined[entity] = entityRef{display: display, doc: d.Title}
			f.definedSeq = append(f.definedSeq, entity)
		}

		text := d.Title + "\n" + d.BodyExcerpt + "\n" + strings.Join(d.Labels, "\n")
		for _, key := range issueKeyPattern.FindAllString(text, -1) {
			if _, ok := f.mentions[key]; !ok {
				f.mentions[key] = d.Title
			}
		}
		for _, m := range fieldPattern.FindAllStringSubmatch(text, -1) {
			key := fieldSynonyms[strings.ToLower(m[1])]
			f.assert(factKey{entity, key}, display, strings.TrimSpace(m[2]), d.Title)
		}
		for _, m := range inlineStatus.FindAllStringSubmatch(text, -1) {
			f.assert(factKey{normaliseEntity(m[1]), "status"}, m[1], m[2], d.Title)
		}
		for _, m := range namedStatus.FindAllStringSubmatch(text, -1) {
			if name, ok := statusSubject(m[1]); ok {
				f.assert(factKey{normaliseEntity(name), "status"}, name, m[2], d.Title)
			}
		}
		for _, l := range d.Labels {
			if _, ok := canonicalStatus(l); ok {
				f.assert(factKey{entity, "status"}, display, l, d.Title)
			}
		}
	}
	return f
}

// statusSubject trims a "<name> status" phrase to its name and rejects
// phrases that are field names or status words themselves.
func statusSubject(phrase string) (string, bool) {
	name := strings.TrimSpace(phrase)
	lower := strings.ToLower(name)
	for _, suffix := range []string{" status", " state"} {
		if strings.HasSuffix(lower, suffix) {
			name = strings.TrimSpace(name[:len(name)-len(suffix)])
			lower = strings.ToLower(name)
		}
	}
	if name == "" {
		return "", false
	}
	if _, ok := fieldSynonyms[lower]; ok {
		return "", false
	}
	if _, ok := canonicalStatus(lower); ok {
		return "", false
	}
	return name, true
}

// assertDefinedStatuses finds "<entity>: <status>" anywhere in a document
// for every titled entity any source defines. A source may state the status
// of an entity it never titles a document after.
func assertDefinedStatuses(facts []*sourceFacts) {
	type named struct {
		entity  string
		display string
		re      *regexp.Regexp
	}
	var entities []named
	seen := make(map[string]bool)
	for _, f := range facts {
		for _, e := range f.definedSeq {
			if seen[e] || issueKeyPattern.MatchString(e) {
				continue
			}
			seen[e] = true
			words := strings.Fields(e)
			for i, w := range words {
				words[i] = regexp.QuoteMeta(w)
			}
			re := regexp.MustCompile(`(?i)\b` + strings.Join(words, `[^a-z0-9]+`) + `[ \t]*[:\-][ \t]*(` + statusAlternation + `)\b`)
			entities = append(entities, named{entity: e, display: f.defined[e].display, re: re})
		}
	}
	for _, f := range facts {
		for _, d := range f.result.Documents {
			text := d.Title + "\n" + d.BodyExcerpt
			for _, n := range entities {
				if m := n.re.FindStringSubmatch(text); m != nil {
					f.assert(factKey{n.entity, "status"}, n.display, m[1], d.Title)
				}
			}
		}
	}
}

// assert keeps the highest ranked assertion per entity and key.
func (f *sourceFacts) assert(k factKey, display, raw, doc string) {
	if k.entity == "" || raw == "" {
		return
	}
	if _, ok := f.assertions[k]; ok {
		return
	}
	f.assertions[k] = assertion{display: display, raw: raw, value: canonicalValue(k.key, raw), doc: doc}
	f.factSeq = append(f.factSeq, k)
}

// documentEntity is the tracker key a document is about, else its title.
func documentEntity(d types.Document) string {
	if issueKeyPattern.FindString(d.ID) == d.ID && d.ID != "" {
		return d.ID
	}
	if key := issueKeyPattern.FindString(d.Title); key != "" {
		return key
	}
	return strings.TrimSpace(d.Title)
}

func normaliseEntity(s string) string {
	if issueKeyPattern.MatchString(s) && issueKeyPattern.FindString(s) == s {
		return s
	}
	return strings.Trim(nonWord.ReplaceAllString(strings.ToLower(s), " "), " ")
}

func canonicalStatus(raw string) (string, bool) {
	v := strings.Join(strings.Fields(strings.ToLower(raw)), " ")
	for _, w := range statusWords {
		if v == w.word || strings.HasPrefix(v, w.word+" ") {
			return w.canonical, true
		}
	}
	return "", false
}

func canonicalValue(key, raw string) string {
	if key == "status" {
		if v, ok := canonicalStatus(raw); ok {
			return v
		}
	}
	return strings.Join(strings.Fields(strings.ToLower(raw)), " ")
}

type conflict struct {
	entity string
	key    string
	first  types.SourceSystem
	second types.SourceSystem
}

func findDiscrepancies(facts []*sourceFacts) ([]string, []conflict) {
	out := []string{}
	var conflicts []conflict
	seen := make(map[factKey]bool)
	for i, a := range facts {
		for _, k := range a.factSeq {
			if seen[k] {
				continue
			}
			first := a.assertions[k]
			for _, b := range facts[i+1:] {
				other, ok := b.assertions[k]
				if !ok || other.value == first.value {
					continue
				}
				seen[k] = true
				out = append(out, fmt.Sprintf("%s: %s is %q in %s (%s) but %q in %s (%s)",
					first.display, k.key,
					first.raw, a.result.Label, first.doc,
					other.raw, b.result.Label, other.doc))
				conflicts = append(conflicts, conflict{
					entity: first.display,
					key:    k.key,
					first:  a.result.Source,
					second: b.result.Source,
				})
			}
		}
	}
	return out, conflicts
}

func findCrossLinks(facts []*sourceFacts) []string {
	var out []string
	seen := make(map[string]bool)
	for i, a := range facts {
		for _, entity := range a.definedSeq {
			ref := a.defined[entity]
			for j, b := range facts {
				if i == j {
					continue
				}
				if other, ok := b.defined[entity]; ok {
					pair := entity + "|" + string(min(a.result.Source, b.result.Source)) + "|" + string(max(a.result.Source, b.result.Source))
					if seen[pair] {
						continue
					}
					seen[pair] = true
					out = append(out, fmt.Sprintf("%s appears in both %s (%s) and %s (%s)",
						ref.display, a.result.Label, ref.doc, b.result.Label, other.doc))
					continue
				}
				if doc, ok := b.mentions[entity]; ok {
					link := entity + "|" + string(a.result.Source) + ">" + string(b.result.Source)
					if seen[link] {
						continue
					}
					seen[link] = true
					out = append(out, fmt.Sprintf("%s from %s is referenced in %s (%s)",
						ref.display, a.result.Label, b.result.Label, doc))
				}
			}
		}
	}
	return out
}

func deriveInsights(facts []*sourceFacts, conflicts []conflict) []string {
	var out []string
	for _, c := range conflicts {
		out = append(out, fmt.Sprintf("Reconcile the %s of %s between %s and %s.",
			c.key, c.entity, c.first.Label(), c.second.Label()))
	}

	var tracker *sourceFacts
	documented := make(map[string]bool)
	for _, f := range facts {
		if f.result.Source == types.SourceTracker {
			tracker = f
			continue
		}
		if f.result.Completeness != types.Complete {
			continue
		}
		for e := range f.defined {
			documented[e] = true
		}
		for e := range f.mentions {
			documented[e] = true
		}
	}

	if tracker != nil {
		open := 0
		for _, k := range tracker.factSeq {
			if k.key != "status" || open == maxOpenItemInsights {
				continue
			}
			a := tracker.assertions[k]
			if a.value == "done" {
				continue
			}
			line := fmt.Sprintf("Follow up on %s, which is %q in %s", a.display, a.raw, tracker.result.Label)
			if owner, ok := tracker.assertions[factKey{k.entity, "owner"}]; ok {
				line += fmt.Sprintf(" (owner: %s)", owner.raw)
			}
			out = append(out, line+".")
			open++
		}

		if len(documented) > 0 {
			undocumented := 0
			for _, e := range tracker.definedSeq {
				if documented[e] || undocumented == maxUndocumentedInsights {
					continue
				}
				out = append(out, fmt.Sprintf("%s has no matching documentation outside %s; consider documenting it.",
					tracker.defined[e].display, tracker.result.Label))
				undocumented++
			}
		}
	}

	for _, f := range facts {
		switch f.result.Completeness {
		case types.TimedOut:
			out = append(out, fmt.Sprintf("%s did not respond in time; retry for a complete picture.", f.result.Label))
		case types.Incomplete:
			if f.result.Note != "" {
				out = append(out, fmt.Sprintf("%s could not be searched; retry once it is available.", f.result.Label))
			} else {
				out = append(out, fmt.Sprintf("%s had no relevant information; check it directly or broaden the question.", f.result.Label))
			}
		}
	}

	if len(out) == 0 {
		out = append(out, "No follow-up actions were identified in the retrieved information.")
	}
	return out
}

func renderNarrative(query string, results []types.SourceResult, links, discrepancies, insights []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Team answer for %q\n", query)

	var answered, missing []string
	for _, r := range results {
		if r.Completeness == types.Complete {
			answered = append(answered, r.Label)
		} else {
			missing = append(missing, fmt.Sprintf("%s (%s)", r.Label, strings.ToLower(strings.ReplaceAll(string(r.Completeness), "_", " "))))
		}
	}
	if len(answered) > 0 {
		fmt.Fprintf(&b, "Answered by: %s.", strings.Join(answered, ", "))
	}
	if len(missing) > 0 {
		if len(answered) > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "Not covered: %s.", strings.Join(missing, ", "))
	}
	b.WriteString("\n")

	// Sources most central to the question come first.
	ordered := append([]types.SourceResult(nil), results...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Confidence > ordered[j].Confidence
	})
	for _, r := range ordered {
		b.WriteString("\n")
		b.WriteString(r.AnswerText)
		b.WriteString("\n")
		if r.Note != "" {
			fmt.Fprintf(&b, "Note: %s\n", r.Note)
		}
	}

	if len(links) > 0 {
		b.WriteString("\nCross-source links:\n")
		writeBullets(&b, links)
	}
	b.WriteString("\nDiscrepancies:\n")
	if len(discrepancies) == 0 {
		b.WriteString("- None detected across the sources.\n")
	} else {
		writeBullets(&b, discrepancies)
	}
	b.WriteString("\nActionable insights:\n")
	writeBullets(&b, insights)
	return strings.TrimRight(b.String(), "\n")
}

func writeBullets(b *strings.Builder, items []string) {
	for _, item := range items {
		b.WriteString("- ")
		b.WriteString(item)
		b.WriteString("\n")
	}
}
