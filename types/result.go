package types

// Completeness reports how fully a specialist could answer.
type Completeness string

const (
	Complete   Completeness = "COMPLETE"
	Incomplete Completeness = "INCOMPLETE"
	TimedOut   Completeness = "TIMED_OUT"
)

type Citation struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Version string `json:"version,omitempty"`
}

// SourceResult is the answer of one specialist for one request.
type SourceResult struct {
	AgentName    string       `json:"agent_name"`
	Source       SourceSystem `json:"source_system"`
	Label        string       `json:"label"`
	AnswerText   string       `json:"answer_text"`
	Citations    []Citation   `json:"citations"`
	Completeness Completeness `json:"completeness"`
	Confidence   float32      `json:"confidence"`
	Note         string       `json:"note,omitempty"`

	// Documents backs the citations and is what synthesis reads assertions from.
	Documents []Document `json:"-"`
}

// CitationTitles returns the cited titles in order.
func (r SourceResult) CitationTitles() []string {
	titles := make([]string, 0, len(r.Citations))
	for _, c := range r.Citations {
		titles = append(titles, c.Title)
	}
	return titles
}

// SynthesizedResponse is the merged team answer.
type SynthesizedResponse struct {
	Query         string         `json:"query"`
	NarrativeText string         `json:"narrative_text"`
	PerSource     []SourceResult `json:"per_source"`
	Discrepancies []string       `json:"discrepancies"`
	CrossLinks    []string       `json:"cross_links,omitempty"`
	Insights      []string       `json:"insights,omitempty"`
}

// Get returns the result for the named agent.
func (r *SynthesizedResponse) Get(agentName string) (SourceResult, bool) {
	for _, res := range r.PerSource {
		if res.AgentName == agentName {
			return res, true
		}
	}
	return SourceResult{}, false
}
