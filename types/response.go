package types

type ChatResponse struct {
	Response string `json:"response"`
}

type SourceInfo struct {
	Agent   string   `json:"agent"`
	Sources []string `json:"sources"`
	Status  string   `json:"status,omitempty"`
}

type TeamChatResponse struct {
	Responses     map[string]string `json:"responses"`
	Sources       []SourceInfo      `json:"sources"`
	Discrepancies []string          `json:"discrepancies,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// IndexStatus is the admin view of one source index.
type IndexStatus struct {
	Source     SourceSystem `json:"source"`
	Loaded     bool         `json:"loaded"`
	Generation uint64       `json:"generation"`
	Documents  int          `json:"documents"`
	Builds     int64        `json:"builds"`
	CacheHits  int64        `json:"cache_hits"`
	Error      string       `json:"error,omitempty"`
}

// NewTeamChatResponse converts a synthesis into the /team_chat wire shape.
func NewTeamChatResponse(res *SynthesizedResponse) TeamChatResponse {
	out := TeamChatResponse{
		Responses:     map[string]string{"team": res.NarrativeText},
		Sources:       make([]SourceInfo, 0, len(res.PerSource)),
		Discrepancies: res.Discrepancies,
	}
	for _, r := range res.PerSource {
		out.Sources = append(out.Sources, SourceInfo{
			Agent:   r.AgentName,
			Sources: r.CitationTitles(),
			Status:  string(r.Completeness),
		})
	}
	return out
}
