package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tieubaoca/workspace-assistant/types"
	"go.uber.org/zap"
)

const answerExcerptLength = 240

// Specialist answers a query from exactly one source system.
type Specialist interface {
	Name() string
	Source() types.SourceSystem
	Answer(ctx context.Context, query string) types.SourceResult
}

type SpecialistProfile struct {
	Source    types.SourceSystem
	Label     string
	AgentName string
	// ItemNoun names one document in answers ("issue", "page", "note").
	ItemNoun string
	TopK     int
	MinScore float32
}

var itemNouns = map[types.SourceSystem]string{
	types.SourceTracker: "issue",
	types.SourceWiki:    "page",
	types.SourceNotes:   "note",
}

func DefaultProfile(source types.SourceSystem) SpecialistProfile {
	noun, ok := itemNouns[source]
	if !ok {
		noun = "document"
	}
	return SpecialistProfile{
		Source:    source,
		Label:     source.Label(),
		AgentName: source.AgentName(),
		ItemNoun:  noun,
		TopK:      5,
	}
}

// KnowledgeSpecialist answers strictly from documents retrieved from its index.
type KnowledgeSpecialist struct {
	profile SpecialistProfile
	handle  *IndexHandle
	logger  *zap.Logger
}

func NewKnowledgeSpecialist(handle *IndexHandle, profile SpecialistProfile, logger *zap.Logger) *KnowledgeSpecialist {
	if profile.TopK <= 0 {
		profile.TopK = 5
	}
	return &KnowledgeSpecialist{
		profile: profile,
		handle:  handle,
		logger:  logger.With(zap.String("agent", profile.AgentName)),
	}
}

func (s *KnowledgeSpecialist) Name() string               { return s.profile.AgentName }
func (s *KnowledgeSpecialist) Source() types.SourceSystem { return s.profile.Source }

func (s *KnowledgeSpecialist) Answer(ctx context.Context, query string) types.SourceResult {
	ix, release, err := s.handle.Acquire(ctx)
	if err != nil {
		s.logger.Warn("Index unavailable", zap.Error(err))
		return s.degraded()
	}
	defer release()

	hits, err := ix.Query(ctx, query, s.profile.TopK)
	if err != nil {
		if !errors.Is(err, types.ErrRetrievalDegraded) {
			s.logger.Error("Unexpected query failure", zap.Error(err))
		} else {
			s.logger.Warn("Retrieval degraded", zap.Error(err))
		}
		return s.degraded()
	}

	relevant := hits[:0:0]
	for _, h := range hits {
		if h.Score > s.profile.MinScore {
			relevant = append(relevant, h)
		}
	}
	if len(relevant) == 0 {
		return s.result(types.Incomplete,
			fmt.Sprintf("From %s: no relevant information was found in %s for this query.", s.profile.Label, s.profile.Label),
			nil, 0, "")
	}
	return s.compose(relevant)
}

func (s *KnowledgeSpecialist) compose(hits []types.ScoredDocument) types.SourceResult {
	noun := s.profile.ItemNoun
	if len(hits) != 1 {
		noun += "s"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From %s (%d relevant %s):", s.profile.Label, len(hits), noun)
	for _, h := range hits {
		b.WriteString("\n- ")
		b.WriteString(describeDocument(h.Document))
	}
	return s.result(types.Complete, b.String(), hits, clampScore(hits[0].Score), "")
}

func (s *KnowledgeSpecialist) degraded() types.SourceResult {
	return failedResult(s)
}

func (s *KnowledgeSpecialist) result(c types.Completeness, text string, hits []types.ScoredDocument, confidence float32, note string) types.SourceResult {
	res := types.SourceResult{
		AgentName:    s.profile.AgentName,
		Source:       s.profile.Source,
		Label:        s.profile.Label,
		AnswerText:   text,
		Citations:    []types.Citation{},
		Completeness: c,
		Confidence:   confidence,
		Note:         note,
	}
	for _, h := range hits {
		res.Citations = append(res.Citations, types.Citation{ID: h.ID, Title: h.Title, Version: h.Version})
		res.Documents = append(res.Documents, h.Document)
	}
	return res
}

// DegradedNote is the only failure detail a caller ever sees for a source.
func DegradedNote(label string) string {
	return fmt.Sprintf("%s results are temporarily unavailable; the answer may be incomplete.", label)
}

func describeDocument(d types.Document) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %q", d.ID, d.Title)
	var meta []string
	if d.Space != "" {
		meta = append(meta, "space "+d.Space)
	}
	if d.Version != "" {
		meta = append(meta, "v"+d.Version)
	}
	if len(d.Labels) > 0 {
		meta = append(meta, "labels: "+strings.Join(d.Labels, ", "))
	}
	if len(meta) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(meta, "; "))
	}
	if excerpt := types.TruncateExcerpt(d.BodyExcerpt, answerExcerptLength); excerpt != "" {
		b.WriteString(": ")
		b.WriteString(excerpt)
	}
	return b.String()
}

func clampScore(s float32) float32 {
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}
