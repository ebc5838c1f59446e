package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tieubaoca/workspace-assistant/types"
	"go.uber.org/zap"
)

// TeamCoordinator fans a query out to one specialist per source and merges
// the answers.
type TeamCoordinator struct {
	specialists []Specialist
	timeout     time.Duration
	logger      *zap.Logger
}

// NewTeamCoordinator requires exactly one specialist for each source system.
func NewTeamCoordinator(specialists []Specialist, timeout time.Duration, logger *zap.Logger) (*TeamCoordinator, error) {
	bySource := make(map[types.SourceSystem]Specialist, len(specialists))
	for _, sp := range specialists {
		if !sp.Source().Valid() {
			return nil, fmt.Errorf("specialist %q has unknown source %q", sp.Name(), sp.Source())
		}
		if _, dup := bySource[sp.Source()]; dup {
			return nil, fmt.Errorf("more than one specialist for %s", sp.Source())
		}
		bySource[sp.Source()] = sp
	}
	ordered := make([]Specialist, 0, len(types.SourceOrder))
	for _, source := range types.SourceOrder {
		sp, ok := bySource[source]
		if !ok {
			return nil, fmt.Errorf("no specialist for %s", source)
		}
		ordered = append(ordered, sp)
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &TeamCoordinator{specialists: ordered, timeout: timeout, logger: logger}, nil
}

func (c *TeamCoordinator) Synthesize(ctx context.Context, query string) (*types.SynthesizedResponse, error) {
	return c.SynthesizeWithProgress(ctx, query, nil)
}

type dispatchResult struct {
	slot   int
	result types.SourceResult
}

// SynthesizeWithProgress is Synthesize that also reports each source's result
// as soon as it is available. progress runs on the caller's goroutine.
func (c *TeamCoordinator) SynthesizeWithProgress(ctx context.Context, query string, progress func(types.SourceResult)) (*types.SynthesizedResponse, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, types.ErrEmptyMessage
	}
	start := time.Now()

	done := make(chan dispatchResult, len(c.specialists))
	for i, sp := range c.specialists {
		go func() {
			done <- dispatchResult{slot: i, result: c.dispatch(ctx, sp, query)}
		}()
	}

	results := make([]types.SourceResult, len(c.specialists))
	for range c.specialists {
		select {
		case <-ctx.Done():
			c.logger.Warn("Team request abandoned", zap.Error(ctx.Err()), zap.Duration("after", time.Since(start)))
			return nil, ctx.Err()
		case d := <-done:
			results[d.slot] = d.result
			if progress != nil {
				progress(d.result)
			}
		}
	}

	resp := MergeResults(query, results)
	c.logger.Info("Team answer ready",
		zap.Duration("took", time.Since(start)),
		zap.Int("discrepancies", len(resp.Discrepancies)))
	return resp, nil
}

// dispatch never takes longer than the per-specialist budget.
func (c *TeamCoordinator) dispatch(ctx context.Context, sp Specialist, query string) types.SourceResult {
	dctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	answered := make(chan types.SourceResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("Specialist panicked", zap.String("agent", sp.Name()), zap.Any("panic", r))
				answered <- failedResult(sp)
			}
		}()
		answered <- sp.Answer(dctx, query)
	}()

	select {
	case res := <-answered:
		return normaliseResult(sp, res)
	case <-dctx.Done():
		c.logger.Warn("Specialist timed out",
			zap.String("agent", sp.Name()),
			zap.Error(fmt.Errorf("%w: %v", types.ErrSpecialistTimeout, dctx.Err())))
		return timedOutResult(sp, c.timeout)
	}
}

func normaliseResult(sp Specialist, res types.SourceResult) types.SourceResult {
	res.AgentName = sp.Name()
	res.Source = sp.Source()
	res.Label = sp.Source().Label()
	if res.Citations == nil {
		res.Citations = []types.Citation{}
	}
	if res.Completeness == "" {
		res.Completeness = types.Incomplete
	}
	return res
}

func timedOutResult(sp Specialist, budget time.Duration) types.SourceResult {
	label := sp.Source().Label()
	return types.SourceResult{
		AgentName:    sp.Name(),
		Source:       sp.Source(),
		Label:        label,
		AnswerText:   fmt.Sprintf("From %s: no answer within the %s time budget.", label, budget),
		Citations:    []types.Citation{},
		Completeness: types.TimedOut,
	}
}

func failedResult(sp Specialist) types.SourceResult {
	label := sp.Source().Label()
	return types.SourceResult{
		AgentName:    sp.Name(),
		Source:       sp.Source(),
		Label:        label,
		AnswerText:   fmt.Sprintf("From %s: search is temporarily unavailable, so this source could not be consulted.", label),
		Citations:    []types.Citation{},
		Completeness: types.Incomplete,
		Note:         DegradedNote(label),
	}
}
