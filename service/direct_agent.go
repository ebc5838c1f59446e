package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tieubaoca/workspace-assistant/types"
	"github.com/tieubaoca/workspace-assistant/utils"
	"go.uber.org/zap"
)

type DirectAgentOptions struct {
	MaxRounds   int
	RetryBudget int
	CallTimeout time.Duration
}

// DirectToolAgent answers by letting a reasoner drive remote tools, one tool
// call per round.
type DirectToolAgent struct {
	reasoner  Reasoner
	transport ToolTransport
	opts      DirectAgentOptions
	logger    *zap.Logger
}

func NewDirectToolAgent(reasoner Reasoner, transport ToolTransport, opts DirectAgentOptions, logger *zap.Logger) *DirectToolAgent {
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = 8
	}
	if opts.RetryBudget < 0 {
		opts.RetryBudget = 0
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 45 * time.Second
	}
	return &DirectToolAgent{reasoner: reasoner, transport: transport, opts: opts, logger: logger}
}

// Answer returns the final text. Tool failures within the retry budget are
// fed back to the reasoner; beyond it the answer is degraded. A reasoner
// failure is returned as *types.UpstreamUnavailableError unless the backend
// rejected the request (types.ErrReasonerRejected), and a tool listing
// failure as *types.ToolInvocationError.
func (a *DirectToolAgent) Answer(ctx context.Context, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", types.ErrEmptyMessage
	}
	tools, err := a.transport.ListTools(ctx)
	if err != nil {
		return "", &types.ToolInvocationError{Tool: "list_tools", Err: err}
	}
	available := make(map[string]bool, len(tools))
	for _, t := range tools {
		available[t.Name] = true
	}

	messages := []types.Message{
		{Role: types.RoleSystem, Content: DirectAgentInstructions},
		{Role: types.RoleUser, Content: query},
	}
	failures := 0
	for round := 1; round <= a.opts.MaxRounds; round++ {
		step, err := a.reasoner.Next(ctx, messages, tools)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			var upstream *types.UpstreamUnavailableError
			if !errors.As(err, &upstream) && !errors.Is(err, types.ErrReasonerRejected) {
				err = &types.UpstreamUnavailableError{Provider: "reasoner", Err: err}
			}
			a.logger.Error("Reasoning backend failed", zap.Int("round", round), zap.Error(err))
			return "", err
		}
		if step.Done() {
			a.logger.Debug("Direct answer ready", zap.Int("rounds", round), zap.Int("tool_failures", failures))
			if strings.TrimSpace(step.Final) == "" {
				return "I could not find an answer to that question in the connected workspace tools.", nil
			}
			return step.Final, nil
		}

		call := step.ToolCall
		messages = append(messages, types.Message{Role: types.RoleAssistant, ToolCall: call})
		out, err := a.invoke(ctx, call, available)
		if err != nil {
			failures++
			a.logger.Warn("Tool call failed",
				zap.String("tool", call.Name),
				zap.Int("failures", failures),
				zap.Error(err))
			if failures > a.opts.RetryBudget {
				return fmt.Sprintf("I could not complete this request because the workspace tools kept failing (%d failed calls, last one to %q). "+
					"The answer would be incomplete, so please try again later.", failures, call.Name), nil
			}
			out = fmt.Sprintf("The call to %s failed: %v", call.Name, err)
		} else {
			a.logger.Debug("Tool call",
				zap.String("tool", call.Name),
				zap.String("result", utils.TruncateString(out, 200)))
		}
		messages = append(messages, types.Message{
			Role:       types.RoleTool,
			Content:    out,
			ToolCallID: call.ID,
			ToolName:   call.Name,
		})
	}

	a.logger.Warn("Tool round limit reached", zap.Int("max_rounds", a.opts.MaxRounds))
	return fmt.Sprintf("I could not reach a final answer within %d tool calls, so this answer is incomplete. "+
		"Try a narrower question.", a.opts.MaxRounds), nil
}

func (a *DirectToolAgent) invoke(ctx context.Context, call *types.ToolCall, available map[string]bool) (string, error) {
	if call.Invalid != "" {
		return "", &types.ToolInvocationError{Tool: call.Name, Err: errors.New(call.Invalid)}
	}
	if !available[call.Name] {
		return "", &types.ToolInvocationError{Tool: call.Name, Err: errors.New("no such tool")}
	}
	cctx, cancel := context.WithTimeout(ctx, a.opts.CallTimeout)
	defer cancel()
	return a.transport.CallTool(cctx, call.Name, call.Arguments)
}

func (a *DirectToolAgent) Close() error {
	return a.transport.Close()
}
