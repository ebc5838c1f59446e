package service

import (
	"context"

	"github.com/tieubaoca/workspace-assistant/types"
)

// Reasoner decides the next step of the direct agent. It returns
// *types.UpstreamUnavailableError when the backend cannot be reached.
type Reasoner interface {
	Next(ctx context.Context, messages []types.Message, tools []types.ToolSpec) (*types.ReasoningStep, error)
}

const DirectAgentInstructions = `You are a workspace assistant with tools for Jira, Confluence and Notion.
Call at most one tool at a time. Use the tools to look up facts before answering and never invent issue keys, page titles or statuses.
When you have enough information, answer concisely and name the platform each fact came from.`
