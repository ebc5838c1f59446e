package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"github.com/tieubaoca/workspace-assistant/types"
)

type OpenAIReasoner struct {
	client *openai.Client
	model  string
}

func NewOpenAIReasoner(baseURL string, apiKey, model string) *OpenAIReasoner {
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = baseURL
	return &OpenAIReasoner{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}
}

func (r *OpenAIReasoner) Next(ctx context.Context, messages []types.Message, tools []types.ToolSpec) (*types.ReasoningStep, error) {
	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    r.model,
		Messages: toOpenAIMessages(messages),
		Tools:    toOpenAITools(tools),
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &types.UpstreamUnavailableError{Provider: "openai", Err: errors.New("no response generated")}
	}
	return stepFromOpenAI(resp.Choices[0].Message), nil
}

// classifyOpenAIError treats transport failures, 429 and 5xx as an outage.
// Other 4xx responses are rejections the caller must not retry elsewhere.
func classifyOpenAIError(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		return fmt.Errorf("%w: openai status %d: %v", types.ErrReasonerRejected, status, err)
	}
	return &types.UpstreamUnavailableError{Provider: "openai", Err: err}
}

// stepFromOpenAI keeps only the first tool call; one round is one call.
func stepFromOpenAI(msg openai.ChatCompletionMessage) *types.ReasoningStep {
	if len(msg.ToolCalls) == 0 {
		return &types.ReasoningStep{Final: msg.Content}
	}
	tc := msg.ToolCalls[0]
	call := &types.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: map[string]any{}}
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &call.Arguments); err != nil {
			call.Arguments = nil
			call.Invalid = fmt.Sprintf("arguments are not a JSON object: %v", err)
		}
	}
	return &types.ReasoningStep{ToolCall: call}
}

func toOpenAIMessages(messages []types.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case types.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: msg.Content})
		case types.RoleAssistant:
			m := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			if msg.ToolCall != nil {
				args, _ := json.Marshal(msg.ToolCall.Arguments)
				m.ToolCalls = []openai.ToolCall{{
					ID:   msg.ToolCall.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      msg.ToolCall.Name,
						Arguments: string(args),
					},
				}}
			}
			out = append(out, m)
		case types.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				Name:       msg.ToolName,
				ToolCallID: msg.ToolCallID,
			})
		default:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Content})
		}
	}
	return out
}

func toOpenAITools(tools []types.ToolSpec) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
