package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tieubaoca/workspace-assistant/types"
)

func openAIStub(t *testing.T, status int, reply openai.ChatCompletionMessage, seen *openai.ChatCompletionRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		if seen != nil {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			ID:      "chatcmpl-1",
			Object:  "chat.completion",
			Model:   "gpt-4o",
			Choices: []openai.ChatCompletionChoice{{Index: 0, Message: reply}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIReasoner_ToolCall(t *testing.T) {
	var req openai.ChatCompletionRequest
	srv := openAIStub(t, http.StatusOK, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleAssistant,
		ToolCalls: []openai.ToolCall{
			{ID: "call_1", Type: openai.ToolTypeFunction, Function: openai.FunctionCall{Name: "jira_get_issue", Arguments: `{"issue_key":"PRJ-1"}`}},
			{ID: "call_2", Type: openai.ToolTypeFunction, Function: openai.FunctionCall{Name: "ignored", Arguments: `{}`}},
		},
	}, &req)
	r := NewOpenAIReasoner(srv.URL+"/v1", "test-key", "gpt-4o")

	step, err := r.Next(context.Background(), []types.Message{
		{Role: types.RoleSystem, Content: DirectAgentInstructions},
		{Role: types.RoleUser, Content: "status of PRJ-1"},
		{Role: types.RoleAssistant, ToolCall: &types.ToolCall{ID: "c0", Name: "search", Arguments: map[string]any{"q": "PRJ-1"}}},
		{Role: types.RoleTool, Content: "nothing", ToolCallID: "c0", ToolName: "search"},
	}, []types.ToolSpec{{Name: "jira_get_issue", Description: "Get issue", Parameters: map[string]any{"type": "object"}}})
	require.NoError(t, err)
	require.False(t, step.Done())
	assert.Equal(t, "call_1", step.ToolCall.ID)
	assert.Equal(t, "jira_get_issue", step.ToolCall.Name)
	assert.Equal(t, map[string]any{"issue_key": "PRJ-1"}, step.ToolCall.Arguments)

	assert.Equal(t, "gpt-4o", req.Model)
	require.Len(t, req.Messages, 4)
	assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	require.Len(t, req.Messages[2].ToolCalls, 1)
	assert.Equal(t, `{"q":"PRJ-1"}`, req.Messages[2].ToolCalls[0].Function.Arguments)
	assert.Equal(t, "c0", req.Messages[3].ToolCallID)
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "jira_get_issue", req.Tools[0].Function.Name)
}

func TestOpenAIReasoner_FinalAndFailures(t *testing.T) {
	srv := openAIStub(t, http.StatusOK, openai.ChatCompletionMessage{Role: "assistant", Content: "All good."}, nil)
	step, err := NewOpenAIReasoner(srv.URL+"/v1", "k", "gpt-4o").Next(context.Background(),
		[]types.Message{{Role: types.RoleUser, Content: "hi"}}, nil)
	require.NoError(t, err)
	assert.True(t, step.Done())
	assert.Equal(t, "All good.", step.Final)

	down := openAIStub(t, http.StatusServiceUnavailable, openai.ChatCompletionMessage{}, nil)
	_, err = NewOpenAIReasoner(down.URL+"/v1", "k", "gpt-4o").Next(context.Background(),
		[]types.Message{{Role: types.RoleUser, Content: "hi"}}, nil)
	assert.ErrorIs(t, err, types.ErrUpstreamUnavailable)

	limited := openAIStub(t, http.StatusTooManyRequests, openai.ChatCompletionMessage{}, nil)
	_, err = NewOpenAIReasoner(limited.URL+"/v1", "k", "gpt-4o").Next(context.Background(),
		[]types.Message{{Role: types.RoleUser, Content: "hi"}}, nil)
	assert.ErrorIs(t, err, types.ErrUpstreamUnavailable)
}

func TestOpenAIReasoner_RejectedRequests(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound} {
		srv := openAIStub(t, status, openai.ChatCompletionMessage{}, nil)
		_, err := NewOpenAIReasoner(srv.URL+"/v1", "bad-key", "gpt-4o").Next(context.Background(),
			[]types.Message{{Role: types.RoleUser, Content: "hi"}}, nil)
		require.Error(t, err, "status %d", status)
		assert.ErrorIs(t, err, types.ErrReasonerRejected, "status %d", status)
		assert.NotErrorIs(t, err, types.ErrUpstreamUnavailable, "status %d", status)
	}
}

func TestStepFromOpenAI_InvalidArguments(t *testing.T) {
	step := stepFromOpenAI(openai.ChatCompletionMessage{ToolCalls: []openai.ToolCall{
		{Function: openai.FunctionCall{Name: "search", Arguments: "{not json"}},
	}})
	require.NotNil(t, step.ToolCall)
	assert.NotEmpty(t, step.ToolCall.ID)
	assert.NotEmpty(t, step.ToolCall.Invalid)
}

func TestToGeminiContents(t *testing.T) {
	system, history, last := toGeminiContents([]types.Message{
		{Role: types.RoleSystem, Content: "be brief"},
		{Role: types.RoleUser, Content: "status of PRJ-1"},
		{Role: types.RoleAssistant, ToolCall: &types.ToolCall{Name: "jira_get_issue", Arguments: map[string]any{"issue_key": "PRJ-1"}}},
		{Role: types.RoleTool, Content: "In Progress", ToolName: "jira_get_issue"},
	})
	assert.Equal(t, "be brief", system)
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "model", history[1].Role)
	assert.Equal(t, genai.FunctionCall{Name: "jira_get_issue", Args: map[string]any{"issue_key": "PRJ-1"}}, history[1].Parts[0])
	require.NotNil(t, last)
	assert.Equal(t, genai.FunctionResponse{Name: "jira_get_issue", Response: map[string]any{"result": "In Progress"}}, last.Parts[0])

	_, _, none := toGeminiContents([]types.Message{{Role: types.RoleSystem, Content: "x"}})
	assert.Nil(t, none)
}

func TestToGeminiSchema(t *testing.T) {
	s := toGeminiSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"issue_key": map[string]any{"type": "string", "description": "Issue key"},
			"limit":     map[string]any{"type": "integer"},
			"labels":    map[string]any{"type": "array"},
			"status":    map[string]any{"type": "string", "enum": []any{"open", "done"}},
		},
		"required": []any{"issue_key"},
	})
	require.NotNil(t, s)
	assert.Equal(t, genai.TypeObject, s.Type)
	assert.Equal(t, []string{"issue_key"}, s.Required)
	assert.Equal(t, genai.TypeString, s.Properties["issue_key"].Type)
	assert.Equal(t, "Issue key", s.Properties["issue_key"].Description)
	assert.Equal(t, genai.TypeInteger, s.Properties["limit"].Type)
	assert.Equal(t, genai.TypeString, s.Properties["labels"].Items.Type)
	assert.Equal(t, []string{"open", "done"}, s.Properties["status"].Enum)

	assert.Nil(t, toGeminiSchema(map[string]any{"type": "object"}))
	assert.Nil(t, toGeminiSchema(nil))
}
