package service

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"github.com/tieubaoca/workspace-assistant/types"
	"google.golang.org/api/option"
)

type GeminiReasoner struct {
	apiKeys    []string
	currentKey int
	client     *genai.Client
	modelName  string
	mu         sync.Mutex
}

func NewGeminiReasoner(apiKeys []string, modelName string) (*GeminiReasoner, error) {
	if len(apiKeys) == 0 {
		return nil, errors.New("no API keys provided")
	}
	r := &GeminiReasoner{
		apiKeys:   apiKeys,
		modelName: modelName,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.initClient(); err != nil {
		return nil, err
	}
	return r, nil
}

// initClient must be called with r.mu held.
func (r *GeminiReasoner) initClient() error {
	client, err := genai.NewClient(context.Background(), option.WithAPIKey(r.apiKeys[r.currentKey]))
	if err != nil {
		return err
	}
	r.client = client
	return nil
}

func (r *GeminiReasoner) rotateAPIKey() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.currentKey = (r.currentKey + 1) % len(r.apiKeys)
	if err := r.client.Close(); err != nil {
		return err
	}
	return r.initClient()
}

func (r *GeminiReasoner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client.Close()
}

func (r *GeminiReasoner) Next(ctx context.Context, messages []types.Message, tools []types.ToolSpec) (*types.ReasoningStep, error) {
	system, history, last := toGeminiContents(messages)
	if last == nil {
		return nil, errors.New("no message to send")
	}

	resp, err := r.send(ctx, system, history, last, tools)
	if err != nil {
		// Try the next API key once.
		if len(r.apiKeys) > 1 {
			if rerr := r.rotateAPIKey(); rerr == nil {
				resp, err = r.send(ctx, system, history, last, tools)
			}
		}
		if err != nil {
			return nil, &types.UpstreamUnavailableError{Provider: "gemini", Err: err}
		}
	}
	if len(resp.Candidates) == 0 {
		return nil, &types.UpstreamUnavailableError{Provider: "gemini", Err: errors.New("no response generated")}
	}

	candidate := resp.Candidates[0]
	if funcs := candidate.FunctionCalls(); len(funcs) > 0 {
		args := funcs[0].Args
		if args == nil {
			args = map[string]any{}
		}
		return &types.ReasoningStep{ToolCall: &types.ToolCall{
			ID:        uuid.NewString(),
			Name:      funcs[0].Name,
			Arguments: args,
		}}, nil
	}
	var content strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				content.WriteString(string(text))
			}
		}
	}
	return &types.ReasoningStep{Final: content.String()}, nil
}

func (r *GeminiReasoner) send(ctx context.Context, system string, history []*genai.Content, last *genai.Content, tools []types.ToolSpec) (*genai.GenerateContentResponse, error) {
	r.mu.Lock()
	model := r.client.GenerativeModel(r.modelName)
	r.mu.Unlock()

	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	if len(tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(tools))
		for _, t := range tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toGeminiSchema(t.Parameters),
			})
		}
		model.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	chat := model.StartChat()
	chat.History = history
	return chat.SendMessage(ctx, last.Parts...)
}

// toGeminiContents splits a conversation into the system instruction, the
// chat history and the content to send.
func toGeminiContents(messages []types.Message) (string, []*genai.Content, *genai.Content) {
	var system []string
	var contents []*genai.Content
	for _, msg := range messages {
		switch msg.Role {
		case types.RoleSystem:
			system = append(system, msg.Content)
		case types.RoleAssistant:
			c := &genai.Content{Role: "model"}
			if msg.Content != "" {
				c.Parts = append(c.Parts, genai.Text(msg.Content))
			}
			if msg.ToolCall != nil {
				c.Parts = append(c.Parts, genai.FunctionCall{Name: msg.ToolCall.Name, Args: msg.ToolCall.Arguments})
			}
			contents = append(contents, c)
		case types.RoleTool:
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []genai.Part{genai.FunctionResponse{
					Name:     msg.ToolName,
					Response: map[string]any{"result": msg.Content},
				}},
			})
		default:
			contents = append(contents, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(msg.Content)}})
		}
	}
	if len(contents) == 0 {
		return strings.Join(system, "\n\n"), nil, nil
	}
	return strings.Join(system, "\n\n"), contents[:len(contents)-1], contents[len(contents)-1]
}

var geminiTypes = map[string]genai.Type{
	"string":  genai.TypeString,
	"number":  genai.TypeNumber,
	"integer": genai.TypeInteger,
	"boolean": genai.TypeBoolean,
	"array":   genai.TypeArray,
	"object":  genai.TypeObject,
}

// toGeminiSchema converts a JSON schema object into the subset Gemini accepts.
func toGeminiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		s.Type = geminiTypes[t]
	}
	if s.Type == genai.TypeUnspecified {
		s.Type = genai.TypeString
		if _, ok := schema["properties"]; ok {
			s.Type = genai.TypeObject
		}
	}
	if d, ok := schema["description"].(string); ok {
		s.Description = d
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if v, ok := e.(string); ok {
				s.Enum = append(s.Enum, v)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGeminiSchema(items)
	}
	if props, ok := schema["properties"].(map[string]any); ok && len(props) > 0 {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			pm, ok := p.(map[string]any)
			if !ok {
				continue
			}
			if sub := toGeminiSchema(pm); sub != nil {
				s.Properties[name] = sub
			}
		}
	}
	switch req := schema["required"].(type) {
	case []string:
		s.Required = append(s.Required, req...)
	case []any:
		for _, r := range req {
			if v, ok := r.(string); ok {
				s.Required = append(s.Required, v)
			}
		}
	}
	if s.Type == genai.TypeObject && len(s.Properties) == 0 {
		return nil
	}
	if s.Type == genai.TypeArray && s.Items == nil {
		s.Items = &genai.Schema{Type: genai.TypeString}
	}
	return s
}
