package types

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a single message in a reasoning conversation
type Message struct {
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	ToolCall   *ToolCall `json:"tool_call,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
}

// ToolSpec describes a remote tool. Parameters is a JSON schema object.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Server      string         `json:"server,omitempty"`
}

type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	// Invalid explains why the backend's arguments could not be decoded.
	Invalid string `json:"-"`
}

// ReasoningStep is one decision of the reasoning backend: either call exactly
// one tool or finish with Final.
type ReasoningStep struct {
	ToolCall *ToolCall
	Final    string
}

func (s *ReasoningStep) Done() bool {
	return s.ToolCall == nil
}
