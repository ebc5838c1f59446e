package types

const (
	TypeWebsocketPing       = "ping"
	TypeWebsocketPong       = "pong"
	TypeWebsocketChat       = "chat"
	TypeWebsocketProcessing = "processing"
	TypeWebsocketError      = "error"
)

type WebsocketRequest struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type WebSocketChatPayload struct {
	Message string `json:"message"`
}

type WebSocketResponse struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// WebSocketProcessingResponse announces one specialist finishing.
type WebSocketProcessingResponse struct {
	Agent        string   `json:"agent"`
	Completeness string   `json:"completeness"`
	Sources      []string `json:"sources"`
}

type WebSocketErrorResponse struct {
	Message string `json:"message"`
}
