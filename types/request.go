package types

type ChatRequest struct {
	Message string `json:"message"`
}
