package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tieubaoca/workspace-assistant/types"
	"go.uber.org/zap"
)

const (
	wsReadLimit   = 512 * 1024
	wsIdleTimeout = 60 * time.Second
)

// ProgressSynthesizer is the team answer with per-source progress reports.
type ProgressSynthesizer interface {
	SynthesizeWithProgress(ctx context.Context, query string, progress func(types.SourceResult)) (*types.SynthesizedResponse, error)
}

// WebSocketService streams team answers: one processing event per source,
// then the merged chat event.
type WebSocketService struct {
	team           ProgressSynthesizer
	requestTimeout time.Duration
	upgrader       websocket.Upgrader
	logger         *zap.Logger
}

func NewWebSocketService(team ProgressSynthesizer, requestTimeout time.Duration, logger *zap.Logger) *WebSocketService {
	return &WebSocketService{
		team:           team,
		requestTimeout: requestTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins (adjust for production)
			},
		},
		logger: logger,
	}
}

func (s *WebSocketService) HandleChat(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Upgrade error", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	})

	for {
		_, p, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		var req types.WebsocketRequest
		if err := json.Unmarshal(p, &req); err != nil {
			s.writeError(conn, "Invalid message")
			continue
		}
		switch req.Type {
		case types.TypeWebsocketChat:
			var payload types.WebSocketChatPayload
			raw, _ := json.Marshal(req.Payload)
			if err := json.Unmarshal(raw, &payload); err != nil || payload.Message == "" {
				s.writeError(conn, types.ErrEmptyMessage.Error())
				break
			}
			if err := s.answer(r.Context(), conn, payload.Message); err != nil {
				s.logger.Warn("Write error", zap.Error(err))
				return
			}
		case types.TypeWebsocketPing:
			if err := conn.WriteJSON(types.WebSocketResponse{Type: types.TypeWebsocketPong}); err != nil {
				s.logger.Warn("Write error", zap.Error(err))
				return
			}
		default:
			s.writeError(conn, "Unsupported message type")
		}
		conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	}
}

// answer returns an error only when the connection can no longer be written.
func (s *WebSocketService) answer(ctx context.Context, conn *websocket.Conn, message string) error {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	var writeErr error
	res, err := s.team.SynthesizeWithProgress(ctx, message, func(r types.SourceResult) {
		if writeErr != nil {
			return
		}
		writeErr = conn.WriteJSON(types.WebSocketResponse{
			Type: types.TypeWebsocketProcessing,
			Payload: types.WebSocketProcessingResponse{
				Agent:        r.AgentName,
				Completeness: string(r.Completeness),
				Sources:      r.CitationTitles(),
			},
		})
	})
	if writeErr != nil {
		return writeErr
	}
	if err != nil {
		s.logger.Error("Team answer failed", zap.Error(err))
		msg := "The team could not answer right now. Please try again later."
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "The request took too long and was cancelled."
		}
		return conn.WriteJSON(types.WebSocketResponse{
			Type:    types.TypeWebsocketError,
			Payload: types.WebSocketErrorResponse{Message: msg},
		})
	}
	return conn.WriteJSON(types.WebSocketResponse{
		Type:    types.TypeWebsocketChat,
		Payload: types.NewTeamChatResponse(res),
	})
}

func (s *WebSocketService) writeError(conn *websocket.Conn, msg string) {
	if err := conn.WriteJSON(types.WebSocketResponse{
		Type:    types.TypeWebsocketError,
		Payload: types.WebSocketErrorResponse{Message: msg},
	}); err != nil {
		s.logger.Warn("Write error", zap.Error(err))
	}
}
