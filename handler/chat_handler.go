package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tieubaoca/workspace-assistant/types"
	"go.uber.org/zap"
)

const (
	msgUnavailable = "The assistant is temporarily unavailable. Please try again later."
	msgTimeout     = "The request took too long and was cancelled."
	msgTeamFailed  = "The team could not answer this question right now. Please try again later."
)

type TeamService interface {
	Synthesize(ctx context.Context, query string) (*types.SynthesizedResponse, error)
}

type DirectService interface {
	Answer(ctx context.Context, query string) (string, error)
}

type ChatHandler struct {
	team   TeamService
	direct DirectService
	logger *zap.Logger
}

// NewChatHandler wires the chat endpoints. direct may be nil, in which case
// /chat is always answered by the team.
func NewChatHandler(team TeamService, direct DirectService, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{team: team, direct: direct, logger: logger}
}

func bindMessage(c *gin.Context) (string, bool) {
	var req types.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "Invalid request body"})
		return "", false
	}
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: types.ErrEmptyMessage.Error()})
		return "", false
	}
	return msg, true
}

// HandleChat answers through the direct tool agent and falls back to the team
// when the reasoning backend or the tool transport is unavailable.
func (h *ChatHandler) HandleChat(c *gin.Context) {
	msg, ok := bindMessage(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if h.direct != nil {
		answer, err := h.direct.Answer(ctx, msg)
		if err == nil {
			c.JSON(http.StatusOK, types.ChatResponse{Response: answer})
			return
		}
		if !FallbackAllowed(err) {
			h.fail(c, err, msgUnavailable)
			return
		}
		h.logger.Warn("Direct agent unavailable, falling back to team", zap.Error(err))
	}

	res, err := h.team.Synthesize(ctx, msg)
	if err != nil {
		h.fail(c, err, msgUnavailable)
		return
	}
	c.JSON(http.StatusOK, types.ChatResponse{Response: res.NarrativeText})
}

func (h *ChatHandler) HandleTeamChat(c *gin.Context) {
	msg, ok := bindMessage(c)
	if !ok {
		return
	}
	res, err := h.team.Synthesize(c.Request.Context(), msg)
	if err != nil {
		h.fail(c, err, msgTeamFailed)
		return
	}
	c.JSON(http.StatusOK, types.NewTeamChatResponse(res))
}

// FallbackAllowed reports whether a direct agent failure should be answered
// by the team instead.
func FallbackAllowed(err error) bool {
	var toolErr *types.ToolInvocationError
	return errors.Is(err, types.ErrUpstreamUnavailable) || errors.As(err, &toolErr)
}

func (h *ChatHandler) fail(c *gin.Context, err error, msg string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		status, msg = http.StatusGatewayTimeout, msgTimeout
	case errors.Is(err, types.ErrUpstreamUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, types.ErrEmptyMessage):
		status, msg = http.StatusBadRequest, err.Error()
	}
	h.logger.Error("Chat request failed", zap.String("path", c.FullPath()), zap.Int("status", status), zap.Error(err))
	c.JSON(status, types.ErrorResponse{Error: msg})
}
