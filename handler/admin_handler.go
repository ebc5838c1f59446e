package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tieubaoca/workspace-assistant/service"
	"github.com/tieubaoca/workspace-assistant/types"
	"go.uber.org/zap"
)

type IndexAdmin interface {
	Statuses() []types.IndexStatus
	Status(source types.SourceSystem) (types.IndexStatus, error)
	Rebuild(ctx context.Context, source types.SourceSystem) (*service.Index, error)
	Reset(source types.SourceSystem) error
}

type AdminHandler struct {
	indexes IndexAdmin
	logger  *zap.Logger
}

func NewAdminHandler(indexes IndexAdmin, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{indexes: indexes, logger: logger}
}

func (h *AdminHandler) HandleListIndexes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"indexes": h.indexes.Statuses()})
}

func (h *AdminHandler) HandleRebuildIndex(c *gin.Context) {
	source, ok := h.source(c)
	if !ok {
		return
	}
	if _, err := h.indexes.Rebuild(c.Request.Context(), source); err != nil {
		h.logger.Error("Index rebuild failed", zap.String("source", string(source)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{
			Error: "Rebuilding the " + source.Label() + " index failed; the previous index is still serving.",
		})
		return
	}
	h.respondStatus(c, source)
}

func (h *AdminHandler) HandleResetIndex(c *gin.Context) {
	source, ok := h.source(c)
	if !ok {
		return
	}
	if err := h.indexes.Reset(source); err != nil {
		h.logger.Error("Index reset failed", zap.String("source", string(source)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "Resetting the index failed."})
		return
	}
	h.respondStatus(c, source)
}

func (h *AdminHandler) source(c *gin.Context) (types.SourceSystem, bool) {
	source, err := types.ParseSourceSystem(c.Param("source"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: err.Error()})
		return "", false
	}
	return source, true
}

func (h *AdminHandler) respondStatus(c *gin.Context, source types.SourceSystem) {
	st, err := h.indexes.Status(source)
	if err != nil {
		c.JSON(http.StatusNotFound, types.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

func HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
