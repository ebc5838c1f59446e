package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tieubaoca/workspace-assistant/types"
	"go.uber.org/zap"
)

const maxSearchLimit = 50

type IndexSearcher interface {
	Search(ctx context.Context, source types.SourceSystem, text string, k int) ([]types.ScoredDocument, error)
}

type SearchResponse struct {
	Source    types.SourceSystem     `json:"source"`
	Query     string                 `json:"query"`
	Documents []types.ScoredDocument `json:"documents"`
}

// SearchHandler exposes raw retrieval on one source index, for checking what
// a specialist would see.
type SearchHandler struct {
	indexes IndexSearcher
	logger  *zap.Logger
}

func NewSearchHandler(indexes IndexSearcher, logger *zap.Logger) *SearchHandler {
	return &SearchHandler{indexes: indexes, logger: logger}
}

func (h *SearchHandler) HandleSearch(c *gin.Context) {
	source, err := types.ParseSourceSystem(c.Param("source"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: err.Error()})
		return
	}
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "q is required"})
		return
	}
	limit := 5
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > maxSearchLimit {
			c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "limit must be between 1 and 50"})
			return
		}
	}

	docs, err := h.indexes.Search(c.Request.Context(), source, query, limit)
	if err != nil {
		h.logger.Error("Index search failed", zap.String("source", string(source)), zap.Error(err))
		status := http.StatusInternalServerError
		if errors.Is(err, types.ErrRetrievalDegraded) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, types.ErrorResponse{Error: "Search failed: " + source.Label() + " index is unavailable."})
		return
	}
	if docs == nil {
		docs = []types.ScoredDocument{}
	}
	c.JSON(http.StatusOK, SearchResponse{Source: source, Query: query, Documents: docs})
}
