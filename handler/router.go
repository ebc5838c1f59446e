package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tieubaoca/workspace-assistant/middleware"
	"go.uber.org/zap"
)

type RouterConfig struct {
	Chat   *ChatHandler
	Admin  *AdminHandler
	Search *SearchHandler
	// WebSocket serves /ws when set.
	WebSocket      http.HandlerFunc
	AdminToken     string
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	corsHandler := NewCorsHandler()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.AccessLog(cfg.Logger), corsHandler.CorsMiddleware)

	router.GET("/healthz", HandleHealth)

	chatRoutes := router.Group("/")
	chatRoutes.Use(middleware.Timeout(cfg.RequestTimeout))
	{
		chatRoutes.POST("/chat", cfg.Chat.HandleChat)
		chatRoutes.POST("/team_chat", cfg.Chat.HandleTeamChat)
	}
	if cfg.WebSocket != nil {
		router.GET("/ws", gin.WrapF(cfg.WebSocket))
	}

	adminRoutes := router.Group("/admin")
	adminRoutes.Use(middleware.AdminAuthMiddleware(cfg.AdminToken))
	{
		adminRoutes.GET("/indexes", cfg.Admin.HandleListIndexes)
		adminRoutes.POST("/indexes/:source/rebuild", cfg.Admin.HandleRebuildIndex)
		adminRoutes.POST("/indexes/:source/reset", cfg.Admin.HandleResetIndex)
		if cfg.Search != nil {
			adminRoutes.GET("/indexes/:source/search", cfg.Search.HandleSearch)
		}
	}
	return router
}
