/*
Copyright © 2025 tieubaoca
*/
package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/tieubaoca/workspace-assistant/handler"
	"github.com/tieubaoca/workspace-assistant/service"
	"go.uber.org/zap"
)

// startServerCmd represents the startServer command
var startServerCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the chat server",
	Long:  `Starts the HTTP server answering /chat, /team_chat and /ws`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime()
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		app, err := newApplication(ctx, cfg, logger, appOptions{directAgent: true})
		if err != nil {
			logger.Error("Failed to initialise", zap.Error(err))
			return err
		}
		defer app.Close()

		if cfg.Team.WarmUp {
			go app.registry.WarmUp(ctx)
		}

		if cfg.LogLevel != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}
		var direct handler.DirectService
		if app.direct != nil {
			direct = app.direct
		}
		wsService := service.NewWebSocketService(app.team, cfg.Team.RequestTimeout, logger)
		router := handler.NewRouter(handler.RouterConfig{
			Chat:           handler.NewChatHandler(app.team, direct, logger),
			Admin:          handler.NewAdminHandler(app.registry, logger),
			Search:         handler.NewSearchHandler(app.registry, logger),
			WebSocket:      wsService.HandleChat,
			AdminToken:     cfg.AdminToken,
			RequestTimeout: cfg.Team.RequestTimeout,
			Logger:         logger,
		})
		if cfg.AdminToken == "" {
			logger.Warn("ADMIN_TOKEN is not set; admin routes are unauthenticated")
		}

		server := &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}
		serveErr := make(chan error, 1)
		go func() {
			logger.Info("Starting server", zap.String("port", cfg.Port))
			serveErr <- server.ListenAndServe()
		}()

		select {
		case err := <-serveErr:
			if !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Server error", zap.Error(err))
				return err
			}
		case <-ctx.Done():
			logger.Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("Shutdown error", zap.Error(err))
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(startServerCmd)
}
