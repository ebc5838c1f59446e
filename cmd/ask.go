/*
Copyright © 2025 tieubaoca
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tieubaoca/workspace-assistant/handler"
	"github.com/tieubaoca/workspace-assistant/types"
	"go.uber.org/zap"
)

const (
	modeChat   = "chat"
	modeTeam   = "team"
	modeDirect = "direct"
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a single question from the command line",
	Long: `Answers one question and exits. In chat mode the direct tool agent is
tried first and the team answers when it is unavailable. Direct mode uses
only the tool agent. In team mode the per-source specialists answer and the
per-source citations are printed too.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetString("mode")
		switch mode {
		case modeChat, modeTeam, modeDirect:
		default:
			return fmt.Errorf("unknown mode %q, expected %s, %s or %s", mode, modeChat, modeTeam, modeDirect)
		}
		question := strings.Join(args, " ")

		cfg, logger, err := loadRuntime()
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithTimeout(ctx, cfg.Team.RequestTimeout)
		defer cancel()

		app, err := newApplication(ctx, cfg, logger, appOptions{directAgent: mode != modeTeam})
		if err != nil {
			return err
		}
		defer app.Close()

		out := cmd.OutOrStdout()
		if mode == modeDirect && app.direct == nil {
			return errors.New("the direct tool agent is not available; check direct_tool in the config")
		}
		if mode != modeTeam && app.direct != nil {
			answer, err := app.direct.Answer(ctx, question)
			if err == nil {
				fmt.Fprintln(out, answer)
				return nil
			}
			if mode == modeDirect || !handler.FallbackAllowed(err) {
				return err
			}
			logger.Warn("Direct agent unavailable, falling back to team", zap.Error(err))
		}

		res, err := app.team.Synthesize(ctx, question)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("no answer within %s", cfg.Team.RequestTimeout)
			}
			return err
		}
		fmt.Fprintln(out, res.NarrativeText)
		if mode == modeTeam {
			fmt.Fprintln(out)
			for _, src := range types.NewTeamChatResponse(res).Sources {
				fmt.Fprintf(out, "[%s] %s: %s\n", src.Status, src.Agent, strings.Join(src.Sources, "; "))
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(askCmd)
	askCmd.Flags().StringP("mode", "m", modeChat, "answer mode: chat, team or direct")
}
