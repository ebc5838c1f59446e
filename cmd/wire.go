/*
Copyright © 2025 tieubaoca
*/
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/tieubaoca/workspace-assistant/config"
	"github.com/tieubaoca/workspace-assistant/database"
	"github.com/tieubaoca/workspace-assistant/service"
	"github.com/tieubaoca/workspace-assistant/types"
	"go.uber.org/zap"
)

// application holds the long-lived components shared by the commands.
type application struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *service.IndexRegistry
	team     *service.TeamCoordinator
	// direct is nil when the direct tool agent is disabled or could not start.
	direct  *service.DirectToolAgent
	closers []func() error
}

type appOptions struct {
	directAgent     bool
	recreateIndexes bool
}

func newApplication(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts appOptions) (*application, error) {
	app := &application{cfg: cfg, logger: logger}

	store, err := newVectorStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	embedder, err := app.newEmbedder()
	if err != nil {
		app.Close()
		return nil, err
	}

	specs := make([]service.SourceSpec, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		system, err := types.ParseSourceSystem(src.System)
		if err != nil {
			app.Close()
			return nil, err
		}
		specs = append(specs, service.SourceSpec{
			System:     system,
			ExportPath: src.ExportPath,
			Collection: src.Collection,
			TopK:       src.TopK,
		})
	}
	app.registry, err = service.NewIndexRegistry(store, embedder, specs, service.IndexOptions{
		QueryTimeout: cfg.Team.QueryTimeout,
		BuildTimeout: cfg.Team.BuildTimeout,
		BatchSize:    cfg.Embedding.BatchSize,
		Parallelism:  cfg.Embedding.Parallelism,
		Recreate:     opts.recreateIndexes,
	}, logger)
	if err != nil {
		app.Close()
		return nil, err
	}

	specialists := make([]service.Specialist, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		system := types.SourceSystem(src.System)
		handle, err := app.registry.Handle(system)
		if err != nil {
			app.Close()
			return nil, err
		}
		profile := service.DefaultProfile(system)
		profile.TopK = src.TopK
		profile.MinScore = src.MinScore
		specialists = append(specialists, service.NewKnowledgeSpecialist(handle, profile, logger))
	}
	app.team, err = service.NewTeamCoordinator(specialists, cfg.Team.SpecialistTimeout, logger)
	if err != nil {
		app.Close()
		return nil, err
	}

	if opts.directAgent && cfg.DirectTool.Enabled {
		if err := app.startDirectAgent(ctx); err != nil {
			// /chat falls back to the team without it.
			logger.Warn("Direct tool agent disabled", zap.Error(err))
		}
	}
	return app, nil
}

func newVectorStore(cfg *config.Config, logger *zap.Logger) (database.VectorDatabase, error) {
	switch cfg.VectorStore.Backend {
	case config.BackendMemory:
		return database.NewMemoryStore(), nil
	default:
		store, err := database.NewWeaviateStore(cfg.VectorStore.Weaviate, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to weaviate: %w", err)
		}
		return store, nil
	}
}

func (a *application) newEmbedder() (service.Embedder, error) {
	var inner service.Embedder
	switch a.cfg.Embedding.Provider {
	case config.EmbedderHash:
		inner = service.NewHashEmbedder(a.cfg.Embedding.Dimensions)
	default:
		inner = service.NewOpenAIEmbedder(a.cfg.AIEndpoint, a.cfg.OpenAIAPIKey, a.cfg.Embedding.Model, a.cfg.Embedding.RequestsPerSecond)
	}
	if a.cfg.Embedding.CacheDir == "" {
		return inner, nil
	}
	db, err := service.OpenEmbeddingCache(a.cfg.Embedding.CacheDir)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)
	return service.NewCachedEmbedder(inner, db, a.logger), nil
}

func (a *application) newReasoner() (service.Reasoner, error) {
	switch a.cfg.AIProvider {
	case config.ProviderGemini:
		r, err := service.NewGeminiReasoner(a.cfg.GeminiAPIKeys, a.cfg.Model)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, r.Close)
		return r, nil
	default:
		return service.NewOpenAIReasoner(a.cfg.AIEndpoint, a.cfg.OpenAIAPIKey, a.cfg.Model), nil
	}
}

func (a *application) startDirectAgent(ctx context.Context) error {
	if len(a.cfg.DirectTool.Servers) == 0 {
		return errors.New("no tool servers configured")
	}
	reasoner, err := a.newReasoner()
	if err != nil {
		return err
	}
	transport, err := service.DialMCPServers(ctx, a.cfg.DirectTool.Servers, a.logger)
	if err != nil {
		return err
	}
	a.direct = service.NewDirectToolAgent(reasoner, transport, service.DirectAgentOptions{
		MaxRounds:   a.cfg.DirectTool.MaxRounds,
		RetryBudget: a.cfg.DirectTool.RetryBudget,
		CallTimeout: a.cfg.DirectTool.CallTimeout,
	}, a.logger)
	a.closers = append(a.closers, a.direct.Close)
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Close failed", zap.Error(err))
		}
	}
	a.closers = nil
}
