// Package app wires the subsystems together for the CLI commands.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medicoaqui/medicoaqui/db"
	"github.com/medicoaqui/medicoaqui/internal/agent"
	"github.com/medicoaqui/medicoaqui/internal/config"
	"github.com/medicoaqui/medicoaqui/internal/gemini"
	"github.com/medicoaqui/medicoaqui/internal/guardrails"
	"github.com/medicoaqui/medicoaqui/internal/i18n"
	"github.com/medicoaqui/medicoaqui/internal/knowledge"
	"github.com/medicoaqui/medicoaqui/internal/log"
	"github.com/medicoaqui/medicoaqui/internal/mcp"
	"github.com/medicoaqui/medicoaqui/internal/session"
)

// App holds the wired subsystems. Close releases them in reverse order.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Catalog *i18n.Catalog

	DBPool     *pgxpool.Pool
	Gemini     *gemini.Client
	Sessions   *session.Store
	Knowledge  *knowledge.Store
	Validator  *guardrails.Validator
	ToolClient *mcp.Client
	Agent      *agent.Agent
}

// Setup builds the full stack for the serve command: database with
// migrations, model client, stores, tool channel, and the agent. The tool
// provider is this same binary re-executed with the mcp subcommand, so the
// channel stays a single lazily created process for the orchestrator's
// lifetime.
func Setup(ctx context.Context, cfg *config.Config) (_ *App, retErr error) {
	a := &App{
		Config:  cfg,
		Logger:  log.New(log.Config{Level: parseLevel(cfg.LogLevel), JSON: cfg.LogJSON}),
		Catalog: i18n.New(cfg.Language),
	}

	defer func() {
		if retErr != nil {
			a.Close()
		}
	}()

	pool, err := providePool(ctx, cfg, a.Logger)
	if err != nil {
		return nil, err
	}
	a.DBPool = pool

	gc, err := gemini.NewClient(ctx, gemini.Config{
		APIKey:          cfg.AI.APIKey,
		Model:           cfg.AI.Model,
		ClassifierModel: cfg.AI.ClassifierModel,
		EmbeddingModel:  cfg.AI.EmbeddingModel,
		EmbeddingDim:    cfg.AI.EmbeddingDim,
		Temperature:     cfg.AI.Temperature,
		RateLimitPerMin: cfg.AI.RateLimitPerMin,
	}, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("create model client: %w", err)
	}
	a.Gemini = gc

	sessions, err := session.NewStore(pool, a.Logger)
	if err != nil {
		return nil, err
	}
	a.Sessions = sessions

	kstore, err := knowledge.NewStore(pool, gc, knowledge.Config{
		SimilarityThreshold: cfg.RAG.SimilarityThreshold,
		MaxChunks:           cfg.RAG.MaxChunks,
	}, a.Logger)
	if err != nil {
		return nil, err
	}
	a.Knowledge = kstore

	validator, err := guardrails.NewValidator(gc, a.Logger)
	if err != nil {
		return nil, err
	}
	a.Validator = validator

	toolClient, err := provideToolClient(cfg, a.Logger)
	if err != nil {
		return nil, err
	}
	a.ToolClient = toolClient

	ag, err := agent.New(agent.Config{GuardrailsMode: cfg.Guardrails.Mode},
		gc, toolClient, sessions, a.Catalog, a.Logger)
	if err != nil {
		return nil, err
	}
	a.Agent = ag

	return a, nil
}

// SetupCore builds the stack shared by the mcp and ingest commands:
// database, model client, knowledge store, and validator. No chat transport
// and no tool channel.
func SetupCore(ctx context.Context, cfg *config.Config) (_ *App, retErr error) {
	a := &App{
		Config:  cfg,
		Logger:  log.New(log.Config{Level: parseLevel(cfg.LogLevel), JSON: cfg.LogJSON}),
		Catalog: i18n.New(cfg.Language),
	}

	defer func() {
		if retErr != nil {
			a.Close()
		}
	}()

	pool, err := providePool(ctx, cfg, a.Logger)
	if err != nil {
		return nil, err
	}
	a.DBPool = pool

	gc, err := gemini.NewClient(ctx, gemini.Config{
		APIKey:          cfg.AI.APIKey,
		Model:           cfg.AI.Model,
		ClassifierModel: cfg.AI.ClassifierModel,
		EmbeddingModel:  cfg.AI.EmbeddingModel,
		EmbeddingDim:    cfg.AI.EmbeddingDim,
		Temperature:     cfg.AI.Temperature,
		RateLimitPerMin: cfg.AI.RateLimitPerMin,
	}, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("create model client: %w", err)
	}
	a.Gemini = gc

	kstore, err := knowledge.NewStore(pool, gc, knowledge.Config{
		SimilarityThreshold: cfg.RAG.SimilarityThreshold,
		MaxChunks:           cfg.RAG.MaxChunks,
	}, a.Logger)
	if err != nil {
		return nil, err
	}
	a.Knowledge = kstore

	validator, err := guardrails.NewValidator(gc, a.Logger)
	if err != nil {
		return nil, err
	}
	a.Validator = validator

	return a, nil
}

// Close releases everything Setup created. Safe on a partially built App.
func (a *App) Close() {
	if a.ToolClient != nil {
		if err := a.ToolClient.Close(); err != nil {
			a.Logger.Warn("close tool channel", "error", err)
		}
	}
	if a.DBPool != nil {
		a.DBPool.Close()
	}
}

func providePool(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.Postgres.URL(), logger); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.URL())
	if err != nil {
		return nil, fmt.Errorf("parse connection config: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// provideToolClient builds the lazy protocol client. By default the provider
// is this binary's own mcp subcommand.
func provideToolClient(cfg *config.Config, logger *slog.Logger) (*mcp.Client, error) {
	command := cfg.MCP.Command
	args := []string{}
	if command == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		command = self
		args = []string{"mcp"}
	}
	return mcp.NewClient(mcp.ClientConfig{Name: "medicoaqui", Version: Version},
		mcp.CommandDial(command, args...), logger)
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
