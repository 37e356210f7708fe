// Package app wires the runtime together: config → logger → database →
// genkit → stores → orchestrator → HTTP server. Everything else depends on
// constructor injection; only this package knows the full graph.
package app

import (
	"context"
	"log/slog"

	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parleyline/parley/internal/agent"
	"github.com/parleyline/parley/internal/checkpoint"
	"github.com/parleyline/parley/internal/config"
	"github.com/parleyline/parley/internal/guardrail"
	"github.com/parleyline/parley/internal/knowledge"
	"github.com/parleyline/parley/internal/memory"
	"github.com/parleyline/parley/internal/settings"
	"github.com/parleyline/parley/internal/thread"
	"github.com/parleyline/parley/internal/tool"
)

// App holds the assembled runtime. Build it with Setup, release it with
// Close.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Genkit *genkit.Genkit
	Pool   *pgxpool.Pool

	Threads      *thread.Store
	Messages     *memory.Store
	Knowledge    *knowledge.Store
	Settings     *settings.Store
	Checkpoints  *checkpoint.Store
	Guardrails   *guardrail.Engine
	Tools        *tool.Registry
	Orchestrator *agent.Orchestrator

	otelShutdown func(context.Context) error
	cancel       context.CancelFunc
}

// Close releases all resources in reverse initialization order.
func (a *App) Close() error {
	a.Logger.Info("shutting down application")

	if a.cancel != nil {
		a.cancel()
	}
	if a.Pool != nil {
		a.Pool.Close()
		a.Logger.Info("database pool closed")
	}
	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.otelShutdown(ctx); err != nil {
			a.Logger.Warn("flushing trace exporter", "error", err)
		}
	}
	return nil
}
