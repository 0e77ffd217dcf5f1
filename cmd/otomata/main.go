// Otomata task execution server — provides the HTTP API and runs the
// embedded worker pool that claims and executes queued tasks.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/otomata/otomata/pkg/agent"
	"github.com/otomata/otomata/pkg/api"
	"github.com/otomata/otomata/pkg/chat"
	"github.com/otomata/otomata/pkg/config"
	"github.com/otomata/otomata/pkg/database"
	"github.com/otomata/otomata/pkg/events"
	"github.com/otomata/otomata/pkg/executor"
	"github.com/otomata/otomata/pkg/secrets"
	"github.com/otomata/otomata/pkg/tasks"
	"github.com/otomata/otomata/pkg/worker"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	dbClient, err := database.NewClient(ctx, database.DefaultConfig(cfg.DatabaseURL))
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	cipher, err := secrets.NewCipher(cfg.MasterKey)
	if err != nil {
		slog.Error("Failed to initialize secrets cipher", "error", err)
		os.Exit(1)
	}

	db := dbClient.DB()
	secretService := secrets.NewService(db, cipher)
	taskStore := tasks.NewStore(db)
	chatStore := chat.NewStore(db)
	bus := events.NewBus(db)

	var runner agent.Runner
	if cfg.AnthropicAPIKey != "" {
		runner, err = agent.NewAnthropicRunner(cfg.AnthropicAPIKey, nil)
		if err != nil {
			slog.Error("Failed to initialize agent runner", "error", err)
			os.Exit(1)
		}
		slog.Info("Agent runner initialized", "model", cfg.Model)
	} else {
		runner = disabledRunner{}
		slog.Warn("ANTHROPIC_API_KEY not set, agent tasks will fail")
	}

	scriptRunner := executor.NewScriptRunner(cfg.Script.Timeout, cfg.DatabaseURL, cfg.Queue.Workspace)
	turnRunner := executor.NewTurnRunner(chatStore, taskStore, bus, runner, cfg.Model)
	dispatcher := executor.NewDispatcher(secretService, scriptRunner, turnRunner)

	pool := worker.NewPool(cfg.Queue.WorkerID, cfg.Queue.WorkerCount, taskStore, dispatcher, cfg.Queue.PollInterval)
	pool.Start(ctx)

	server := api.NewServer(api.Config{
		APIKey:      cfg.APIKey,
		CORSOrigins: cfg.CORSOrigins,
	}, db, chatStore, taskStore, bus)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("Otomata started", "workers", cfg.Queue.WorkerCount)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	exitCode := 0
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("HTTP server error", "error", err)
		exitCode = 1
	}

	// Workers finish their in-flight task before exiting.
	pool.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
	os.Exit(exitCode)
}

// disabledRunner fails agent runs when no API key is configured.
type disabledRunner struct{}

func (disabledRunner) Run(context.Context, agent.Request) (agent.Stream, error) {
	return nil, errors.New("agent execution is disabled: ANTHROPIC_API_KEY is not set")
}
