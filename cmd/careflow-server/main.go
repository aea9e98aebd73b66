// CareFlow clinic assistant server.
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

	"github.com/hupe1980/careflow"
	"github.com/hupe1980/careflow/config"
	"github.com/hupe1980/careflow/engine"
	"github.com/hupe1980/careflow/logging"
	"github.com/hupe1980/careflow/transport"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(&logging.LoggerConfig{
		Level:     logging.ParseLevel(cfg.LogLevel),
		Format:    cfg.LogFormat,
		Output:    os.Stdout,
		Component: "careflow",
	})

	slog.Info("Starting server",
		"port", cfg.Port,
		"provider", cfg.Model.Provider,
		"checkpoint", cfg.Checkpoint.Driver,
	)

	cf, err := careflow.NewFromConfig(cfg, func(o *careflow.Options) {
		o.Logger = logger
		o.Hooks = []engine.Hook{
			engine.NewLoggingHook(engine.HookOnError, logger),
			escalationHook(logger),
		}
	})
	if err != nil {
		slog.Error("Failed to initialize careflow", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := cf.Close(); closeErr != nil {
			slog.Error("Failed to close careflow", "error", closeErr)
		}
	}()

	handler := transport.NewHandler(cf, func(o *transport.Options) {
		o.AllowedOrigins = cfg.AllowedOrigins
		o.Logger = logger
	})

	// SSE turns stream for up to TURN_TIMEOUT, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      transport.NewRouter(handler),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go pruneSessions(ctx, cf, cfg.Checkpoint)

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cf.Engine().StopAll()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return
	}

	slog.Info("Server stopped successfully")
}

// pruneSessions removes idle sessions every PruneInterval until ctx ends.
func pruneSessions(ctx context.Context, cf *careflow.CareFlow, cfg config.CheckpointConfig) {
	if cfg.TTL <= 0 || cfg.PruneInterval <= 0 {
		return
	}

	ticker := time.NewTicker(cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := cf.Prune(ctx, cfg.TTL)
			if err != nil {
				slog.Warn("Session prune failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("Pruned idle sessions", "count", n, "ttl", cfg.TTL)
			}
		}
	}
}

// escalationHook logs every turn that ended with a human handoff so staff
// tooling tailing the logs can pick it up.
func escalationHook(logger logging.Logger) engine.Hook {
	return engine.NewFunctionHook(engine.HookAfterTurn, func(_ context.Context, hc *engine.HookContext) error {
		if hc.State == nil || !hc.State.RequiresHumanIntervention {
			return nil
		}
		logger.Warn("careflow.escalation",
			"session_id", hc.SessionID,
			"turn_id", hc.TurnID,
			"reason", hc.State.InterventionReason,
			"triage_code", string(hc.State.TriageCode),
		)
		return nil
	})
}
