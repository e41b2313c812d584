// Command loomd is the coordination daemon: one process per project that
// owns the registry GC loop, serves health/readiness over HTTP, and exposes
// an engine.Engine for a tool-calling frontend to register sessions and
// dispatch tool calls against.
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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/substrate"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	projectPath, err := os.Getwd()
	if err != nil {
		slog.Error("failed to resolve working directory", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(projectPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging, nil)

	client, err := substrate.Connect(ctx, cfg.NatsURL)
	if err != nil {
		slog.Error("failed to connect to substrate", "error", err)
		os.Exit(1)
	}
	defer client.Close()
	slog.Info("connected to substrate", "url", cfg.NatsURL)

	eng, err := engine.New(ctx, cfg, client)
	if err != nil {
		slog.Error("failed to build engine", "error", err)
		os.Exit(1)
	}
	if err := eng.Start(ctx); err != nil {
		slog.Error("failed to start engine", "error", err)
		os.Exit(1)
	}
	defer eng.Shutdown()
	slog.Info("engine started", "namespace", cfg.Namespace, "channels", len(cfg.Channels))

	srv := newOpsServer(cfg.HTTPAddr, client)
	go func() {
		slog.Info("starting ops server", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ops server error", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("ops server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
}

// newOpsServer builds the minimal /healthz + /readyz HTTP surface, grounded
// on the teacher's handler.HealthHandler but reporting substrate
// connectivity rather than a Postgres pool.
func newOpsServer(addr string, client *substrate.Client) *http.Server {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{AllowedOrigins: []string{"*"}, AllowedMethods: []string{http.MethodGet}}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !client.IsConnected() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"not_ready","substrate":"disconnected"}`))
			return
		}
		w.Write([]byte(`{"status":"ready","substrate":"connected"}`))
	})

	return &http.Server{Addr: addr, Handler: r}
}
