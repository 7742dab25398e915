package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Strob0t/ControlTower/internal/adapter/a2a"
	cthttp "github.com/Strob0t/ControlTower/internal/adapter/http"
	ctnats "github.com/Strob0t/ControlTower/internal/adapter/nats"
	otelx "github.com/Strob0t/ControlTower/internal/adapter/otel"
	"github.com/Strob0t/ControlTower/internal/adapter/ristretto"
	"github.com/Strob0t/ControlTower/internal/adapter/ws"
	"github.com/Strob0t/ControlTower/internal/config"
	"github.com/Strob0t/ControlTower/internal/domain/workflow"
	"github.com/Strob0t/ControlTower/internal/logger"
	"github.com/Strob0t/ControlTower/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.SetDefault(logger.New(cfg.Logging))

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"vision_url", cfg.Agents.VisionURL,
		"supplier_url", cfg.Agents.SupplierURL,
		"log_level", cfg.Logging.Level,
	)

	ctx := context.Background()

	// --- Infrastructure ---

	cache, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer cache.Close()

	metrics, err := otelx.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	hub := ws.NewHub()
	sinks := []workflow.Sink{hub}

	// NATS sink is optional: an empty URL runs WebSocket-only.
	if cfg.NATS.URL != "" {
		queue, err := ctnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = queue.Close() }()
		sinks = append(sinks, queue)
		slog.Info("nats sink connected", "url", cfg.NATS.URL)
	}

	// --- Services ---

	agents := a2a.NewClient(cfg.Agents.DiscoveryTimeout)
	wf := service.NewWorkflow(agents, cache, metrics, cfg.Agents, cfg.Payload, cfg.Workflow, sinks...)

	// --- HTTP ---

	handlers := &cthttp.Handlers{
		Workflow:      wf,
		ServiceName:   cfg.Logging.Service,
		VisionURL:     cfg.Agents.VisionURL,
		SupplierURL:   cfg.Agents.SupplierURL,
		TestImagesDir: cfg.Server.TestImagesDir,
	}

	r := chi.NewRouter()

	r.Use(cthttp.CORS(cfg.Server.CORSOrigin))
	r.Use(cthttp.Logger)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(otelx.HTTPMiddleware(cfg.Logging.Service))

	// WebSocket endpoint lives outside the timeout group: observer
	// connections are long-lived.
	r.Get("/ws", hub.HandleWS)

	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(30 * time.Second))
		cthttp.MountRoutes(r, handlers)
	})

	addr := ":" + cfg.Server.Port

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
