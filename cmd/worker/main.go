package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexuscomm/webhooks/internal/app"
	"github.com/nexuscomm/webhooks/internal/config"
	"github.com/nexuscomm/webhooks/internal/logging"
	"github.com/nexuscomm/webhooks/internal/monitoring"
	"github.com/rs/zerolog/log"
)

// The standalone worker only makes sense against a shared queue; scale it
// horizontally next to API servers started with in-process workers disabled.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(&cfg.Logging, cfg.Server.Env)

	if cfg.Webhook.QueueBackend != app.QueueRedis {
		log.Fatal().
			Str("queue", cfg.Webhook.QueueBackend).
			Msg("Standalone worker requires WEBHOOK_QUEUE_BACKEND=redis")
	}

	monitoring.Init()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize webhook services")
	}
	defer a.Close()

	if cfg.Monitoring.PrometheusEnabled {
		go startStatusServer(cfg.Monitoring.PrometheusPort, a)
	}

	pool := a.NewWorkerPool()
	if err := pool.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start worker pool")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down delivery worker...")

	pool.Stop()
	stop()

	log.Info().Msg("Delivery worker exited")
}

func startStatusServer(port int, a *app.App) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", monitoring.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := a.Health(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	statusServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Info().Int("port", port).Msg("Worker status server listening")
	if err := statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Status server error")
	}
}
