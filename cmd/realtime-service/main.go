package main

import (
	"context"
	"errors"
	"expvar"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"qms/queue-engine/internal/bootstrap"
	"qms/queue-engine/internal/config"
	"qms/queue-engine/internal/httpapi"
	"qms/queue-engine/internal/hub"
	"qms/queue-engine/internal/notify"
	"qms/queue-engine/internal/telemetry"
)

var connectedClients = expvar.NewInt("realtime_clients")

func main() {
	cfg := config.Load()
	logger := bootstrap.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("realtime-service stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := telemetry.Setup(telemetry.FromEnv("realtime-service"), logger)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	backends, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backends.Close()
	if backends.Redis == nil {
		logger.Warn("realtime-service without REDIS_ADDR only sees events from this process")
	}

	h := hub.New(logger)
	poller := notify.NewPoller(backends.Cache, h, notify.PollerOptions{
		Interval: cfg.NotifyPollInterval,
		Batch:    cfg.NotifyBatchSize,
		Logger:   logger,
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute: cfg.RateLimitPerMinute,
		IPBurst:     cfg.RateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", expvar.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/realtime/", h.SockJSHandler("/realtime"))
	mux.HandleFunc("GET /ws", h.ServeWS)

	server := &http.Server{
		Addr:        ":" + cfg.RealtimePort,
		Handler:     otelhttp.NewHandler(httpapi.LoggingMiddleware(logger, limiter.Middleware(mux)), "realtime-service"),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("realtime-service listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return poller.Run(gctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				connectedClients.Set(int64(h.Count()))
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
