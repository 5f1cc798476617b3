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

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"qms/queue-engine/internal/bootstrap"
	"qms/queue-engine/internal/config"
	"qms/queue-engine/internal/engine"
	"qms/queue-engine/internal/httpapi"
	"qms/queue-engine/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := bootstrap.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("queue-service stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := telemetry.Setup(telemetry.FromEnv("queue-service"), logger)
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
	if err := backends.Migrate(ctx); err != nil {
		return err
	}

	eng, err := backends.Engine(cfg, logger)
	if err != nil {
		return err
	}

	handler := httpapi.NewHandler(eng, httpapi.Options{Logger: logger})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:       cfg.RateLimitPerMinute,
		IPBurst:           cfg.RateLimitBurst,
		OperatorPerMinute: cfg.OperatorRateLimitPerMinute,
		OperatorBurst:     cfg.OperatorRateLimitBurst,
	})
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(logger, limiter.Middleware(handler.Routes())), "queue-service"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	scheduler := cron.New(cron.WithLocation(time.UTC))
	if _, err := scheduler.AddFunc(cfg.DailyResetCron, func() { resetDaily(ctx, eng, logger) }); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("queue-service listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sweepStaleCalls(gctx, eng, cfg, logger)
		return nil
	})
	g.Go(func() error {
		scheduler.Start()
		<-gctx.Done()
		<-scheduler.Stop().Done()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// sweepStaleCalls skips called clients that never reached a desk.
func sweepStaleCalls(ctx context.Context, eng *engine.Engine, cfg config.Config, logger *slog.Logger) {
	if cfg.CallGrace <= 0 || cfg.CallSweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.CallSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		count, err := eng.SkipStaleCalls(runCtx, cfg.CallGrace, cfg.CallSweepBatch)
		cancel()
		if err != nil {
			logger.Warn("stale call sweep failed", "error", err)
			continue
		}
		if count > 0 {
			logger.Info("stale calls skipped", "count", count)
		}
	}
}

func resetDaily(ctx context.Context, eng *engine.Engine, logger *slog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	count, err := eng.ResetDailyCounters(runCtx)
	if err != nil {
		logger.Error("daily counter reset failed", "error", err)
		return
	}
	logger.Info("daily counters reset", "operators", count)
}
