// Package telemetry exports engine and HTTP spans to an OTLP collector.
// Every process reports under the qms namespace with its own instance id.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"runtime/debug"
	"strconv"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const namespace = "qms"

type Config struct {
	Service  string
	Version  string
	Endpoint string
	Insecure bool
}

// FromEnv reads OTEL_EXPORTER_OTLP_ENDPOINT and OTEL_EXPORTER_OTLP_INSECURE.
// The version comes from the build info of the running binary.
func FromEnv(service string) Config {
	insecure, _ := strconv.ParseBool(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"))
	return Config{
		Service:  service,
		Version:  buildVersion(),
		Endpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Insecure: insecure,
	}
}

func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "dev"
	}
	return info.Main.Version
}

// Resource describes this process. OTEL_RESOURCE_ATTRIBUTES overrides the
// defaults.
func Resource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithHost(),
		resource.WithProcessPID(),
		resource.WithProcessRuntimeVersion(),
		resource.WithAttributes(
			semconv.ServiceNamespace(namespace),
			semconv.ServiceName(cfg.Service),
			semconv.ServiceVersion(cfg.Version),
			semconv.ServiceInstanceID(uuid.NewString()),
		),
		resource.WithFromEnv(),
	)
}

// Setup installs a batching OTLP gRPC tracer provider. Without an endpoint
// spans stay on the global no-op provider. The returned function flushes
// and stops the provider.
func Setup(cfg Config, logger *slog.Logger) func(context.Context) error {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }
	}

	ctx := context.Background()
	res, err := Resource(ctx, cfg)
	switch {
	case errors.Is(err, resource.ErrPartialResource):
		logger.Warn("otel resource incomplete", "error", err)
	case err != nil:
		logger.Warn("otel resource unavailable", "error", err)
		res = resource.Default()
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		logger.Warn("otel exporter unavailable", "endpoint", cfg.Endpoint, "error", err)
		return func(context.Context) error { return nil }
	}

	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	logger.Info("tracing enabled",
		"endpoint", cfg.Endpoint,
		"service", cfg.Service,
		"version", cfg.Version,
	)
	return provider.Shutdown
}
