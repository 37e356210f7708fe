// Package observability wires OpenTelemetry trace export into the Genkit
// runtime. Genkit instruments model and embedder calls with spans already;
// this package only attaches an OTLP exporter so those spans leave the
// process.
//
// Export is disabled when no endpoint is configured: Setup returns a no-op
// shutdown function and the spans stay in-process.
package observability

import (
	"context"
	"log/slog"
	"os"

	"github.com/firebase/genkit/go/core/tracing"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// serviceName tags all exported spans.
const serviceName = "parley"

// Config for OTLP trace export.
type Config struct {
	// Endpoint is the OTLP HTTP collector address (host:port). Empty
	// disables export.
	Endpoint string
	// Environment is the deployment environment tag (dev, staging, prod).
	Environment string
}

// Setup attaches an OTLP HTTP exporter to Genkit's TracerProvider and
// returns a shutdown function that flushes pending spans. When cfg.Endpoint
// is empty, or the exporter cannot be created, tracing export is disabled
// and the returned shutdown is a no-op.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	if cfg.Endpoint == "" {
		return noop, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Genkit's TracerProvider reads service identity from the standard
	// OTEL environment variables.
	_ = os.Setenv("OTEL_SERVICE_NAME", serviceName)
	if cfg.Environment != "" {
		_ = os.Setenv("OTEL_RESOURCE_ATTRIBUTES", "deployment.environment="+cfg.Environment)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		logger.Warn("failed to create OTLP exporter, tracing disabled", "error", err)
		return noop, nil
	}

	processor := sdktrace.NewBatchSpanProcessor(exporter)
	tracing.TracerProvider().RegisterSpanProcessor(processor)

	logger.Debug("trace export enabled",
		"endpoint", cfg.Endpoint,
		"service", serviceName,
		"environment", cfg.Environment,
	)

	return tracing.TracerProvider().Shutdown, nil
}
