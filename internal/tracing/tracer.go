// Package tracing installs the OpenTelemetry provider behind the runtime's
// spans: command handling, recipe runs, step dispatch, and datalog cycles
// all start spans through the global tracer this package configures.
package tracing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/appconfig"
)

const serviceName = "aldctl"

// Provider owns the installed tracer provider. When tracing is disabled it
// is inert: the global otel tracer stays a no-op and Shutdown does nothing.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// NewProvider configures span export and sampling and installs the result
// as the global tracer provider. With cfg.Enabled false it installs
// nothing, which leaves every tracer in the process a no-op.
func NewProvider(cfg appconfig.TracingConfig, machineID string, logger zerolog.Logger) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}

	exporter, err := newExporter(cfg)
	if err != nil {
		return nil, err
	}

	rate := cfg.SampleRate
	if rate <= 0 || rate > 1 {
		rate = 1.0
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("machine.id", machineID),
	)
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	p := &Provider{tp: sdktrace.NewTracerProvider(opts...)}
	otel.SetTracerProvider(p.tp)

	logger.Info().
		Str("component", "tracing").
		Str("exporter", cfg.Exporter).
		Float64("sample_rate", rate).
		Msg("tracing enabled")
	return p, nil
}

func newExporter(cfg appconfig.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", "none":
		// Spans still carry context between components, nothing leaves
		// the process.
		return nil, nil
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "file":
		path := cfg.FilePath
		if path == "" {
			p, err := defaultTracePath()
			if err != nil {
				return nil, err
			}
			path = p
		}
		return newFileExporter(path)
	case "otlp":
		endpoint := cfg.OTLPEndpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		return otlptracegrpc.New(context.Background(),
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unknown tracing exporter %q", cfg.Exporter)
	}
}

func defaultTracePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".aldctl", "traces.jsonl"), nil
}

// Enabled reports whether a real provider was installed.
func (p *Provider) Enabled() bool {
	return p.tp != nil
}

// Shutdown flushes batched spans and stops export. Safe to call on a
// disabled provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
