// Package telemetry installs the global OpenTelemetry meter and tracer providers.
// Instrumented packages obtain instruments through otel.Meter and otel.Tracer and
// fall back to no-op implementations when no exporter is configured.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/JaimeStill/docmark/pkg/lifecycle"
)

const shutdownTimeout = 5 * time.Second

// System owns the installed providers and flushes them on shutdown.
type System interface {
	Start(lc *lifecycle.Coordinator) error
}

type providers struct {
	meters  *sdkmetric.MeterProvider
	tracers *sdktrace.TracerProvider
	logger  *slog.Logger
}

// New builds providers for cfg and registers them globally.
// With the none exporter the global no-op providers are left in place.
func New(cfg *Config, logger *slog.Logger) (System, error) {
	return newWithWriter(cfg, logger, os.Stderr)
}

func newWithWriter(cfg *Config, logger *slog.Logger, w io.Writer) (System, error) {
	p := &providers{logger: logger.With("system", "telemetry")}
	if cfg.Exporter == ExporterNone {
		return p, nil
	}

	res := resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))

	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("metric exporter: %w", err)
	}

	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}

	p.meters = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(
			metricExporter,
			sdkmetric.WithInterval(cfg.IntervalDuration()),
		)),
	)
	p.tracers = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	)

	otel.SetMeterProvider(p.meters)
	otel.SetTracerProvider(p.tracers)

	return p, nil
}

func (p *providers) Start(lc *lifecycle.Coordinator) error {
	if p.meters == nil {
		return nil
	}

	p.logger.Info("telemetry export enabled")

	lc.OnShutdown(func() {
		<-lc.Context().Done()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := errors.Join(
			p.meters.Shutdown(ctx),
			p.tracers.Shutdown(ctx),
		)
		if err != nil {
			p.logger.Error("telemetry shutdown failed", "error", err)
			return
		}
		p.logger.Info("telemetry flushed")
	})

	return nil
}
