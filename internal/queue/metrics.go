package queue

import (
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const scope = "github.com/JaimeStill/docmark/internal/queue"

var (
	directionInput  = metric.WithAttributes(attribute.String("direction", "input"))
	directionOutput = metric.WithAttributes(attribute.String("direction", "output"))
)

// Instruments holds the meters and tracer the stages record into.
type Instruments struct {
	tracer trace.Tracer

	tasksSplit     metric.Int64Counter
	tasksMerged    metric.Int64Counter
	tasksFailed    metric.Int64Counter
	pagesCompleted metric.Int64Counter
	pagesFailed    metric.Int64Counter
	pageRetries    metric.Int64Counter
	tokens         metric.Int64Counter
	conversionTime metric.Float64Histogram
}

// NewInstruments creates the queue instruments from mp and tp.
func NewInstruments(mp metric.MeterProvider, tp trace.TracerProvider) (*Instruments, error) {
	meter := mp.Meter(scope)
	i := &Instruments{tracer: tp.Tracer(scope)}

	var errs [8]error
	i.tasksSplit, errs[0] = meter.Int64Counter("docmark.tasks.split",
		metric.WithDescription("Tasks split into pages"))
	i.tasksMerged, errs[1] = meter.Int64Counter("docmark.tasks.merged",
		metric.WithDescription("Tasks merged into a single document"))
	i.tasksFailed, errs[2] = meter.Int64Counter("docmark.tasks.failed",
		metric.WithDescription("Tasks failed during split or merge"))
	i.pagesCompleted, errs[3] = meter.Int64Counter("docmark.pages.completed",
		metric.WithDescription("Pages converted successfully"))
	i.pagesFailed, errs[4] = meter.Int64Counter("docmark.pages.failed",
		metric.WithDescription("Pages that failed conversion"))
	i.pageRetries, errs[5] = meter.Int64Counter("docmark.pages.retries",
		metric.WithDescription("Page conversion retries"))
	i.tokens, errs[6] = meter.Int64Counter("docmark.llm.tokens",
		metric.WithDescription("Model tokens consumed"), metric.WithUnit("{token}"))
	i.conversionTime, errs[7] = meter.Float64Histogram("docmark.page.conversion.duration",
		metric.WithDescription("Page conversion time"), metric.WithUnit("s"))

	if err := errors.Join(errs[:]...); err != nil {
		return nil, err
	}
	return i, nil
}

// NoopInstruments returns Instruments that record nothing.
func NoopInstruments() *Instruments {
	i, _ := NewInstruments(metricnoop.NewMeterProvider(), tracenoop.NewTracerProvider())
	return i
}
