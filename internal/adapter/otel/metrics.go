// Package otel provides OpenTelemetry instrumentation for ControlTower.
// Instruments use the global providers; they are no-ops until a host
// process installs an SDK.
package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "controltower"

// Metrics holds all ControlTower metric instruments.
type Metrics struct {
	RunsStarted     metric.Int64Counter
	RunsCompleted   metric.Int64Counter
	RunsFailed      metric.Int64Counter
	EventsPublished metric.Int64Counter
	PhaseDuration   metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.RunsStarted, err = meter.Int64Counter("controltower.runs.started",
		metric.WithDescription("Number of workflow runs started"))
	if err != nil {
		return nil, err
	}

	m.RunsCompleted, err = meter.Int64Counter("controltower.runs.completed",
		metric.WithDescription("Number of workflow runs completed"))
	if err != nil {
		return nil, err
	}

	m.RunsFailed, err = meter.Int64Counter("controltower.runs.failed",
		metric.WithDescription("Number of workflow runs ended by a phase error"))
	if err != nil {
		return nil, err
	}

	m.EventsPublished, err = meter.Int64Counter("controltower.events.published",
		metric.WithDescription("Number of workflow events published to sinks"))
	if err != nil {
		return nil, err
	}

	m.PhaseDuration, err = meter.Float64Histogram("controltower.phase.duration_seconds",
		metric.WithDescription("Workflow phase duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
