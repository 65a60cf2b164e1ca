// Package telemetry records bridge metrics through the global OpenTelemetry
// meter provider. With no provider configured every instrument is a no-op, so
// the recorder is safe to use unconditionally.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/agentmesh/bridge"

// Metrics is the bridge metrics recorder. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	requests   metric.Int64Counter
	chunks     metric.Int64Counter
	reconnects metric.Int64Counter
	duration   metric.Float64Histogram
	sessions   metric.Int64UpDownCounter
}

// NewMetrics builds the recorder against the global meter provider.
// Instrument creation failures leave the affected instrument disabled.
func NewMetrics() *Metrics {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	m.requests, _ = meter.Int64Counter("bridge.requests",
		metric.WithDescription("Requests accepted by the session manager"))
	m.chunks, _ = meter.Int64Counter("bridge.chunks",
		metric.WithDescription("Output chunks forwarded upstream"))
	m.reconnects, _ = meter.Int64Counter("bridge.reconnects",
		metric.WithDescription("Transport reconnections"))
	m.duration, _ = meter.Float64Histogram("bridge.request.duration",
		metric.WithDescription("Request wall time in seconds"),
		metric.WithUnit("s"))
	m.sessions, _ = meter.Int64UpDownCounter("bridge.sessions",
		metric.WithDescription("Live adapter sessions"))
	return m
}

// RequestStarted counts an accepted request.
func (m *Metrics) RequestStarted(ctx context.Context, adapterType string) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("adapter", adapterType)))
}

// RequestFinished records the terminal status and wall time of a request.
func (m *Metrics) RequestFinished(ctx context.Context, status string, elapsed time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

// ChunkForwarded counts one upstream chunk frame.
func (m *Metrics) ChunkForwarded(ctx context.Context) {
	if m == nil || m.chunks == nil {
		return
	}
	m.chunks.Add(ctx, 1)
}

// Reconnected counts one transport reconnection.
func (m *Metrics) Reconnected(ctx context.Context) {
	if m == nil || m.reconnects == nil {
		return
	}
	m.reconnects.Add(ctx, 1)
}

// SessionOpened and SessionClosed track the live session gauge.
func (m *Metrics) SessionOpened(ctx context.Context) {
	if m == nil || m.sessions == nil {
		return
	}
	m.sessions.Add(ctx, 1)
}

// SessionClosed decrements the live session gauge.
func (m *Metrics) SessionClosed(ctx context.Context) {
	if m == nil || m.sessions == nil {
		return
	}
	m.sessions.Add(ctx, -1)
}
