package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestNilRecorderIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RequestStarted(ctx, "claude")
	m.RequestFinished(ctx, "done", time.Second)
	m.ChunkForwarded(ctx)
	m.Reconnected(ctx)
	m.SessionOpened(ctx)
	m.SessionClosed(ctx)
}

func TestNoopProviderRecorder(t *testing.T) {
	// With no global meter provider configured the instruments are no-ops
	// but must still accept recordings.
	m := NewMetrics()
	ctx := context.Background()
	m.RequestStarted(ctx, "gateway")
	m.RequestFinished(ctx, "error", 200*time.Millisecond)
	m.ChunkForwarded(ctx)
	m.SessionOpened(ctx)
	m.SessionClosed(ctx)
}
