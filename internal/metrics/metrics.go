// Package metrics exposes OpenTelemetry counters for the realtime
// layer. Without a registered meter provider these are no-ops.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/exoview/collab/internal/metrics"

type Counters struct {
	handled    metric.Int64Counter
	broadcasts metric.Int64Counter
	expired    metric.Int64Counter
	conflicts  metric.Int64Counter
}

func New() *Counters {
	m := otel.Meter(instrumentationName)

	c := &Counters{}
	c.handled, _ = m.Int64Counter(
		"collab.messages.handled",
		metric.WithDescription("Total client messages applied by room actors"),
	)
	c.broadcasts, _ = m.Int64Counter(
		"collab.broadcasts.sent",
		metric.WithDescription("Total per-connection broadcast deliveries"),
	)
	c.expired, _ = m.Int64Counter(
		"collab.members.expired",
		metric.WithDescription("Total members removed by liveness expiry"),
	)
	c.conflicts, _ = m.Int64Counter(
		"collab.selection.conflicts",
		metric.WithDescription("Total selects rejected under exclusive locks"),
	)
	return c
}

func (c *Counters) Handled(msgType string) {
	if c == nil {
		return
	}
	c.handled.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", msgType)))
}

func (c *Counters) Broadcast(n int) {
	if c == nil {
		return
	}
	c.broadcasts.Add(context.Background(), int64(n))
}

func (c *Counters) Expired(n int) {
	if c == nil {
		return
	}
	c.expired.Add(context.Background(), int64(n))
}

func (c *Counters) Conflict() {
	if c == nil {
		return
	}
	c.conflicts.Add(context.Background(), 1)
}
