package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"

	"github.com/vayulabs/vayu-gateway/internal/domain/schema"
)

// UpstreamSource is the driver surface the socket instruments observe.
type UpstreamSource interface {
	Status() schema.StreamStatus
	Reconnects() int64
	DroppedTicks() int64
}

// SessionSource reports live client sessions on this instance.
type SessionSource interface {
	SessionCount() int
}

// ObserveGateway registers asynchronous instruments over the upstream socket
// and the client session table. Values are read on each OTLP collection.
func (p *Provider) ObserveGateway(upstream UpstreamSource, sessions SessionSource) error {
	meter := p.Meter("vayu.gateway")

	connected, err := meter.Int64ObservableGauge("upstream.connected",
		metric.WithDescription("1 when the upstream binary websocket is connected"))
	if err != nil {
		return fmt.Errorf("create upstream.connected: %w", err)
	}
	subscribed, err := meter.Int64ObservableGauge("upstream.subscriptions",
		metric.WithDescription("Distinct pairs subscribed on the upstream wire"))
	if err != nil {
		return fmt.Errorf("create upstream.subscriptions: %w", err)
	}
	reconnects, err := meter.Int64ObservableCounter("upstream.reconnects",
		metric.WithDescription("Completed upstream websocket reconnect cycles"))
	if err != nil {
		return fmt.Errorf("create upstream.reconnects: %w", err)
	}
	drops, err := meter.Int64ObservableCounter("fanout.dropped_ticks",
		metric.WithDescription("Ticks dropped before fan-out due to backpressure"))
	if err != nil {
		return fmt.Errorf("create fanout.dropped_ticks: %w", err)
	}
	clientSessions, err := meter.Int64ObservableGauge("client.sessions",
		metric.WithDescription("Live client websocket sessions on this instance"))
	if err != nil {
		return fmt.Errorf("create client.sessions: %w", err)
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		status := upstream.Status()
		var up int64
		if status.UpstreamConnected {
			up = 1
		}
		o.ObserveInt64(connected, up)
		o.ObserveInt64(subscribed, int64(status.SubscribedCount))
		o.ObserveInt64(reconnects, upstream.Reconnects())
		o.ObserveInt64(drops, upstream.DroppedTicks())
		o.ObserveInt64(clientSessions, int64(sessions.SessionCount()))
		return nil
	}, connected, subscribed, reconnects, drops, clientSessions)
	if err != nil {
		return fmt.Errorf("register gateway callback: %w", err)
	}
	return nil
}
