// Package fanout delivers events to a named connection regardless of which
// gateway instance currently holds it. Routing goes through NATS core
// pub/sub on per-connection subjects; instances never address each other
// directly.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Iivinh/chat-realtime/pkg/otelhelper"
)

// Bus publishes a client-bound frame to exactly the named connection if it is
// live anywhere in the cluster. Publishing to a connection that no longer
// exists is a silent no-op.
type Bus interface {
	Publish(ctx context.Context, conn string, frame any) error
}

// Subject returns the delivery subject for one connection. The gateway
// session subscribes to it for the lifetime of the connection.
func Subject(conn string) string {
	return "deliver." + conn
}

type natsBus struct {
	nc      *nats.Conn
	counter metric.Int64Counter
}

// NewBus returns a Bus backed by the given NATS connection.
func NewBus(nc *nats.Conn) Bus {
	meter := otel.Meter("fanout")
	counter, _ := meter.Int64Counter("fanout_events_total",
		metric.WithDescription("Total events published toward client connections"))
	return &natsBus{nc: nc, counter: counter}
}

func (b *natsBus) Publish(ctx context.Context, conn string, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("fanout: marshal frame: %w", err)
	}

	subject := Subject(conn)
	if err := otelhelper.TracedPublish(ctx, b.nc, subject, data); err != nil {
		return fmt.Errorf("fanout: publish %s: %w", subject, err)
	}

	b.counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("subject", subject),
	))
	slog.DebugContext(ctx, "Published fanout event", "conn", conn, "bytes", len(data))
	return nil
}
