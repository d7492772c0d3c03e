// Package relay ties presence, fan-out, and the durable queue together: one
// send request resolves the live connections, fans the delivery out, and
// queues the persistence task.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Iivinh/chat-realtime/pkg/event"
	"github.com/Iivinh/chat-realtime/pkg/fanout"
	"github.com/Iivinh/chat-realtime/pkg/presence"
	"github.com/Iivinh/chat-realtime/pkg/queue"
)

// Orchestrator routes one send request to its recipient and into the durable
// queue. Live delivery and persistence are independent: neither failing
// suppresses the other.
type Orchestrator struct {
	registry presence.Registry
	bus      fanout.Bus
	queue    queue.Enqueuer

	relayedCounter metric.Int64Counter
	offlineCounter metric.Int64Counter
	dropCounter    metric.Int64Counter
}

// New builds an Orchestrator over the given collaborators.
func New(registry presence.Registry, bus fanout.Bus, q queue.Enqueuer) *Orchestrator {
	meter := otel.Meter("relay")
	relayed, _ := meter.Int64Counter("relay_messages_total",
		metric.WithDescription("Send requests processed, by live-delivery outcome"))
	offline, _ := meter.Int64Counter("relay_recipient_offline_total",
		metric.WithDescription("Send requests whose recipient had no live connection"))
	drops, _ := meter.Int64Counter("relay_persist_drops_total",
		metric.WithDescription("Envelopes dropped because the durable queue was unreachable"))
	return &Orchestrator{
		registry:       registry,
		bus:            bus,
		queue:          q,
		relayedCounter: relayed,
		offlineCounter: offline,
		dropCounter:    drops,
	}
}

// Deliver handles one send request from an identified session. Presence
// lookups come first so an offline recipient short-circuits to log-and-skip;
// the enqueue is last and unconditional so a live-delivery failure never
// suppresses history.
func (o *Orchestrator) Deliver(ctx context.Context, from, to, body string) {
	recipientConn := o.resolve(ctx, to)
	senderConn := o.resolve(ctx, from)

	delivered := false
	if recipientConn != "" {
		if err := o.bus.Publish(ctx, recipientConn, event.NewDelivered(from, to, body)); err != nil {
			slog.WarnContext(ctx, "Live delivery failed", "to", to, "conn", recipientConn, "error", err)
		} else {
			delivered = true
		}
		if err := o.bus.Publish(ctx, recipientConn, event.NewRefresh()); err != nil {
			slog.WarnContext(ctx, "Recipient refresh failed", "to", to, "error", err)
		}
	} else {
		o.offlineCounter.Add(ctx, 1)
		slog.DebugContext(ctx, "Recipient offline, delivery skipped", "to", to)
	}

	// The sender normally has a live connection (it is the current session);
	// the refresh keeps its other open sessions and last-message previews
	// current without a history fetch.
	if senderConn != "" {
		if err := o.bus.Publish(ctx, senderConn, event.NewRefresh()); err != nil {
			slog.WarnContext(ctx, "Sender refresh failed", "from", from, "error", err)
		}
	}

	env := event.Envelope{From: from, To: to, Body: body, SentAt: time.Now().UnixMilli()}
	if err := o.queue.Enqueue(ctx, env); err != nil {
		o.dropCounter.Add(ctx, 1)
		slog.ErrorContext(ctx, "Durable queue unreachable, persistence task dropped",
			"from", from, "to", to, "error", err)
	}

	o.relayedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("delivered", delivered),
	))
}

// resolve looks a user up in the presence registry. Absence and transient
// registry failures both degrade to "no live connection" and the message still
// reaches the durable queue.
func (o *Orchestrator) resolve(ctx context.Context, user string) string {
	conn, err := o.registry.Lookup(ctx, user)
	if err == nil {
		return conn
	}
	if !errors.Is(err, presence.ErrNotFound) {
		slog.WarnContext(ctx, "Presence lookup failed, treating as offline", "user", user, "error", err)
	}
	return ""
}
