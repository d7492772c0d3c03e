package queue

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Iivinh/chat-realtime/pkg/event"
	"github.com/Iivinh/chat-realtime/pkg/otelhelper"
	"github.com/Iivinh/chat-realtime/pkg/store"
)

// Msg is the slice of jetstream.Msg the consumer touches.
type Msg interface {
	Data() []byte
	Subject() string
	Headers() nats.Header
	Ack() error
	Nak() error
}

// Consumer drains the delivery queue into the message store.
type Consumer struct {
	store store.MessageStore

	persistedCounter metric.Int64Counter
	errorCounter     metric.Int64Counter
}

// NewConsumer builds a consumer writing to the given store.
func NewConsumer(st store.MessageStore) *Consumer {
	meter := otel.Meter("persist-worker")
	persisted, _ := meter.Int64Counter("messages_persisted_total",
		metric.WithDescription("Messages durably written to the store"))
	errs, _ := meter.Int64Counter("messages_persist_errors_total",
		metric.WithDescription("Store write failures (message redelivered)"))
	return &Consumer{store: st, persistedCounter: persisted, errorCounter: errs}
}

// Handle processes one queued envelope. Ack only after a confirmed store
// write; Nak on a write failure so the broker redelivers. An unparseable
// payload is acked and dropped since redelivering it can never succeed.
func (c *Consumer) Handle(msg Msg) {
	natsMsg := &nats.Msg{
		Subject: msg.Subject(),
		Data:    msg.Data(),
		Header:  msg.Headers(),
	}
	ctx, span := otelhelper.StartConsumerSpan(context.Background(), natsMsg, "persist message")
	defer span.End()

	var env event.Envelope
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		slog.WarnContext(ctx, "Failed to unmarshal queued envelope, dropping", "error", err)
		span.RecordError(err)
		msg.Ack()
		return
	}

	span.SetAttributes(
		attribute.String("chat.from", env.From),
		attribute.String("chat.to", env.To),
	)

	if _, err := c.store.CreateMessageRecord(ctx, env.From, env.To, env.Body); err != nil {
		slog.ErrorContext(ctx, "Failed to persist message", "error", err, "from", env.From, "to", env.To)
		span.RecordError(err)
		c.errorCounter.Add(ctx, 1)
		msg.Nak()
		return
	}

	c.persistedCounter.Add(ctx, 1)
	msg.Ack()
}

// Run binds the durable consumer to the stream and starts draining. The
// returned ConsumeContext stops the drain when the worker shuts down.
func (c *Consumer) Run(ctx context.Context, nc *nats.Conn) (jetstream.ConsumeContext, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}

	stream, err := js.Stream(ctx, StreamName)
	if err != nil {
		return nil, err
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, err
	}

	return cons.Consume(func(msg jetstream.Msg) {
		c.Handle(msg)
	})
}
