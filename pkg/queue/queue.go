// Package queue is the durable delivery pipeline: every relayed message is
// published to a JetStream stream and drained by a worker that writes the
// durable record, acknowledging only after a confirmed write. At-least-once;
// duplicate records under redelivery are accepted.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Iivinh/chat-realtime/pkg/event"
	"github.com/Iivinh/chat-realtime/pkg/otelhelper"
)

const (
	// StreamName is the JetStream stream backing the delivery queue.
	StreamName = "CHAT_MESSAGES"
	// Subject carries serialized envelopes into the stream.
	Subject = "chat.message"
	// ConsumerName is the durable consumer the persist worker binds to.
	ConsumerName = "persist-worker"

	enqueueTimeout = 3 * time.Second

	breakerThreshold = 5
	breakerCooldown  = 10
)

// ErrCircuitOpen is returned while the enqueue breaker is shedding attempts.
var ErrCircuitOpen = errors.New("queue: enqueue circuit open")

// Enqueuer places envelopes on the durable delivery queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, env event.Envelope) error
}

// Queue is the JetStream-backed Enqueuer. A circuit breaker sheds publishes
// while the broker is failing so a dead stream cannot stall relaying.
type Queue struct {
	js      jetstream.JetStream
	breaker *CircuitBreaker
}

// New creates the stream if needed and returns the queue. File storage so
// queued envelopes survive a broker restart.
func New(ctx context.Context, nc *nats.Conn) (*Queue, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("queue: jetstream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{Subject},
		Retention: jetstream.LimitsPolicy,
		MaxMsgs:   100000,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("queue: create/update stream: %w", err)
	}

	return &Queue{
		js:      js,
		breaker: NewCircuitBreaker(breakerThreshold, breakerCooldown),
	}, nil
}

// Enqueue publishes one envelope with the trace context in headers. The call
// is bounded by a short timeout; a failure is returned for the caller to log
// and drop; persistence is best-effort relative to live delivery.
func (q *Queue) Enqueue(ctx context.Context, env event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("queue: marshal envelope: %w", err)
	}

	if !q.breaker.Allow() {
		return ErrCircuitOpen
	}

	ctx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()

	_, err = q.js.PublishMsg(ctx, &nats.Msg{
		Subject: Subject,
		Data:    data,
		Header:  otelhelper.InjectContext(ctx),
	})
	if err != nil {
		q.breaker.RecordFailure()
		return fmt.Errorf("queue: publish envelope: %w", err)
	}
	q.breaker.RecordSuccess()
	return nil
}
