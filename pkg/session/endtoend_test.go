package session

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/Iivinh/chat-realtime/pkg/event"
	"github.com/Iivinh/chat-realtime/pkg/presence"
	"github.com/Iivinh/chat-realtime/pkg/queue"
	"github.com/Iivinh/chat-realtime/pkg/relay"
	"github.com/Iivinh/chat-realtime/pkg/store"
)

// memRegistry is a real in-process presence table so the orchestrator and
// sessions share state the way they do against the KV store.
type memRegistry struct {
	userConn map[string]string
	connUser map[string]string
}

func newMemRegistry() *memRegistry {
	return &memRegistry{
		userConn: make(map[string]string),
		connUser: make(map[string]string),
	}
}

func (m *memRegistry) Register(_ context.Context, user, conn string) error {
	m.userConn[user] = conn
	m.connUser[conn] = user
	return nil
}

func (m *memRegistry) Lookup(_ context.Context, user string) (string, error) {
	conn, ok := m.userConn[user]
	if !ok {
		return "", presence.ErrNotFound
	}
	return conn, nil
}

func (m *memRegistry) Unregister(_ context.Context, conn string) error {
	user, ok := m.connUser[conn]
	if !ok {
		return nil
	}
	if m.userConn[user] == conn {
		delete(m.userConn, user)
	}
	delete(m.connUser, conn)
	return nil
}

// loopbackBus routes published frames straight into the target session's
// outbound buffer, standing in for the per-connection NATS subjects.
type loopbackBus struct {
	sessions map[string]*Session
}

func (b *loopbackBus) Publish(_ context.Context, conn string, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if s, ok := b.sessions[conn]; ok {
		s.Push(data)
	}
	return nil
}

type captureQueue struct {
	envelopes []event.Envelope
}

func (q *captureQueue) Enqueue(_ context.Context, env event.Envelope) error {
	q.envelopes = append(q.envelopes, env)
	return nil
}

// memStore collects the records the queue consumer writes.
type memStore struct {
	records []store.MessageRecord
}

func (m *memStore) CreateMessageRecord(_ context.Context, sender, recipient, body string) (*store.MessageRecord, error) {
	a, b := store.PairKey(sender, recipient)
	rec := store.MessageRecord{Participants: [2]string{a, b}, Sender: sender, Body: body}
	m.records = append(m.records, rec)
	return &rec, nil
}

func (m *memStore) FindMessagesBetween(context.Context, string, string) ([]store.MessageRecord, error) {
	return m.records, nil
}

func (m *memStore) FindConversations(context.Context, string) ([]store.Conversation, error) {
	return nil, nil
}

func (m *memStore) Close(context.Context) error { return nil }

// streamedMsg stands in for a JetStream delivery of an enqueued envelope.
type streamedMsg struct {
	data  []byte
	acked int
	naked int
}

func (m *streamedMsg) Data() []byte         { return m.data }
func (m *streamedMsg) Subject() string      { return queue.Subject }
func (m *streamedMsg) Headers() nats.Header { return nil }
func (m *streamedMsg) Ack() error           { m.acked++; return nil }
func (m *streamedMsg) Nak() error           { m.naked++; return nil }

func drainFrames(s *Session) [][]byte {
	var frames [][]byte
	for {
		select {
		case data := <-s.send:
			frames = append(frames, data)
		default:
			return frames
		}
	}
}

// Two sessions wired through the real orchestrator: identify both, send one
// message, watch it arrive at the recipient, land on the queue, and persist;
// then close the recipient and confirm the next send only persists.
func TestRelayEndToEnd(t *testing.T) {
	ctx := context.Background()
	reg := newMemRegistry()
	enq := &captureQueue{}
	bus := &loopbackBus{sessions: make(map[string]*Session)}
	orch := relay.New(reg, bus, enq)

	a := New("conn-a", reg, orch)
	b := New("conn-b", reg, orch)
	bus.sessions[a.ID()] = a
	bus.sessions[b.ID()] = b

	if err := a.HandleFrame(ctx, []byte(`{"event":"identify","user":"u1"}`)); err != nil {
		t.Fatalf("identify u1 failed: %v", err)
	}
	if err := b.HandleFrame(ctx, []byte(`{"event":"identify","user":"u2"}`)); err != nil {
		t.Fatalf("identify u2 failed: %v", err)
	}

	if err := a.HandleFrame(ctx, []byte(`{"event":"send","to":"u2","body":"hello"}`)); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	// recipient gets the delivered payload first, then the refresh signal
	bFrames := drainFrames(b)
	if len(bFrames) != 2 {
		t.Fatalf("Expected 2 frames at recipient, got %d", len(bFrames))
	}
	var delivered event.DeliveredFrame
	if err := json.Unmarshal(bFrames[0], &delivered); err != nil {
		t.Fatalf("unmarshal delivered frame: %v", err)
	}
	if delivered.Event != event.Delivered || delivered.From != "u1" || delivered.To != "u2" || delivered.Body != "hello" {
		t.Errorf("Unexpected delivered frame: %+v", delivered)
	}

	// sender gets only a refresh signal, never the payload
	aFrames := drainFrames(a)
	if len(aFrames) != 1 {
		t.Fatalf("Expected 1 frame at sender, got %d", len(aFrames))
	}
	var refresh event.RefreshFrame
	if err := json.Unmarshal(aFrames[0], &refresh); err != nil {
		t.Fatalf("unmarshal refresh frame: %v", err)
	}
	if refresh.Event != event.Refresh {
		t.Errorf("Expected refresh at sender, got %+v", refresh)
	}

	if len(enq.envelopes) != 1 {
		t.Fatalf("Expected 1 enqueued envelope, got %d", len(enq.envelopes))
	}

	// drain the queue into the store the way the persist worker does
	st := &memStore{}
	consumer := queue.NewConsumer(st)
	data, err := json.Marshal(enq.envelopes[0])
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	msg := &streamedMsg{data: data}
	consumer.Handle(msg)

	if msg.acked != 1 || msg.naked != 0 {
		t.Fatalf("Expected ack after write, got acked=%d naked=%d", msg.acked, msg.naked)
	}
	if len(st.records) != 1 {
		t.Fatalf("Expected 1 durable record, got %d", len(st.records))
	}
	rec := st.records[0]
	if rec.Participants != [2]string{"u1", "u2"} || rec.Sender != "u1" || rec.Body != "hello" {
		t.Errorf("Unexpected record: %+v", rec)
	}

	// recipient disconnects; the next send persists but delivers nothing
	if err := b.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := a.HandleFrame(ctx, []byte(`{"event":"send","to":"u2","body":"still there?"}`)); err != nil {
		t.Fatalf("second send failed: %v", err)
	}
	if frames := drainFrames(b); len(frames) != 0 {
		t.Errorf("Expected no frames at closed recipient, got %d", len(frames))
	}
	if len(enq.envelopes) != 2 {
		t.Errorf("Expected second envelope enqueued, got %d", len(enq.envelopes))
	}
}
