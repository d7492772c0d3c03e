// Package event defines the frames exchanged with chat clients over the
// websocket transport and the transient envelope used on the delivery path.
package event

// Client-facing event names.
const (
	Identify  = "identify"
	Send      = "send"
	Delivered = "delivered"
	Refresh   = "refresh"
)

// ClientFrame is the envelope for every inbound client frame. Fields beyond
// Event are populated depending on the event kind.
type ClientFrame struct {
	Event string `json:"event"`
	User  string `json:"user,omitempty"` // identify
	To    string `json:"to,omitempty"`   // send
	Body  string `json:"body,omitempty"` // send
}

// DeliveredFrame is pushed to the recipient connection when a message
// arrives for it.
type DeliveredFrame struct {
	Event string `json:"event"`
	From  string `json:"from"`
	To    string `json:"to"`
	Body  string `json:"body"`
}

// RefreshFrame tells a client to re-fetch its conversation summaries.
type RefreshFrame struct {
	Event string `json:"event"`
}

// NewDelivered builds the delivered frame for a relayed message.
func NewDelivered(from, to, body string) DeliveredFrame {
	return DeliveredFrame{Event: Delivered, From: from, To: to, Body: body}
}

// NewRefresh builds the conversation-refresh signal.
func NewRefresh() RefreshFrame {
	return RefreshFrame{Event: Refresh}
}

// Envelope is the transient form of a message on the delivery path. It is
// serialized onto the durable queue and discarded once queued; the persisted
// MessageRecord is the source of truth for history.
type Envelope struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Body   string `json:"body"`
	SentAt int64  `json:"sentAt"` // unix millis
}
