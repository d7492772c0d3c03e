// Package store is the narrow boundary to the external message store: create
// one durable record, query the records between two users, and summarize a
// user's conversations. The store owns the records once written; this core
// only reads them back for history.
package store

import (
	"context"
	"sort"
	"time"
)

// MessageRecord is the durable form of a relayed message.
type MessageRecord struct {
	Participants [2]string `json:"participants"`
	Sender       string    `json:"sender"`
	Body         string    `json:"body"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Conversation summarizes the most recent exchange with one partner.
type Conversation struct {
	Partner    string    `json:"partner"`
	LastBody   string    `json:"lastBody"`
	LastSender string    `json:"lastSender"`
	LastAt     time.Time `json:"lastAt"`
}

// MessageStore is the document-store surface the relay consumes.
type MessageStore interface {
	// CreateMessageRecord persists one message. Duplicate records for the
	// same send are possible under queue redelivery and are accepted.
	CreateMessageRecord(ctx context.Context, sender, recipient, body string) (*MessageRecord, error)
	// FindMessagesBetween returns every record whose participant pair is
	// exactly {userA, userB}, oldest first.
	FindMessagesBetween(ctx context.Context, userA, userB string) ([]MessageRecord, error)
	// FindConversations returns one entry per partner the user has exchanged
	// messages with, carrying the latest message, newest conversation first.
	FindConversations(ctx context.Context, user string) ([]Conversation, error)
	Close(ctx context.Context) error
}

// PairKey returns the participant pair in canonical order so both directions
// of a conversation land on the same key.
func PairKey(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// latestPerPartner folds a user's records (any order) into one conversation
// per partner, keeping the newest message and sorting newest-first.
func latestPerPartner(user string, records []MessageRecord) []Conversation {
	latest := make(map[string]MessageRecord)
	for _, rec := range records {
		partner := rec.Participants[0]
		if partner == user {
			partner = rec.Participants[1]
		}
		if partner == user {
			continue // self-conversation, nothing to summarize
		}
		if prev, ok := latest[partner]; !ok || rec.UpdatedAt.After(prev.UpdatedAt) {
			latest[partner] = rec
		}
	}

	conversations := make([]Conversation, 0, len(latest))
	for partner, rec := range latest {
		conversations = append(conversations, Conversation{
			Partner:    partner,
			LastBody:   rec.Body,
			LastSender: rec.Sender,
			LastAt:     rec.UpdatedAt,
		})
	}
	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].LastAt.After(conversations[j].LastAt)
	})
	return conversations
}
