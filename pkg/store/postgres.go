package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	_ "github.com/lib/pq"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const messagesSchema = `
CREATE TABLE IF NOT EXISTS messages (
    id            BIGSERIAL PRIMARY KEY,
    participant_a TEXT        NOT NULL,
    participant_b TEXT        NOT NULL,
    sender        TEXT        NOT NULL,
    body          TEXT        NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_pair_idx
    ON messages (participant_a, participant_b, updated_at);
CREATE INDEX IF NOT EXISTS messages_updated_idx
    ON messages (updated_at DESC);
`

// PostgresStore implements MessageStore on PostgreSQL with the participant
// pair stored in canonical order so both directions hit one index.
type PostgresStore struct {
	db *sql.DB

	insertStmt        *sql.Stmt
	betweenStmt       *sql.Stmt
	participatingStmt *sql.Stmt
}

// NewPostgresStore opens the database with otelsql for automatic query
// tracing, waits for it to come up, ensures the schema, and prepares the
// statements the store runs.
func NewPostgresStore(ctx context.Context, dbURL string) (*PostgresStore, error) {
	db, err := otelsql.Open("postgres", dbURL,
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open: %w", err)
	}

	for attempt := 1; attempt <= 30; attempt++ {
		err = db.PingContext(ctx)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if _, err := db.ExecContext(ctx, messagesSchema); err != nil {
		return nil, fmt.Errorf("postgres store: ensure schema: %w", err)
	}

	s := &PostgresStore{db: db}
	if s.insertStmt, err = db.PrepareContext(ctx,
		`INSERT INTO messages (participant_a, participant_b, sender, body, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
	); err != nil {
		return nil, fmt.Errorf("postgres store: prepare insert: %w", err)
	}
	if s.betweenStmt, err = db.PrepareContext(ctx,
		`SELECT participant_a, participant_b, sender, body, created_at, updated_at
		 FROM messages
		 WHERE participant_a = $1 AND participant_b = $2
		 ORDER BY updated_at ASC`,
	); err != nil {
		return nil, fmt.Errorf("postgres store: prepare between query: %w", err)
	}
	if s.participatingStmt, err = db.PrepareContext(ctx,
		`SELECT participant_a, participant_b, sender, body, created_at, updated_at
		 FROM messages
		 WHERE participant_a = $1 OR participant_b = $1`,
	); err != nil {
		return nil, fmt.Errorf("postgres store: prepare participating query: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) CreateMessageRecord(ctx context.Context, sender, recipient, body string) (*MessageRecord, error) {
	a, b := PairKey(sender, recipient)
	now := time.Now().UTC()
	if _, err := s.insertStmt.ExecContext(ctx, a, b, sender, body, now, now); err != nil {
		return nil, fmt.Errorf("postgres store: insert message: %w", err)
	}
	return &MessageRecord{
		Participants: [2]string{a, b},
		Sender:       sender,
		Body:         body,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (s *PostgresStore) FindMessagesBetween(ctx context.Context, userA, userB string) ([]MessageRecord, error) {
	a, b := PairKey(userA, userB)
	rows, err := s.betweenStmt.QueryContext(ctx, a, b)
	if err != nil {
		return nil, fmt.Errorf("postgres store: between query: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *PostgresStore) FindConversations(ctx context.Context, user string) ([]Conversation, error) {
	rows, err := s.participatingStmt.QueryContext(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("postgres store: participating query: %w", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	return latestPerPartner(user, records), nil
}

func (s *PostgresStore) Close(ctx context.Context) error {
	return s.db.Close()
}

func scanRecords(rows *sql.Rows) ([]MessageRecord, error) {
	var records []MessageRecord
	for rows.Next() {
		var rec MessageRecord
		if err := rows.Scan(&rec.Participants[0], &rec.Participants[1],
			&rec.Sender, &rec.Body, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres store: scan row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
