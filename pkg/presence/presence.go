// Package presence maintains the cluster-wide mapping between users and the
// connection currently serving them. The table lives in an external key-value
// store so every gateway instance sees the same state; a per-process map is
// never the source of truth.
package presence

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Lookup when the user has no live connection and
// by backends when a field is absent.
var ErrNotFound = errors.New("presence: not found")

// Registry is one logical presence table visible to all instances.
type Registry interface {
	// Register sets user → conn and conn → user. Overwriting an existing
	// registration is not an error; last registration wins.
	Register(ctx context.Context, user, conn string) error
	// Lookup returns the connection currently serving user, or ErrNotFound.
	Lookup(ctx context.Context, user string) (string, error)
	// Unregister removes both directions for conn. Unknown connections are a
	// no-op so the call is safe to repeat.
	Unregister(ctx context.Context, conn string) error
}

// Table names for the two directions of the presence map.
const (
	userConnTable = "userConnMap" // user → connection
	connUserTable = "connUserMap" // connection → user
)

// kvStore is the narrow atomic hash-field surface the registry needs from a
// backing store. Each operation is individually atomic; the registry never
// does read-modify-write across instances.
type kvStore interface {
	Set(ctx context.Context, table, field, value string) error
	// Get returns ErrNotFound when the field is absent.
	Get(ctx context.Context, table, field string) (string, error)
	Delete(ctx context.Context, table, field string) error
}

// opTimeout bounds every backing-store round-trip so a stalled store degrades
// to a retryable error instead of blocking a session.
const opTimeout = 2 * time.Second

type registry struct {
	kv kvStore
}

func newRegistry(kv kvStore) Registry {
	return &registry{kv: kv}
}

func (r *registry) Register(ctx context.Context, user, conn string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	// Forward first so lookups route to the newest connection as early as
	// possible. The window where only one direction is set is tolerated; both
	// converge once the call returns.
	if err := r.kv.Set(ctx, userConnTable, user, conn); err != nil {
		return err
	}
	return r.kv.Set(ctx, connUserTable, conn, user)
}

func (r *registry) Lookup(ctx context.Context, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return r.kv.Get(ctx, userConnTable, user)
}

func (r *registry) Unregister(ctx context.Context, conn string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	user, err := r.kv.Get(ctx, connUserTable, conn)
	if errors.Is(err, ErrNotFound) {
		return nil // already cleaned up, or never identified
	}
	if err != nil {
		return err
	}

	// Delete the forward mapping only if it still points at this connection.
	// After a fast reconnect the user's entry already names the new
	// connection and must survive the old connection's teardown.
	current, err := r.kv.Get(ctx, userConnTable, user)
	if err == nil && current == conn {
		if err := r.kv.Delete(ctx, userConnTable, user); err != nil {
			return err
		}
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	return r.kv.Delete(ctx, connUserTable, conn)
}
