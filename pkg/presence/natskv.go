package presence

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// Bucket names used by the NATS KV backend. One bucket per map direction;
// per-key Put/Get/Delete are atomic within a bucket.
const (
	userConnBucket = "PRESENCE_USER"
	connUserBucket = "PRESENCE_CONN"
)

type natsKV struct {
	buckets map[string]jetstream.KeyValue
}

// NewNATSRegistry creates (or binds to) the presence KV buckets and returns a
// Registry backed by them. Memory storage: presence is ephemeral by nature
// and connections re-register after a server restart. Every operation takes
// the caller's context so the registry's per-op timeout actually bounds the
// round-trip.
func NewNATSRegistry(ctx context.Context, js jetstream.JetStream) (Registry, error) {
	buckets := make(map[string]jetstream.KeyValue, 2)
	for table, bucket := range map[string]string{
		userConnTable: userConnBucket,
		connUserTable: connUserBucket,
	} {
		kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:  bucket,
			History: 1,
			Storage: jetstream.MemoryStorage,
		})
		if err != nil {
			return nil, fmt.Errorf("create KV bucket %s: %w", bucket, err)
		}
		buckets[table] = kv
	}
	return newRegistry(&natsKV{buckets: buckets}), nil
}

func (n *natsKV) bucket(table string) (jetstream.KeyValue, error) {
	kv, ok := n.buckets[table]
	if !ok {
		return nil, fmt.Errorf("presence: unknown table %q", table)
	}
	return kv, nil
}

func (n *natsKV) Set(ctx context.Context, table, field, value string) error {
	kv, err := n.bucket(table)
	if err != nil {
		return err
	}
	_, err = kv.Put(ctx, field, []byte(value))
	return err
}

func (n *natsKV) Get(ctx context.Context, table, field string) (string, error) {
	kv, err := n.bucket(table)
	if err != nil {
		return "", err
	}
	entry, err := kv.Get(ctx, field)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return string(entry.Value()), nil
}

func (n *natsKV) Delete(ctx context.Context, table, field string) error {
	kv, err := n.bucket(table)
	if err != nil {
		return err
	}
	err = kv.Delete(ctx, field)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}
