package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// fakeKV is an in-memory kvStore with per-operation failure injection.
type fakeKV struct {
	mu     sync.Mutex
	tables map[string]map[string]string
	failOn string // "set", "get", or "delete"; empty means never fail
}

var errBackend = errors.New("backing store unavailable")

func newFakeKV() *fakeKV {
	return &fakeKV{tables: make(map[string]map[string]string)}
}

func (f *fakeKV) Set(_ context.Context, table, field, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn == "set" {
		return errBackend
	}
	if f.tables[table] == nil {
		f.tables[table] = make(map[string]string)
	}
	f.tables[table][field] = value
	return nil
}

func (f *fakeKV) Get(_ context.Context, table, field string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn == "get" {
		return "", errBackend
	}
	val, ok := f.tables[table][field]
	if !ok {
		return "", ErrNotFound
	}
	return val, nil
}

func (f *fakeKV) Delete(_ context.Context, table, field string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn == "delete" {
		return errBackend
	}
	delete(f.tables[table], field)
	return nil
}

func TestRegistry_RegisterLookup(t *testing.T) {
	reg := newRegistry(newFakeKV())
	ctx := context.Background()

	if err := reg.Register(ctx, "alice", "conn-1"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	conn, err := reg.Lookup(ctx, "alice")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if conn != "conn-1" {
		t.Errorf("Expected conn-1, got %q", conn)
	}
}

func TestRegistry_LookupAbsent(t *testing.T) {
	reg := newRegistry(newFakeKV())

	_, err := reg.Lookup(context.Background(), "nobody")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for offline user, got %v", err)
	}
}

func TestRegistry_UnregisterRemovesBothDirections(t *testing.T) {
	kv := newFakeKV()
	reg := newRegistry(kv)
	ctx := context.Background()

	reg.Register(ctx, "alice", "conn-1")
	if err := reg.Unregister(ctx, "conn-1"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}

	if _, err := reg.Lookup(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected lookup after unregister to return ErrNotFound, got %v", err)
	}
	if _, ok := kv.tables[connUserTable]["conn-1"]; ok {
		t.Error("Expected reverse mapping to be removed")
	}
}

func TestRegistry_UnregisterUnknownConnIsNoop(t *testing.T) {
	reg := newRegistry(newFakeKV())

	if err := reg.Unregister(context.Background(), "conn-never-seen"); err != nil {
		t.Errorf("Expected no-op for unknown connection, got %v", err)
	}
}

func TestRegistry_UnregisterIsIdempotent(t *testing.T) {
	reg := newRegistry(newFakeKV())
	ctx := context.Background()

	reg.Register(ctx, "alice", "conn-1")
	if err := reg.Unregister(ctx, "conn-1"); err != nil {
		t.Fatalf("First Unregister failed: %v", err)
	}
	if err := reg.Unregister(ctx, "conn-1"); err != nil {
		t.Errorf("Second Unregister should be a no-op, got %v", err)
	}
}

func TestRegistry_ReconnectOverwriteSurvivesStaleUnregister(t *testing.T) {
	reg := newRegistry(newFakeKV())
	ctx := context.Background()

	// alice reconnects on conn-2 before conn-1's disconnect handler runs
	reg.Register(ctx, "alice", "conn-1")
	reg.Register(ctx, "alice", "conn-2")

	conn, err := reg.Lookup(ctx, "alice")
	if err != nil || conn != "conn-2" {
		t.Fatalf("Expected lookup to return conn-2, got %q, %v", conn, err)
	}

	// the stale connection's teardown must not tear down the new mapping
	if err := reg.Unregister(ctx, "conn-1"); err != nil {
		t.Fatalf("Unregister of stale conn failed: %v", err)
	}

	conn, err = reg.Lookup(ctx, "alice")
	if err != nil {
		t.Fatalf("Lookup after stale unregister failed: %v", err)
	}
	if conn != "conn-2" {
		t.Errorf("Stale unregister removed the live mapping: got %q", conn)
	}
}

func TestRegistry_RegisterLastWins(t *testing.T) {
	reg := newRegistry(newFakeKV())
	ctx := context.Background()

	reg.Register(ctx, "alice", "conn-1")
	reg.Register(ctx, "alice", "conn-2")
	reg.Register(ctx, "alice", "conn-3")

	conn, err := reg.Lookup(ctx, "alice")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if conn != "conn-3" {
		t.Errorf("Expected last registration to win, got %q", conn)
	}
}

func TestRegistry_BackendFailureSurfaces(t *testing.T) {
	tests := []struct {
		name   string
		failOn string
		op     func(Registry) error
	}{
		{"register set failure", "set", func(r Registry) error {
			return r.Register(context.Background(), "alice", "conn-1")
		}},
		{"lookup get failure", "get", func(r Registry) error {
			_, err := r.Lookup(context.Background(), "alice")
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv := newFakeKV()
			kv.failOn = tt.failOn
			reg := newRegistry(kv)

			err := tt.op(reg)
			if !errors.Is(err, errBackend) {
				t.Errorf("Expected backend error to surface, got %v", err)
			}
		})
	}
}

// deadlineKV records whether each call arrived with a deadline-bearing
// context; backends pass that context through to the store client.
type deadlineKV struct {
	inner     *fakeKV
	deadlines []bool
}

func (d *deadlineKV) note(ctx context.Context) {
	_, ok := ctx.Deadline()
	d.deadlines = append(d.deadlines, ok)
}

func (d *deadlineKV) Set(ctx context.Context, table, field, value string) error {
	d.note(ctx)
	return d.inner.Set(ctx, table, field, value)
}

func (d *deadlineKV) Get(ctx context.Context, table, field string) (string, error) {
	d.note(ctx)
	return d.inner.Get(ctx, table, field)
}

func (d *deadlineKV) Delete(ctx context.Context, table, field string) error {
	d.note(ctx)
	return d.inner.Delete(ctx, table, field)
}

func TestRegistry_OpsBoundByDeadline(t *testing.T) {
	kv := &deadlineKV{inner: newFakeKV()}
	reg := newRegistry(kv)
	ctx := context.Background()

	if err := reg.Register(ctx, "alice", "conn-1"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := reg.Lookup(ctx, "alice"); err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if err := reg.Unregister(ctx, "conn-1"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}

	if len(kv.deadlines) == 0 {
		t.Fatal("Expected backend calls to be recorded")
	}
	for i, ok := range kv.deadlines {
		if !ok {
			t.Errorf("backend call %d arrived without a deadline", i)
		}
	}
}
