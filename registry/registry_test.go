package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/dockhand-dev/dockhand/model"
	"github.com/dockhand-dev/dockhand/store/sqlite"
)

func newTestRegistry(t *testing.T) (*Registry, *sqlite.Store) {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"), sqlite.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, zap.NewNop()), st
}

func TestRegisterAndGet(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.Register(ctx, "acme/widget", "main", "dockhand-abc", "hash1", 50100)
	if err != nil {
		t.Fatal(err)
	}
	if id == 0 {
		t.Error("expected nonzero container id")
	}

	c, ok := r.Get("acme/widget", "main")
	if !ok {
		t.Fatal("container not found after register")
	}
	if c.Name != "dockhand-abc" || c.GRPCPort != 50100 || c.State != model.StateRunning {
		t.Errorf("entry = %+v", c)
	}

	if _, ok := r.Get("acme/widget", "other-branch"); ok {
		t.Error("branch should be part of the key")
	}
	if r.Count() != 1 {
		t.Errorf("count = %d", r.Count())
	}
}

func TestAllocatePort(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	if p := r.AllocatePort(50100); p != 50100 {
		t.Errorf("empty registry allocated %d", p)
	}
	r.Register(ctx, "a/a", "main", "c1", "", 50100)
	r.Register(ctx, "b/b", "main", "c2", "", 50101)
	r.Register(ctx, "c/c", "main", "c3", "", 50103)

	if p := r.AllocatePort(50100); p != 50102 {
		t.Errorf("allocated %d, want lowest free 50102", p)
	}
}

func TestSessionRefcounting(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	r.Register(ctx, "acme/widget", "main", "c1", "", 50100)

	n, err := r.IncrementSessions(ctx, "acme/widget", "main", 0)
	if err != nil || n != 1 {
		t.Fatalf("increment = %d, %v", n, err)
	}
	c, _ := r.Get("acme/widget", "main")
	if c.LastSessionStoppedAt != nil {
		t.Error("increment should clear last_session_stopped_at")
	}

	n, _ = r.IncrementSessions(ctx, "acme/widget", "main", 0)
	if n != 2 {
		t.Errorf("second increment = %d", n)
	}

	n, _ = r.DecrementSessions(ctx, "acme/widget", "main")
	if n != 1 {
		t.Errorf("decrement = %d", n)
	}
	c, _ = r.Get("acme/widget", "main")
	if c.LastSessionStoppedAt != nil {
		t.Error("stopped clock should not start while sessions remain")
	}

	n, _ = r.DecrementSessions(ctx, "acme/widget", "main")
	if n != 0 {
		t.Errorf("decrement to zero = %d", n)
	}
	c, _ = r.Get("acme/widget", "main")
	if c.LastSessionStoppedAt == nil {
		t.Error("reaching zero must start the stopped clock")
	}

	// Clamp at zero.
	n, _ = r.DecrementSessions(ctx, "acme/widget", "main")
	if n != 0 {
		t.Errorf("decrement past zero = %d", n)
	}
}

func TestSessionLimitEnforced(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	r.Register(ctx, "acme/widget", "main", "c1", "", 50100)

	for i := 1; i <= 2; i++ {
		if n, err := r.IncrementSessions(ctx, "acme/widget", "main", 2); err != nil || n != i {
			t.Fatalf("increment %d = %d, %v", i, n, err)
		}
	}

	n, err := r.IncrementSessions(ctx, "acme/widget", "main", 2)
	if !errors.Is(err, ErrSessionLimit) {
		t.Fatalf("at the cap: err = %v, want ErrSessionLimit", err)
	}
	if n != 2 {
		t.Errorf("count reported at cap = %d", n)
	}
	if c, _ := r.Get("acme/widget", "main"); c.SessionCount != 2 {
		t.Errorf("rejected increment mutated count: %d", c.SessionCount)
	}

	// Freeing a slot unblocks the next start.
	r.DecrementSessions(ctx, "acme/widget", "main")
	if n, err := r.IncrementSessions(ctx, "acme/widget", "main", 2); err != nil || n != 2 {
		t.Errorf("increment after release = %d, %v", n, err)
	}
}

func TestSetStateStoppedRemovesFromMemory(t *testing.T) {
	r, st := newTestRegistry(t)
	ctx := context.Background()
	r.Register(ctx, "acme/widget", "main", "c1", "", 50100)

	if err := r.SetState(ctx, "acme/widget", "main", model.StateStopping); err != nil {
		t.Fatal(err)
	}
	if c, ok := r.Get("acme/widget", "main"); !ok || c.State != model.StateStopping {
		t.Errorf("after stopping: ok=%v state=%v", ok, c.State)
	}

	if err := r.Remove(ctx, "acme/widget", "main"); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Get("acme/widget", "main"); ok {
		t.Error("stopped container still in memory")
	}

	running, err := st.GetRunningContainers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(running) != 0 {
		t.Errorf("store still reports %d running containers", len(running))
	}
}

func TestSyncFromDB(t *testing.T) {
	r, st := newTestRegistry(t)
	ctx := context.Background()

	// One busy, one idle, one stopped.
	r.Register(ctx, "a/a", "main", "c1", "", 50100)
	r.IncrementSessions(ctx, "a/a", "main", 0)
	r.Register(ctx, "b/b", "main", "c2", "", 50101)
	r.Register(ctx, "c/c", "main", "c3", "", 50102)
	r.Remove(ctx, "c/c", "main")

	fresh := New(st, zap.NewNop())
	if err := fresh.SyncFromDB(ctx); err != nil {
		t.Fatal(err)
	}
	if fresh.Count() != 2 {
		t.Fatalf("synced %d containers, want 2", fresh.Count())
	}

	idle, ok := fresh.Get("b/b", "main")
	if !ok {
		t.Fatal("idle container missing after sync")
	}
	if idle.LastSessionStoppedAt == nil {
		t.Error("idle container must get a seeded stopped clock")
	}
	if !idle.LastSessionStoppedAt.Equal(idle.LastActivityAt) {
		t.Errorf("seeded clock = %v, want last_activity_at %v",
			idle.LastSessionStoppedAt, idle.LastActivityAt)
	}

	busy, _ := fresh.Get("a/a", "main")
	if busy.SessionCount != 1 {
		t.Errorf("busy container count = %d", busy.SessionCount)
	}
}

func TestListAllOrdered(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	r.Register(ctx, "z/z", "main", "c1", "", 50100)
	r.Register(ctx, "a/a", "dev", "c2", "", 50101)
	r.Register(ctx, "a/a", "main", "c3", "", 50102)

	all := r.ListAll()
	if len(all) != 3 {
		t.Fatalf("len = %d", len(all))
	}
	if all[0].Repo != "a/a" || all[0].Branch != "dev" || all[2].Repo != "z/z" {
		t.Errorf("order = %v", []string{all[0].Key(), all[1].Key(), all[2].Key()})
	}

	// Snapshots, not aliases.
	all[0].SessionCount = 99
	if c, _ := r.Get("a/a", "dev"); c.SessionCount == 99 {
		t.Error("ListAll leaked internal pointers")
	}
}
