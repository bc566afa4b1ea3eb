package fencing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/run-orchestrator/internal/domain"
	"github.com/hochfrequenz/run-orchestrator/internal/runstore"
)

func newTestManager(t *testing.T) (*Manager, *runstore.Store) {
	t.Helper()
	store, err := runstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InsertRun(context.Background(), &domain.Run{ID: "run-1", TenantID: "t", State: domain.RunCreated}, "test"); err != nil {
		t.Fatal(err)
	}
	return NewManager(store, time.Minute), store
}

func TestManager_ConcurrentAcquireExclusive(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	const contenders = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := m.Acquire(ctx, "run-1", NewToken(), 0)
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != 1 {
		t.Errorf("got %d grants, want exactly 1", granted)
	}
}

func TestManager_ClaimRenewRelease(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	lease, run, err := m.Claim(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if lease == nil {
		t.Fatal("first claim should be granted")
	}
	if run.FencingToken != lease.Token {
		t.Errorf("snapshot token = %q, want %q", run.FencingToken, lease.Token)
	}
	if !lease.Valid(store.Now()) {
		t.Error("fresh lease should be valid")
	}

	other, _, err := m.Claim(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if other != nil {
		t.Error("second claim must be denied")
	}

	if ok, _ := m.Renew(ctx, "run-1", lease.Token, 0); !ok {
		t.Error("holder renew should succeed")
	}
	if ok, _ := m.Release(ctx, "run-1", "someone-else"); ok {
		t.Error("foreign release must fail")
	}
	if ok, _ := m.Release(ctx, "run-1", lease.Token); !ok {
		t.Error("holder release should succeed")
	}
	if ok, _ := m.Renew(ctx, "run-1", lease.Token, 0); ok {
		t.Error("renew after release must fail")
	}
}

func TestManager_Expire(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if ok, _ := m.Expire(ctx, "run-1"); ok {
		t.Error("nothing to expire on an unfenced run")
	}

	lease, _, _ := m.Claim(ctx, "run-1")
	if ok, err := m.Expire(ctx, "run-1"); err != nil || !ok {
		t.Fatalf("Expire() = %v, %v; want true", ok, err)
	}

	next, _, _ := m.Claim(ctx, "run-1")
	if next == nil {
		t.Fatal("claim after expiry should be granted")
	}
	if next.Token == lease.Token {
		t.Error("new holder should have a new token")
	}
}

func TestKeeper_ReportsLostLease(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	lease, _, _ := m.Claim(ctx, "run-1")
	k := NewKeeper(m, time.Hour)
	k.Add(lease)

	k.RenewAll(ctx)
	if held := k.Held(); len(held) != 1 {
		t.Fatalf("held = %v, want [run-1]", held)
	}

	// someone expires and takes over
	m.Expire(ctx, "run-1")
	if thief, _, _ := m.Claim(ctx, "run-1"); thief == nil {
		t.Fatal("takeover claim should succeed")
	}

	k.RenewAll(ctx)
	select {
	case id := <-k.Lost():
		if id != "run-1" {
			t.Errorf("lost = %s, want run-1", id)
		}
	default:
		t.Error("expected a lost lease")
	}
	if _, ok := k.Get("run-1"); ok {
		t.Error("lost lease should be dropped")
	}
}
