package presence

import (
	"context"
	"testing"
	"time"

	"github.com/goodtune/worksight/internal/session"
	"github.com/goodtune/worksight/internal/storage"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

func TestSweeper_EndsOrphanedSessions(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	manager, store := setupManager(t, clock)
	registry := NewRegistry(clock, zerolog.Nop())
	defer registry.Close()

	ctx := context.Background()

	orphan, err := manager.StartSession(ctx, "orphan", "proj-1")
	if err != nil {
		t.Fatalf("start orphan session: %v", err)
	}
	_ = registry.Connect("online", "employee", newFakeConn("h-online"))
	live, err := manager.StartSession(ctx, "online", "proj-1")
	if err != nil {
		t.Fatalf("start live session: %v", err)
	}

	sweeper := NewSweeper(registry, manager, time.Minute, 5*time.Minute, clock, zerolog.Nop())

	clock.Advance(2 * time.Minute)
	if ended, err := sweeper.Sweep(ctx); err != nil || ended != 0 {
		t.Fatalf("expected nothing ended within grace, got %d, %v", ended, err)
	}

	clock.Advance(10 * time.Minute)
	ended, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if ended != 1 {
		t.Fatalf("expected 1 session ended, got %d", ended)
	}

	got, err := store.GetSession(ctx, orphan.ID)
	if err != nil {
		t.Fatalf("get orphan: %v", err)
	}
	if got.Status != storage.SessionComplete {
		t.Errorf("expected orphan COMPLETE, got %s", got.Status)
	}

	got, err = store.GetSession(ctx, live.ID)
	if err != nil {
		t.Fatalf("get live session: %v", err)
	}
	if got.Status != storage.SessionActive {
		t.Errorf("expected online employee's session to stay ACTIVE, got %s", got.Status)
	}
}

func TestSweeper_StartStop(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	manager, _ := setupManager(t, clock)
	registry := NewRegistry(clock, zerolog.Nop())
	defer registry.Close()

	ctx := context.Background()
	if _, err := manager.StartSession(ctx, "orphan", "proj-1"); err != nil {
		t.Fatalf("start session: %v", err)
	}

	sweeper := NewSweeper(registry, manager, time.Minute, time.Minute, clock, zerolog.Nop())
	sweeper.Start()

	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("wait for ticker: %v", err)
	}
	clock.Advance(2 * time.Minute)

	deadline := time.Now().Add(5 * time.Second)
	for {
		ids, err := manager.GetActiveEmployeeIds(ctx)
		if err != nil {
			t.Fatalf("active employee ids: %v", err)
		}
		if len(ids) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sweeper did not end the orphaned session")
		}
		time.Sleep(10 * time.Millisecond)
	}

	sweeper.Stop()
}

func TestSweeper_NonPositiveIntervalUsesDefault(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	manager, _ := setupManager(t, clock)
	registry := NewRegistry(clock, zerolog.Nop())
	defer registry.Close()

	for _, interval := range []time.Duration{0, -time.Second} {
		sweeper := NewSweeper(registry, manager, interval, time.Minute, clock, zerolog.Nop())
		if sweeper.interval != DefaultSweepInterval {
			t.Fatalf("interval %s: expected default %s, got %s", interval, DefaultSweepInterval, sweeper.interval)
		}

		sweeper.Start()
		if err := clock.BlockUntilContext(context.Background(), 1); err != nil {
			t.Fatalf("wait for ticker: %v", err)
		}
		sweeper.Stop()
	}
}

func TestSweeper_LeavesSessionsOpenedWithoutConnection(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	manager, store := setupManager(t, clock)
	registry := NewRegistry(clock, zerolog.Nop())
	defer registry.Close()

	ctx := context.Background()
	clock.Advance(time.Minute)

	httpOnly, err := manager.StartSession(ctx, "http-only", "proj-1")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	_ = registry.Connect("dropped", "employee", newFakeConn("h-dropped"))
	dropped, err := manager.StartSession(ctx, "dropped", "proj-1")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	registry.Disconnect("h-dropped")

	sweeper := NewSweeper(registry, manager, time.Minute, 5*time.Minute, clock, zerolog.Nop())

	clock.Advance(time.Hour)
	ended, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if ended != 1 {
		t.Fatalf("expected 1 session ended, got %d", ended)
	}

	got, err := store.GetSession(ctx, httpOnly.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != storage.SessionActive {
		t.Errorf("expected session opened without a connection to stay ACTIVE, got %s", got.Status)
	}

	got, err = store.GetSession(ctx, dropped.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != storage.SessionComplete {
		t.Errorf("expected disconnected employee's session COMPLETE, got %s", got.Status)
	}
}

// reconnectingExpirer reconnects the employee after the sweeper has found
// the session orphaned but before the manager takes the employee lock.
type reconnectingExpirer struct {
	SessionExpirer
	registry *Registry
}

func (e reconnectingExpirer) Expire(ctx context.Context, stale storage.Session, reason session.EndReason, confirm func() bool) (bool, error) {
	_ = e.registry.Connect(stale.EmployeeID, "employee", newFakeConn("h-"+stale.EmployeeID))
	return e.SessionExpirer.Expire(ctx, stale, reason, confirm)
}

func TestSweeper_ReconnectAfterScanKeepsSession(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	manager, store := setupManager(t, clock)
	registry := NewRegistry(clock, zerolog.Nop())
	defer registry.Close()

	ctx := context.Background()
	s, err := manager.StartSession(ctx, "emp-1", "proj-1")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	sweeper := NewSweeper(registry, reconnectingExpirer{SessionExpirer: manager, registry: registry}, time.Minute, time.Minute, clock, zerolog.Nop())

	clock.Advance(time.Hour)
	ended, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if ended != 0 {
		t.Fatalf("expected no sessions ended, got %d", ended)
	}

	got, err := store.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != storage.SessionActive {
		t.Errorf("expected reconnected employee's session to stay ACTIVE, got %s", got.Status)
	}
}
