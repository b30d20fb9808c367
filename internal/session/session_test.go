package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/worksight/internal/storage"
	storeredis "github.com/goodtune/worksight/internal/storage/redis"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var errCommitFailed = errors.New("commit failed")

// failingStore fails Commit on demand.
type failingStore struct {
	storage.SessionStore
	failCommit atomic.Bool
}

func (f *failingStore) Commit(ctx context.Context, batch storage.Batch) error {
	if f.failCommit.Load() {
		return errCommitFailed
	}
	return f.SessionStore.Commit(ctx, batch)
}

type testEnv struct {
	manager *Manager
	store   *failingStore
	clock   *clockwork.FakeClock
}

func setupManager(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := &failingStore{SessionStore: storeredis.NewStore(client, "test").Sessions()}
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))

	tracker := NewTracker(store, clock, zerolog.Nop())
	manager, err := NewManager(store, tracker, Config{Clock: clock, AppCacheSize: 8}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	return &testEnv{manager: manager, store: store, clock: clock}
}

func activeSessionsFor(t *testing.T, store storage.SessionStore, employeeID string) []storage.Session {
	t.Helper()

	sessions, err := store.ListSessions(context.Background(), storage.SessionFilter{
		EmployeeID: employeeID,
		Status:     storage.SessionActive,
	})
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	return sessions
}

func TestStartSession_AutoSwitchesProject(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()

	first, err := env.manager.StartSession(ctx, "emp-1", "proj-1")
	if err != nil {
		t.Fatalf("start first session: %v", err)
	}

	env.clock.Advance(90 * time.Minute)

	second, err := env.manager.StartSession(ctx, "emp-1", "proj-2")
	if err != nil {
		t.Fatalf("start second session: %v", err)
	}

	prior, err := env.store.GetSession(ctx, first.ID)
	if err != nil {
		t.Fatalf("get first session: %v", err)
	}
	if prior.Status != storage.SessionComplete {
		t.Fatalf("expected first session COMPLETE, got %s", prior.Status)
	}
	if prior.ActiveDuration != 90*time.Minute {
		t.Errorf("expected first session duration 90m, got %s", prior.ActiveDuration)
	}
	if prior.EndTime == nil || !prior.EndTime.Equal(second.StartTime) {
		t.Errorf("expected first session to end when the second started, got %v", prior.EndTime)
	}

	active := activeSessionsFor(t, env.store, "emp-1")
	if len(active) != 1 || active[0].ID != second.ID || active[0].ProjectID != "proj-2" {
		t.Fatalf("expected only the proj-2 session active, got %+v", active)
	}
}

func TestStartSession_ConcurrentStartsKeepOneActive(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := env.manager.StartSession(ctx, "emp-1", fmt.Sprintf("proj-%d", i%3)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("start session: %v", err)
	}

	if active := activeSessionsFor(t, env.store, "emp-1"); len(active) != 1 {
		t.Fatalf("expected exactly 1 active session, got %d", len(active))
	}

	all, err := env.manager.ListSessions(ctx, storage.SessionFilter{EmployeeID: "emp-1"})
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(all) != workers {
		t.Fatalf("expected %d sessions, got %d", workers, len(all))
	}
	if env.manager.employees.size() != 0 {
		t.Errorf("expected employee locks to be released, %d held", env.manager.employees.size())
	}
}

func TestEndSession_CascadesActiveApp(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()

	session, err := env.manager.StartSession(ctx, "emp-1", "proj-1")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	app, err := env.manager.Apps().StartApp(ctx, session.ID, "chrome.exe")
	if err != nil {
		t.Fatalf("start app: %v", err)
	}

	env.clock.Advance(3 * time.Minute)

	ended, err := env.manager.EndSession(ctx, "emp-1", "proj-1")
	if err != nil {
		t.Fatalf("end session: %v", err)
	}
	if ended.Status != storage.SessionComplete || ended.ActiveDuration != 3*time.Minute {
		t.Fatalf("expected COMPLETE session lasting 3m, got %s %s", ended.Status, ended.ActiveDuration)
	}

	apps, err := env.manager.SessionApps(ctx, session.ID)
	if err != nil {
		t.Fatalf("session apps: %v", err)
	}
	if len(apps) != 1 || apps[0].ID != app.ID {
		t.Fatalf("expected the chrome.exe record, got %+v", apps)
	}
	if apps[0].Status != storage.AppInactive {
		t.Errorf("expected app INACTIVE, got %s", apps[0].Status)
	}
	if apps[0].TotalUsage != 3*time.Minute {
		t.Errorf("expected app usage 3m, got %s", apps[0].TotalUsage)
	}
	if apps[0].EndTime == nil || !apps[0].EndTime.Equal(*ended.EndTime) {
		t.Errorf("expected app to close with the session, got %v", apps[0].EndTime)
	}
}

func TestEndSession_NoActiveSession(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()

	if _, err := env.manager.EndSession(ctx, "emp-1", "proj-1"); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}

	if _, err := env.manager.StartSession(ctx, "emp-1", "proj-1"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if _, err := env.manager.EndSession(ctx, "emp-1", "proj-2"); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession for another project, got %v", err)
	}
}

func TestEndSession_ClampsNegativeDuration(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()

	// Start time ahead of the clock, as left behind by a skewed host.
	future := env.clock.Now().Add(time.Hour)
	if err := env.store.SaveSession(ctx, storage.Session{
		ID:         "skewed",
		EmployeeID: "emp-1",
		ProjectID:  "proj-1",
		StartTime:  future,
		Status:     storage.SessionActive,
	}); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	if err := env.store.SaveAppUsage(ctx, storage.AppUsage{
		ID:        "skewed-app",
		SessionID: "skewed",
		AppName:   "code.exe",
		Status:    storage.AppActive,
		StartTime: future,
	}); err != nil {
		t.Fatalf("seed app usage: %v", err)
	}

	ended, err := env.manager.EndSession(ctx, "emp-1", "proj-1")
	if err != nil {
		t.Fatalf("end session: %v", err)
	}
	if ended.ActiveDuration != 0 {
		t.Errorf("expected session duration clamped to 0, got %s", ended.ActiveDuration)
	}

	apps, err := env.store.ListAppUsages(ctx, "skewed")
	if err != nil {
		t.Fatalf("list app usages: %v", err)
	}
	if len(apps) != 1 || apps[0].TotalUsage != 0 {
		t.Fatalf("expected app duration clamped to 0, got %+v", apps)
	}
}

func TestEndSession_PersistenceFailureCommitsNothing(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()

	session, err := env.manager.StartSession(ctx, "emp-1", "proj-1")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if _, err := env.manager.Apps().StartApp(ctx, session.ID, "chrome.exe"); err != nil {
		t.Fatalf("start app: %v", err)
	}

	env.clock.Advance(time.Minute)
	env.store.failCommit.Store(true)

	_, err = env.manager.EndSession(ctx, "emp-1", "proj-1")
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if !errors.Is(err, errCommitFailed) {
		t.Fatalf("expected the store cause to be wrapped, got %v", err)
	}

	stored, err := env.store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if stored.Status != storage.SessionActive {
		t.Errorf("expected session still ACTIVE, got %s", stored.Status)
	}
	apps, err := env.store.ActiveAppUsages(ctx, session.ID)
	if err != nil {
		t.Fatalf("active app usages: %v", err)
	}
	if len(apps) != 1 {
		t.Errorf("expected app still ACTIVE, got %d active", len(apps))
	}

	// Once the store recovers the same call succeeds.
	env.store.failCommit.Store(false)
	if _, err := env.manager.EndSession(ctx, "emp-1", "proj-1"); err != nil {
		t.Fatalf("end session after recovery: %v", err)
	}
}

func TestEndSessionOnDisconnect(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()

	t.Run("no session is a no-op", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			ended, err := env.manager.EndSessionOnDisconnect(ctx, "emp-idle")
			if err != nil || ended != nil {
				t.Fatalf("call %d: expected nil, nil, got %v, %v", i, ended, err)
			}
		}
	})

	t.Run("ends session on any project", func(t *testing.T) {
		session, err := env.manager.StartSession(ctx, "emp-1", "proj-7")
		if err != nil {
			t.Fatalf("start session: %v", err)
		}
		env.clock.Advance(10 * time.Minute)

		ended, err := env.manager.EndSessionOnDisconnect(ctx, "emp-1")
		if err != nil {
			t.Fatalf("end on disconnect: %v", err)
		}
		if ended == nil || ended.ID != session.ID {
			t.Fatalf("expected session %s to end, got %+v", session.ID, ended)
		}
		if ended.ActiveDuration != 10*time.Minute {
			t.Errorf("expected duration 10m, got %s", ended.ActiveDuration)
		}

		again, err := env.manager.EndSessionOnDisconnect(ctx, "emp-1")
		if err != nil || again != nil {
			t.Fatalf("expected second disconnect to be a no-op, got %v, %v", again, err)
		}
	})
}

func TestExpire_SkipsReplacedSession(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()

	old, err := env.manager.StartSession(ctx, "emp-1", "proj-1")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	current, err := env.manager.StartSession(ctx, "emp-1", "proj-2")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	expired, err := env.manager.Expire(ctx, *old, ReasonSweep, nil)
	if err != nil {
		t.Fatalf("expire old session: %v", err)
	}
	if expired {
		t.Fatal("expected replaced session not to be expired")
	}

	expired, err = env.manager.Expire(ctx, *current, ReasonSweep, nil)
	if err != nil {
		t.Fatalf("expire current session: %v", err)
	}
	if !expired {
		t.Fatal("expected current session to be expired")
	}
	if active := activeSessionsFor(t, env.store, "emp-1"); len(active) != 0 {
		t.Fatalf("expected no active sessions, got %d", len(active))
	}
}

func TestExpire_ConfirmRunsUnderLock(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()

	s, err := env.manager.StartSession(ctx, "emp-1", "proj-1")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	started := make(chan struct{})
	expired, err := env.manager.Expire(ctx, *s, ReasonSweep, func() bool {
		// Holding the employee lock, so this start cannot complete yet.
		go func() {
			defer close(started)
			_, _ = env.manager.StartAppForEmployee(ctx, "emp-1", "chrome")
		}()
		select {
		case <-started:
			t.Error("app start ran while the employee lock was held")
		case <-time.After(50 * time.Millisecond):
		}
		return false
	})
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if expired {
		t.Fatal("expected session kept when confirm reports false")
	}
	<-started
	if active := activeSessionsFor(t, env.store, "emp-1"); len(active) != 1 {
		t.Fatalf("expected session still active, got %d", len(active))
	}
}

func TestListAllAppUsages(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()

	if _, err := env.manager.StartSession(ctx, "emp-1", "proj-1"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if _, err := env.manager.StartAppForEmployee(ctx, "emp-1", "chrome"); err != nil {
		t.Fatalf("start app: %v", err)
	}
	env.clock.Advance(time.Minute)
	if _, err := env.manager.StartSession(ctx, "emp-2", "proj-1"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if _, err := env.manager.StartAppForEmployee(ctx, "emp-2", "slack"); err != nil {
		t.Fatalf("start app: %v", err)
	}

	apps, err := env.manager.ListAllAppUsages(ctx)
	if err != nil {
		t.Fatalf("list all app usages: %v", err)
	}
	if len(apps) != 2 || apps[0].AppName != "chrome" || apps[1].AppName != "slack" {
		t.Fatalf("expected [chrome slack], got %+v", apps)
	}
}

func TestGetActiveEmployeeIds(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()

	for _, emp := range []string{"emp-3", "emp-1", "emp-2"} {
		if _, err := env.manager.StartSession(ctx, emp, "proj-1"); err != nil {
			t.Fatalf("start session for %s: %v", emp, err)
		}
	}
	if _, err := env.manager.EndSession(ctx, "emp-2", "proj-1"); err != nil {
		t.Fatalf("end session: %v", err)
	}

	ids, err := env.manager.GetActiveEmployeeIds(ctx)
	if err != nil {
		t.Fatalf("active employee ids: %v", err)
	}
	if len(ids) != 2 || ids[0] != "emp-1" || ids[1] != "emp-3" {
		t.Fatalf("expected [emp-1 emp-3], got %v", ids)
	}
}

func TestSessionApps_CachesCompletedSessions(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()

	session, err := env.manager.StartSession(ctx, "emp-1", "proj-1")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if _, err := env.manager.StartAppForEmployee(ctx, "emp-1", "chrome.exe"); err != nil {
		t.Fatalf("start app: %v", err)
	}
	if _, err := env.manager.EndSession(ctx, "emp-1", "proj-1"); err != nil {
		t.Fatalf("end session: %v", err)
	}

	first, err := env.manager.SessionApps(ctx, session.ID)
	if err != nil {
		t.Fatalf("session apps: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 app record, got %d", len(first))
	}

	// A write behind the manager's back is not observed once cached.
	if err := env.store.SaveAppUsage(ctx, storage.AppUsage{
		ID:        "late",
		SessionID: session.ID,
		AppName:   "late.exe",
		Status:    storage.AppInactive,
		StartTime: env.clock.Now(),
	}); err != nil {
		t.Fatalf("save app usage: %v", err)
	}

	second, err := env.manager.SessionApps(ctx, session.ID)
	if err != nil {
		t.Fatalf("session apps: %v", err)
	}
	if len(second) != 1 {
		t.Fatalf("expected cached list of 1, got %d", len(second))
	}

	if _, err := env.manager.SessionApps(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestAppForEmployee_RequiresActiveSession(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()

	if _, err := env.manager.StartAppForEmployee(ctx, "emp-1", "chrome.exe"); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}

	if _, err := env.manager.StartSession(ctx, "emp-1", "proj-1"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if _, err := env.manager.StartAppForEmployee(ctx, "emp-1", "chrome.exe"); err != nil {
		t.Fatalf("start app: %v", err)
	}
	env.clock.Advance(time.Minute)

	ended, err := env.manager.EndAppForEmployee(ctx, "emp-1", "chrome.exe")
	if err != nil {
		t.Fatalf("end app: %v", err)
	}
	if ended.TotalUsage != time.Minute {
		t.Errorf("expected 1m usage, got %s", ended.TotalUsage)
	}
}

func TestInvalidArguments(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"start session without employee", func() error {
			_, err := env.manager.StartSession(ctx, "", "proj-1")
			return err
		}},
		{"start session without project", func() error {
			_, err := env.manager.StartSession(ctx, "emp-1", "")
			return err
		}},
		{"end session without project", func() error {
			_, err := env.manager.EndSession(ctx, "emp-1", "")
			return err
		}},
		{"disconnect without employee", func() error {
			_, err := env.manager.EndSessionOnDisconnect(ctx, "")
			return err
		}},
		{"start app without name", func() error {
			_, err := env.manager.Apps().StartApp(ctx, "session-1", "")
			return err
		}},
		{"end app without session", func() error {
			_, err := env.manager.Apps().EndApp(ctx, "", "chrome.exe")
			return err
		}},
		{"employee app without name", func() error {
			_, err := env.manager.StartAppForEmployee(ctx, "emp-1", "")
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}
