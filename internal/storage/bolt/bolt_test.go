package bolt

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/worksight/internal/storage"
)

func TestSessionStoreActiveIndex(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	sessions := store.Sessions()
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	active := storage.Session{
		ID:         "session-a",
		EmployeeID: "emp-1",
		ProjectID:  "proj-1",
		StartTime:  start,
		Status:     storage.SessionActive,
	}
	if err := sessions.SaveSession(ctx, active); err != nil {
		t.Fatalf("save session: %v", err)
	}

	got, err := sessions.ActiveSession(ctx, "emp-1")
	if err != nil {
		t.Fatalf("active session: %v", err)
	}
	if got.ID != active.ID {
		t.Fatalf("expected session %s, got %s", active.ID, got.ID)
	}

	if _, err := sessions.ActiveSessionForProject(ctx, "emp-1", "proj-2"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for other project, got %v", err)
	}

	end := start.Add(time.Hour)
	active.Status = storage.SessionComplete
	active.EndTime = &end
	active.ActiveDuration = time.Hour
	if err := sessions.SaveSession(ctx, active); err != nil {
		t.Fatalf("complete session: %v", err)
	}

	if _, err := sessions.ActiveSession(ctx, "emp-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after completion, got %v", err)
	}

	stored, err := sessions.GetSession(ctx, active.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if stored.ActiveDuration != time.Hour {
		t.Fatalf("expected duration 1h, got %s", stored.ActiveDuration)
	}
}

func TestSessionStoreListSessions(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	fixtures := []storage.Session{
		{ID: "s1", EmployeeID: "emp-1", ProjectID: "proj-1", StartTime: start, Status: storage.SessionComplete},
		{ID: "s2", EmployeeID: "emp-1", ProjectID: "proj-1", StartTime: start.Add(2 * time.Hour), Status: storage.SessionActive},
		{ID: "s3", EmployeeID: "emp-1", ProjectID: "proj-2", StartTime: start.Add(time.Hour), Status: storage.SessionComplete},
		{ID: "s4", EmployeeID: "emp-2", ProjectID: "proj-1", StartTime: start, Status: storage.SessionActive},
	}
	for _, s := range fixtures {
		if err := store.Sessions().SaveSession(ctx, s); err != nil {
			t.Fatalf("save session %s: %v", s.ID, err)
		}
	}

	tests := []struct {
		name   string
		filter storage.SessionFilter
		want   []string
	}{
		{"employee", storage.SessionFilter{EmployeeID: "emp-1"}, []string{"s2", "s3", "s1"}},
		{"employee and project", storage.SessionFilter{EmployeeID: "emp-1", ProjectID: "proj-1"}, []string{"s2", "s1"}},
		{"status", storage.SessionFilter{Status: storage.SessionActive}, []string{"s2", "s4"}},
		{"limit", storage.SessionFilter{EmployeeID: "emp-1", Limit: 1}, []string{"s2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.Sessions().ListSessions(ctx, tt.filter)
			if err != nil {
				t.Fatalf("list sessions: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d sessions, got %d", len(tt.want), len(got))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("position %d: expected %s, got %s", i, id, got[i].ID)
				}
			}
		})
	}

	active, err := store.Sessions().ListActiveSessions(ctx)
	if err != nil {
		t.Fatalf("list active sessions: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active sessions, got %d", len(active))
	}
}

func TestSessionStoreAppUsages(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(5 * time.Minute)

	usages := []storage.AppUsage{
		{ID: "a2", SessionID: "s1", AppName: "slack.exe", Status: storage.AppActive, StartTime: end},
		{ID: "a1", SessionID: "s1", AppName: "chrome.exe", Status: storage.AppInactive, StartTime: start, EndTime: &end, TotalUsage: 5 * time.Minute},
		{ID: "b1", SessionID: "s10", AppName: "code.exe", Status: storage.AppActive, StartTime: start},
	}
	for _, u := range usages {
		if err := store.Sessions().SaveAppUsage(ctx, u); err != nil {
			t.Fatalf("save app usage %s: %v", u.ID, err)
		}
	}

	all, err := store.Sessions().ListAppUsages(ctx, "s1")
	if err != nil {
		t.Fatalf("list app usages: %v", err)
	}
	if len(all) != 2 || all[0].ID != "a1" || all[1].ID != "a2" {
		t.Fatalf("expected [a1 a2] ordered by start, got %+v", all)
	}

	active, err := store.Sessions().ActiveAppUsages(ctx, "s1")
	if err != nil {
		t.Fatalf("active app usages: %v", err)
	}
	if len(active) != 1 || active[0].AppName != "slack.exe" {
		t.Fatalf("expected slack.exe active, got %+v", active)
	}

	// Re-saving the same record must update in place, not duplicate it.
	closed := active[0]
	closedAt := end.Add(time.Minute)
	closed.Status = storage.AppInactive
	closed.EndTime = &closedAt
	if err := store.Sessions().SaveAppUsage(ctx, closed); err != nil {
		t.Fatalf("update app usage: %v", err)
	}
	all, err = store.Sessions().ListAppUsages(ctx, "s1")
	if err != nil {
		t.Fatalf("list app usages: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 records after update, got %d", len(all))
	}
}

func TestSessionStoreCommitIsAtomic(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	batch := storage.Batch{}
	batch.AddAppUsage(storage.AppUsage{ID: "a1", SessionID: "s1", AppName: "chrome.exe", Status: storage.AppInactive, StartTime: start})
	batch.AddSession(storage.Session{ID: "s1", EmployeeID: "emp-1", ProjectID: "p", StartTime: start, Status: storage.SessionComplete})
	// Missing ID fails the whole transaction.
	batch.AddSession(storage.Session{EmployeeID: "emp-2"})

	if err := store.Sessions().Commit(ctx, batch); err == nil {
		t.Fatal("expected commit to fail")
	}

	if _, err := store.Sessions().GetSession(ctx, "s1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected s1 to be rolled back, got %v", err)
	}
	usages, err := store.Sessions().ListAppUsages(ctx, "s1")
	if err != nil {
		t.Fatalf("list app usages: %v", err)
	}
	if len(usages) != 0 {
		t.Fatalf("expected no app usages after rollback, got %d", len(usages))
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "worksight.bolt")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func TestSessionStoreListActiveSessionsUsesIndex(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	sessions := store.Sessions()
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	records := []storage.Session{
		{ID: "done-1", EmployeeID: "emp-1", ProjectID: "p", StartTime: start, Status: storage.SessionComplete, EndTime: &end},
		{ID: "live-1", EmployeeID: "emp-1", ProjectID: "p", StartTime: end, Status: storage.SessionActive},
		{ID: "live-2", EmployeeID: "emp-2", ProjectID: "p", StartTime: start, Status: storage.SessionActive},
		{ID: "done-3", EmployeeID: "emp-3", ProjectID: "p", StartTime: start, Status: storage.SessionComplete, EndTime: &end},
	}
	for _, s := range records {
		if err := sessions.SaveSession(ctx, s); err != nil {
			t.Fatalf("save session %s: %v", s.ID, err)
		}
	}

	// Completing live-2 clears its index entry.
	closed := records[2]
	closed.Status = storage.SessionComplete
	closed.EndTime = &end
	if err := sessions.SaveSession(ctx, closed); err != nil {
		t.Fatalf("complete live-2: %v", err)
	}

	active, err := sessions.ListActiveSessions(ctx)
	if err != nil {
		t.Fatalf("list active sessions: %v", err)
	}
	if len(active) != 1 || active[0].ID != "live-1" {
		t.Fatalf("expected only live-1 active, got %+v", active)
	}
}

func TestSessionStoreListAllAppUsages(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	// Session key order ("a" < "b") is the reverse of start order.
	usages := []storage.AppUsage{
		{ID: "a1", SessionID: "a", AppName: "slack.exe", Status: storage.AppActive, StartTime: start.Add(2 * time.Minute)},
		{ID: "b1", SessionID: "b", AppName: "chrome.exe", Status: storage.AppActive, StartTime: start},
		{ID: "b2", SessionID: "b", AppName: "code.exe", Status: storage.AppActive, StartTime: start.Add(time.Minute)},
	}
	for _, u := range usages {
		if err := store.Sessions().SaveAppUsage(ctx, u); err != nil {
			t.Fatalf("save app usage %s: %v", u.ID, err)
		}
	}

	all, err := store.Sessions().ListAllAppUsages(ctx)
	if err != nil {
		t.Fatalf("list all app usages: %v", err)
	}
	if len(all) != 3 || all[0].ID != "b1" || all[1].ID != "b2" || all[2].ID != "a1" {
		t.Fatalf("expected [b1 b2 a1] ordered by start, got %+v", all)
	}
}
