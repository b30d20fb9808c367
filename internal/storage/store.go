package storage

import (
	"context"
	"errors"
	"sort"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Ping(ctx context.Context) error
	Sessions() SessionStore
}

// SessionStore persists sessions and their app-usage records. It is pure data
// access: lifecycle policy lives in the session package.
type SessionStore interface {
	// ActiveSession returns the Active session of an employee on any project.
	ActiveSession(ctx context.Context, employeeID string) (*Session, error)
	// ActiveSessionForProject returns the Active session of an employee on
	// the given project.
	ActiveSessionForProject(ctx context.Context, employeeID, projectID string) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	ListActiveSessions(ctx context.Context) ([]Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]Session, error)
	SaveSession(ctx context.Context, session Session) error

	ActiveAppUsages(ctx context.Context, sessionID string) ([]AppUsage, error)
	ListAppUsages(ctx context.Context, sessionID string) ([]AppUsage, error)
	// ListAllAppUsages returns the app-usage records of every session,
	// oldest first.
	ListAllAppUsages(ctx context.Context) ([]AppUsage, error)
	SaveAppUsage(ctx context.Context, usage AppUsage) error

	// Commit applies every write in the batch atomically.
	Commit(ctx context.Context, batch Batch) error
}

// SortSessions orders sessions newest first and applies the filter limit.
func SortSessions(sessions []Session, limit int) []Session {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].StartTime.After(sessions[j].StartTime)
	})
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions
}

// SortAppUsages orders app-usage records oldest first.
func SortAppUsages(usages []AppUsage) []AppUsage {
	sort.SliceStable(usages, func(i, j int) bool {
		return usages[i].StartTime.Before(usages[j].StartTime)
	})
	return usages
}
