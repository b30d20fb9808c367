package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/goodtune/worksight/internal/metrics"
	"github.com/goodtune/worksight/internal/storage"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// DefaultAppCacheSize bounds the number of completed sessions whose app
// usage lists are kept in memory.
const DefaultAppCacheSize = 1024

// EndReason records why a session was completed.
type EndReason string

const (
	ReasonExplicit   EndReason = "explicit"
	ReasonSwitch     EndReason = "switch"
	ReasonDisconnect EndReason = "disconnect"
	ReasonSweep      EndReason = "sweep"
)

// Config holds manager configuration
type Config struct {
	Clock        clockwork.Clock
	AppCacheSize int
}

// Manager owns the session lifecycle: NoSession, Active, Complete. Every
// read-then-write of an employee's Active session runs under that
// employee's lock; app-usage locks are only ever taken after it.
type Manager struct {
	store     storage.SessionStore
	apps      *Tracker
	clock     clockwork.Clock
	employees *keyedMutex
	completed *lru.Cache[string, []storage.AppUsage]
	logger    zerolog.Logger
}

// NewManager creates a new session lifecycle manager
func NewManager(store storage.SessionStore, apps *Tracker, config Config, logger zerolog.Logger) (*Manager, error) {
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if config.AppCacheSize <= 0 {
		config.AppCacheSize = DefaultAppCacheSize
	}

	cache, err := lru.New[string, []storage.AppUsage](config.AppCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create app cache: %w", err)
	}

	return &Manager{
		store:     store,
		apps:      apps,
		clock:     config.Clock,
		employees: newKeyedMutex(),
		completed: cache,
		logger:    logger.With().Str("component", "session-manager").Logger(),
	}, nil
}

// Apps returns the app usage tracker the manager cascades into.
func (m *Manager) Apps() *Tracker {
	return m.apps
}

// Restore primes the active-session gauge from the store and returns the
// number of sessions that are still Active.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	active, err := m.store.ListActiveSessions(ctx)
	if err != nil {
		return 0, persistenceError("list active sessions", err)
	}
	metrics.SessionsActive.Set(float64(len(active)))

	m.logger.Info().Int("active_sessions", len(active)).Msg("Restored session state")
	return len(active), nil
}

// StartSession opens a new Active session. An Active session the employee
// already holds, on any project, is completed in the same unit of work.
func (m *Manager) StartSession(ctx context.Context, employeeID, projectID string) (*storage.Session, error) {
	if employeeID == "" || projectID == "" {
		return nil, fmt.Errorf("%w: employee id and project id are required", ErrInvalidArgument)
	}

	unlock := m.employees.Lock(employeeID)
	defer unlock()

	prior, err := m.activeSession(ctx, employeeID)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now().UTC()
	var batch storage.Batch

	if prior != nil {
		unlockApps := m.apps.lockSession(prior.ID)
		defer unlockApps()

		if err := m.prepareEnd(ctx, prior, now, &batch); err != nil {
			return nil, err
		}
	}

	session := storage.Session{
		ID:         uuid.NewString(),
		EmployeeID: employeeID,
		ProjectID:  projectID,
		StartTime:  now,
		Status:     storage.SessionActive,
	}
	batch.AddSession(session)

	if err := commit(ctx, m.store, "start_session", batch); err != nil {
		return nil, err
	}

	if prior != nil {
		m.recordEnd(prior, ReasonSwitch)
	}
	metrics.SessionsStarted.Inc()
	metrics.SessionsActive.Inc()

	m.logger.Info().
		Str("session_id", session.ID).
		Str("employee_id", employeeID).
		Str("project_id", projectID).
		Msg("Started session")

	return &session, nil
}

// EndSession completes the employee's Active session on the project.
func (m *Manager) EndSession(ctx context.Context, employeeID, projectID string) (*storage.Session, error) {
	if employeeID == "" || projectID == "" {
		return nil, fmt.Errorf("%w: employee id and project id are required", ErrInvalidArgument)
	}

	unlock := m.employees.Lock(employeeID)
	defer unlock()

	session, err := m.store.ActiveSessionForProject(ctx, employeeID, projectID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNoActiveSession
		}
		return nil, persistenceError("load active session", err)
	}

	if err := m.end(ctx, session, ReasonExplicit); err != nil {
		return nil, err
	}
	return session, nil
}

// EndSessionOnDisconnect completes the employee's Active session on any
// project. Having no Active session is not an error and returns nil, nil.
func (m *Manager) EndSessionOnDisconnect(ctx context.Context, employeeID string) (*storage.Session, error) {
	if employeeID == "" {
		return nil, fmt.Errorf("%w: employee id is required", ErrInvalidArgument)
	}

	unlock := m.employees.Lock(employeeID)
	defer unlock()

	session, err := m.activeSession(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		m.logger.Debug().Str("employee_id", employeeID).Msg("No active session to end on disconnect")
		return nil, nil
	}

	if err := m.end(ctx, session, ReasonDisconnect); err != nil {
		return nil, err
	}
	return session, nil
}

// Expire completes a session found by a background scan, provided it is
// still the employee's Active session and confirm, when given, still holds.
// confirm runs under the employee lock, so a reconnect or request that
// lands between the scan and the write is observed. It returns false when
// the session was already completed, replaced or confirmed live.
func (m *Manager) Expire(ctx context.Context, stale storage.Session, reason EndReason, confirm func() bool) (bool, error) {
	unlock := m.employees.Lock(stale.EmployeeID)
	defer unlock()

	if confirm != nil && !confirm() {
		return false, nil
	}

	session, err := m.activeSession(ctx, stale.EmployeeID)
	if err != nil {
		return false, err
	}
	if session == nil || session.ID != stale.ID {
		return false, nil
	}

	if err := m.end(ctx, session, reason); err != nil {
		return false, err
	}
	return true, nil
}

// GetActiveEmployeeIds returns the sorted ids of employees with an Active
// session.
func (m *Manager) GetActiveEmployeeIds(ctx context.Context) ([]string, error) {
	active, err := m.store.ListActiveSessions(ctx)
	if err != nil {
		return nil, persistenceError("list active sessions", err)
	}

	seen := make(map[string]struct{}, len(active))
	ids := make([]string, 0, len(active))
	for _, s := range active {
		if _, ok := seen[s.EmployeeID]; ok {
			continue
		}
		seen[s.EmployeeID] = struct{}{}
		ids = append(ids, s.EmployeeID)
	}
	sort.Strings(ids)
	return ids, nil
}

// ListActiveSessions returns every Active session.
func (m *Manager) ListActiveSessions(ctx context.Context) ([]storage.Session, error) {
	active, err := m.store.ListActiveSessions(ctx)
	if err != nil {
		return nil, persistenceError("list active sessions", err)
	}
	return active, nil
}

// ListSessions returns sessions matching the filter, newest first.
func (m *Manager) ListSessions(ctx context.Context, filter storage.SessionFilter) ([]storage.Session, error) {
	sessions, err := m.store.ListSessions(ctx, filter)
	if err != nil {
		return nil, persistenceError("list sessions", err)
	}
	return sessions, nil
}

// GetSession returns a session by id.
func (m *Manager) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidArgument)
	}
	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, persistenceError("load session", err)
	}
	return session, nil
}

// SessionApps lists every app usage record of a session, oldest first.
// Lists of Complete sessions never change and are served from cache.
func (m *Manager) SessionApps(ctx context.Context, sessionID string) ([]storage.AppUsage, error) {
	if cached, ok := m.completed.Get(sessionID); ok {
		return slices.Clone(cached), nil
	}

	session, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	usages, err := m.store.ListAppUsages(ctx, sessionID)
	if err != nil {
		return nil, persistenceError("list app usages", err)
	}

	if !session.IsActive() {
		m.completed.Add(sessionID, slices.Clone(usages))
	}
	return usages, nil
}

// ListAllAppUsages returns the app usage records of every session, oldest
// first.
func (m *Manager) ListAllAppUsages(ctx context.Context) ([]storage.AppUsage, error) {
	usages, err := m.store.ListAllAppUsages(ctx)
	if err != nil {
		return nil, persistenceError("list app usages", err)
	}
	return usages, nil
}

// StartAppForEmployee starts appName in the employee's Active session.
func (m *Manager) StartAppForEmployee(ctx context.Context, employeeID, appName string) (*storage.AppUsage, error) {
	if employeeID == "" || appName == "" {
		return nil, fmt.Errorf("%w: employee id and app name are required", ErrInvalidArgument)
	}

	unlock := m.employees.Lock(employeeID)
	defer unlock()

	session, err := m.activeSession(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrNoActiveSession
	}
	return m.apps.StartApp(ctx, session.ID, appName)
}

// EndAppForEmployee ends appName in the employee's Active session.
func (m *Manager) EndAppForEmployee(ctx context.Context, employeeID, appName string) (*storage.AppUsage, error) {
	if employeeID == "" || appName == "" {
		return nil, fmt.Errorf("%w: employee id and app name are required", ErrInvalidArgument)
	}

	unlock := m.employees.Lock(employeeID)
	defer unlock()

	session, err := m.activeSession(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrNoActiveSession
	}
	return m.apps.EndApp(ctx, session.ID, appName)
}

// activeSession returns nil, nil when the employee has no Active session.
func (m *Manager) activeSession(ctx context.Context, employeeID string) (*storage.Session, error) {
	session, err := m.store.ActiveSession(ctx, employeeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, persistenceError("load active session", err)
	}
	return session, nil
}

// end runs the end-sequence: focused apps and the session are closed in one
// unit of work. The caller holds the employee lock.
func (m *Manager) end(ctx context.Context, session *storage.Session, reason EndReason) error {
	unlockApps := m.apps.lockSession(session.ID)
	defer unlockApps()

	original := *session

	var batch storage.Batch
	if err := m.prepareEnd(ctx, session, m.clock.Now().UTC(), &batch); err != nil {
		*session = original
		return err
	}
	if err := commit(ctx, m.store, "end_session", batch); err != nil {
		*session = original
		m.logger.Error().
			Err(err).
			Str("session_id", session.ID).
			Str("employee_id", session.EmployeeID).
			Str("reason", string(reason)).
			Msg("Failed to end session")
		return err
	}

	m.recordEnd(session, reason)
	return nil
}

// prepareEnd completes session in memory and queues it, after its focused
// apps, into batch. The caller holds the session's app lock.
func (m *Manager) prepareEnd(ctx context.Context, session *storage.Session, now time.Time, batch *storage.Batch) error {
	if _, err := m.apps.closeActive(ctx, session.ID, now, batch); err != nil {
		return err
	}

	end := now
	session.EndTime = &end
	session.Status = storage.SessionComplete
	session.ActiveDuration = elapsed(session.StartTime, now)
	batch.AddSession(*session)
	return nil
}

func (m *Manager) recordEnd(session *storage.Session, reason EndReason) {
	metrics.SessionsEnded.WithLabelValues(string(reason)).Inc()
	metrics.SessionsActive.Dec()
	metrics.SessionDuration.Observe(session.ActiveDuration.Seconds())

	m.logger.Info().
		Str("session_id", session.ID).
		Str("employee_id", session.EmployeeID).
		Str("project_id", session.ProjectID).
		Str("reason", string(reason)).
		Dur("duration", session.ActiveDuration).
		Msg("Ended session")
}
