package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/worksight/internal/metrics"
	"github.com/goodtune/worksight/internal/storage"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Tracker enforces that at most one application holds focus per session and
// computes usage durations. Every operation on a session runs under that
// session's lock.
type Tracker struct {
	store  storage.SessionStore
	clock  clockwork.Clock
	locks  *keyedMutex
	logger zerolog.Logger
}

// NewTracker creates a new app usage tracker
func NewTracker(store storage.SessionStore, clock clockwork.Clock, logger zerolog.Logger) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{
		store:  store,
		clock:  clock,
		locks:  newKeyedMutex(),
		logger: logger.With().Str("component", "app-tracker").Logger(),
	}
}

// StartApp closes every focused application of the session and opens a new
// Active record for appName.
func (t *Tracker) StartApp(ctx context.Context, sessionID, appName string) (*storage.AppUsage, error) {
	if sessionID == "" || appName == "" {
		return nil, fmt.Errorf("%w: session id and app name are required", ErrInvalidArgument)
	}

	unlock := t.lockSession(sessionID)
	defer unlock()

	session, err := t.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNoActiveSession
		}
		return nil, persistenceError("load session", err)
	}
	if !session.IsActive() {
		return nil, ErrNoActiveSession
	}

	now := t.clock.Now().UTC()
	var batch storage.Batch

	displaced, err := t.closeActive(ctx, sessionID, now, &batch)
	if err != nil {
		return nil, err
	}

	usage := storage.AppUsage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		AppName:   appName,
		Status:    storage.AppActive,
		StartTime: now,
	}
	batch.AddAppUsage(usage)

	if err := commit(ctx, t.store, "start_app", batch); err != nil {
		return nil, err
	}

	if displaced > 0 {
		metrics.AppSwitches.Inc()
	}

	t.logger.Debug().
		Str("session_id", sessionID).
		Str("app_name", appName).
		Int("displaced", displaced).
		Msg("Foreground app started")

	return &usage, nil
}

// EndApp closes the Active record of appName in the session.
func (t *Tracker) EndApp(ctx context.Context, sessionID, appName string) (*storage.AppUsage, error) {
	if sessionID == "" || appName == "" {
		return nil, fmt.Errorf("%w: session id and app name are required", ErrInvalidArgument)
	}

	unlock := t.lockSession(sessionID)
	defer unlock()

	active, err := t.store.ActiveAppUsages(ctx, sessionID)
	if err != nil {
		return nil, persistenceError("load active apps", err)
	}

	now := t.clock.Now().UTC()
	var batch storage.Batch
	var ended *storage.AppUsage
	for _, usage := range active {
		if usage.AppName != appName {
			continue
		}
		closeAppUsage(&usage, now)
		batch.AddAppUsage(usage)
		if ended == nil {
			u := usage
			ended = &u
		}
	}
	if ended == nil {
		return nil, ErrAppNotActive
	}

	if err := commit(ctx, t.store, "end_app", batch); err != nil {
		return nil, err
	}

	t.logger.Debug().
		Str("session_id", sessionID).
		Str("app_name", appName).
		Dur("duration", ended.TotalUsage).
		Msg("Foreground app ended")

	return ended, nil
}

// EndAllActiveApps closes every focused application of the session. It is a
// no-op when none are Active.
func (t *Tracker) EndAllActiveApps(ctx context.Context, sessionID string) (int, error) {
	if sessionID == "" {
		return 0, fmt.Errorf("%w: session id is required", ErrInvalidArgument)
	}

	unlock := t.lockSession(sessionID)
	defer unlock()

	var batch storage.Batch
	closed, err := t.closeActive(ctx, sessionID, t.clock.Now().UTC(), &batch)
	if err != nil || closed == 0 {
		return 0, err
	}

	if err := commit(ctx, t.store, "end_all_apps", batch); err != nil {
		return 0, err
	}
	return closed, nil
}

// lockSession acquires the per-session app lock. Callers that also hold an
// employee lock must take it first.
func (t *Tracker) lockSession(sessionID string) func() {
	return t.locks.Lock(sessionID)
}

// closeActive queues the closure of every Active record of the session into
// batch and returns how many were closed. The caller holds the session lock.
func (t *Tracker) closeActive(ctx context.Context, sessionID string, now time.Time, batch *storage.Batch) (int, error) {
	active, err := t.store.ActiveAppUsages(ctx, sessionID)
	if err != nil {
		return 0, persistenceError("load active apps", err)
	}
	for _, usage := range active {
		closeAppUsage(&usage, now)
		batch.AddAppUsage(usage)
	}
	return len(active), nil
}

func closeAppUsage(usage *storage.AppUsage, now time.Time) {
	end := now
	usage.EndTime = &end
	usage.Status = storage.AppInactive
	usage.TotalUsage = elapsed(usage.StartTime, now)
}

// elapsed is end minus start, clamped to zero.
func elapsed(start, end time.Time) time.Duration {
	if d := end.Sub(start); d > 0 {
		return d
	}
	return 0
}

func commit(ctx context.Context, store storage.SessionStore, op string, batch storage.Batch) error {
	if batch.Empty() {
		return nil
	}
	started := time.Now()
	err := store.Commit(ctx, batch)
	metrics.CommitDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		return persistenceError(op, err)
	}
	return nil
}

func persistenceError(op string, err error) error {
	metrics.PersistenceErrors.WithLabelValues(op).Inc()
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
