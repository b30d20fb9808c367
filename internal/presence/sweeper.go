package presence

import (
	"context"
	"time"

	"github.com/goodtune/worksight/internal/session"
	"github.com/goodtune/worksight/internal/storage"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// SessionExpirer is the part of the session manager the sweeper drives.
type SessionExpirer interface {
	ListActiveSessions(ctx context.Context) ([]storage.Session, error)
	Expire(ctx context.Context, stale storage.Session, reason session.EndReason, confirm func() bool) (bool, error)
}

// DefaultSweepInterval is used when NewSweeper is given a non-positive interval.
const DefaultSweepInterval = time.Minute

// Sweeper periodically ends Active sessions whose employee has been offline
// for longer than the grace period. Presence is not persisted, so these are
// sessions left behind by a restart or by a disconnect whose end failed.
// Sessions opened over HTTP without a live connection are left alone.
type Sweeper struct {
	registry *Registry
	sessions SessionExpirer
	interval time.Duration
	grace    time.Duration
	clock    clockwork.Clock
	logger   zerolog.Logger
	stopChan chan struct{}
	done     chan struct{}
}

// NewSweeper creates a new sweeper
func NewSweeper(registry *Registry, sessions SessionExpirer, interval, grace time.Duration, clock clockwork.Clock, logger zerolog.Logger) *Sweeper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if grace < 0 {
		grace = 0
	}
	return &Sweeper{
		registry: registry,
		sessions: sessions,
		interval: interval,
		grace:    grace,
		clock:    clock,
		logger:   logger.With().Str("component", "sweeper").Logger(),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the sweep loop
func (s *Sweeper) Start() {
	go s.run()
	s.logger.Info().
		Dur("interval", s.interval).
		Dur("grace", s.grace).
		Msg("Orphaned session sweeper started")
}

// Stop stops the sweep loop and waits for a running sweep to finish
func (s *Sweeper) Stop() {
	close(s.stopChan)
	<-s.done
	s.logger.Info().Msg("Orphaned session sweeper stopped")
}

func (s *Sweeper) run() {
	defer close(s.done)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if _, err := s.Sweep(context.Background()); err != nil {
				s.logger.Error().Err(err).Msg("Sweep failed")
			}
		case <-s.stopChan:
			return
		}
	}
}

// Sweep runs one pass and returns the number of sessions it ended.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	active, err := s.sessions.ListActiveSessions(ctx)
	if err != nil {
		return 0, err
	}

	ended := 0
	for _, stale := range active {
		offline, orphaned := s.registry.OrphanedFor(stale.EmployeeID, stale.StartTime)
		if !orphaned || offline < s.grace {
			continue
		}

		// Checked again under the employee lock: a reconnect may land
		// between the scan and the write.
		ok, err := s.sessions.Expire(ctx, stale, session.ReasonSweep, func() bool {
			d, still := s.registry.OrphanedFor(stale.EmployeeID, stale.StartTime)
			return still && d >= s.grace
		})
		if err != nil {
			s.logger.Error().
				Err(err).
				Str("session_id", stale.ID).
				Str("employee_id", stale.EmployeeID).
				Msg("Failed to end orphaned session")
			continue
		}
		if ok {
			ended++
			s.logger.Info().
				Str("session_id", stale.ID).
				Str("employee_id", stale.EmployeeID).
				Dur("offline", offline).
				Msg("Ended orphaned session")
		}
	}

	if ended > 0 {
		s.logger.Info().Int("ended", ended).Msg("Sweep complete")
	}
	return ended, nil
}
