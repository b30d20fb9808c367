package presence

import (
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/goodtune/worksight/internal/metrics"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// ErrInvalidIdentity is returned by Connect for an empty employee id or a
// nil connection.
var ErrInvalidIdentity = errors.New("presence: employee id and connection are required")

type presenceEntry struct {
	conn  Conn
	role  string
	since time.Time
}

// Registry maps employees to their live connection. The forward map
// (employee to entry) and the reverse map (connection handle to employee)
// are only ever updated together under mu.
type Registry struct {
	mu         sync.RWMutex
	byEmployee map[string]*presenceEntry
	byHandle   map[string]string
	lastSeen   map[string]time.Time
	startedAt  time.Time

	subMu       sync.RWMutex
	subscribers []func(Event)
	events      *eventQueue

	clock  clockwork.Clock
	logger zerolog.Logger
}

// NewRegistry creates an empty registry and starts its event dispatcher.
// Close stops the dispatcher.
func NewRegistry(clock clockwork.Clock, logger zerolog.Logger) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	r := &Registry{
		byEmployee: make(map[string]*presenceEntry),
		byHandle:   make(map[string]string),
		lastSeen:   make(map[string]time.Time),
		startedAt:  clock.Now(),
		clock:      clock,
		logger:     logger.With().Str("component", "presence").Logger(),
	}
	r.events = newEventQueue(r.dispatch)
	return r
}

// Subscribe registers fn to receive every presence event in publish order.
// Subscribers run on the dispatcher goroutine, never on the caller of
// Connect or Disconnect.
func (r *Registry) Subscribe(fn func(Event)) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

// Connect records conn as the employee's live connection, replacing any
// earlier one. The replaced handle becomes stale.
func (r *Registry) Connect(employeeID, role string, conn Conn) error {
	if employeeID == "" || conn == nil {
		return ErrInvalidIdentity
	}

	now := r.clock.Now()

	r.mu.Lock()
	if prev, ok := r.byEmployee[employeeID]; ok {
		delete(r.byHandle, prev.conn.ID())
		metrics.PresenceOnline.WithLabelValues(prev.role).Dec()
		r.logger.Debug().
			Str("employee_id", employeeID).
			Str("conn_id", prev.conn.ID()).
			Msg("Connection replaced")
	}
	r.byEmployee[employeeID] = &presenceEntry{conn: conn, role: role, since: now}
	r.byHandle[conn.ID()] = employeeID
	// Queued under mu so events leave in the order the maps changed.
	r.publish(Event{EmployeeID: employeeID, Role: role, Online: true, At: now})
	r.mu.Unlock()

	metrics.PresenceOnline.WithLabelValues(role).Inc()

	r.logger.Info().
		Str("employee_id", employeeID).
		Str("role", role).
		Str("conn_id", conn.ID()).
		Msg("Employee online")
	return nil
}

// Disconnect removes the entry whose current connection is handle. A handle
// that was already replaced is ignored. It reports whether an entry was
// removed.
func (r *Registry) Disconnect(handle string) bool {
	now := r.clock.Now()

	r.mu.Lock()
	employeeID, ok := r.byHandle[handle]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug().Str("conn_id", handle).Msg("Ignoring disconnect of stale connection")
		return false
	}
	entry := r.byEmployee[employeeID]
	delete(r.byHandle, handle)
	delete(r.byEmployee, employeeID)
	r.lastSeen[employeeID] = now
	r.publish(Event{EmployeeID: employeeID, Role: entry.role, Online: false, At: now})
	r.mu.Unlock()

	metrics.PresenceOnline.WithLabelValues(entry.role).Dec()

	r.logger.Info().
		Str("employee_id", employeeID).
		Str("role", entry.role).
		Str("conn_id", handle).
		Msg("Employee offline")
	return true
}

// ListOnline returns a snapshot of online employees ordered by id.
func (r *Registry) ListOnline() []Entry {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.byEmployee))
	for employeeID, e := range r.byEmployee {
		entries = append(entries, Entry{
			EmployeeID: employeeID,
			Role:       e.role,
			ConnID:     e.conn.ID(),
			Since:      e.since,
		})
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].EmployeeID < entries[j].EmployeeID
	})
	return entries
}

// IsOnline reports whether the employee has a live connection.
func (r *Registry) IsOnline(employeeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byEmployee[employeeID]
	return ok
}

// OrphanedFor reports how long a session that started at start has been
// without a live connection. Presence is measured from the employee's last
// disconnect, or from the registry's creation for employees never seen by
// this process. The second result is false while the employee is online,
// and for sessions started after that point: those were opened without a
// connection and nothing here says they were abandoned.
func (r *Registry) OrphanedFor(employeeID string, start time.Time) (time.Duration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.byEmployee[employeeID]; ok {
		return 0, false
	}
	since, ok := r.lastSeen[employeeID]
	if !ok {
		since = r.startedAt
	}
	if start.After(since) {
		return 0, false
	}
	return r.clock.Since(since), true
}

// SendTo delivers msg to the employee's live connection. Delivery is best
// effort and reports whether the connection accepted the message.
func (r *Registry) SendTo(employeeID string, msg Message) bool {
	r.mu.RLock()
	entry, ok := r.byEmployee[employeeID]
	r.mu.RUnlock()

	if !ok {
		metrics.Deliveries.WithLabelValues("offline").Inc()
		return false
	}
	return deliver(entry.conn, msg)
}

// Broadcast delivers msg to every online employee whose role matches. An
// empty role matches everyone. It returns the number of connections that
// accepted the message.
func (r *Registry) Broadcast(role string, msg Message) int {
	r.mu.RLock()
	targets := make([]Conn, 0, len(r.byEmployee))
	for _, e := range r.byEmployee {
		if role == "" || e.role == role {
			targets = append(targets, e.conn)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, conn := range targets {
		if deliver(conn, msg) {
			sent++
		}
	}
	return sent
}

// Close stops the event dispatcher after delivering queued events.
func (r *Registry) Close() {
	r.events.close()
}

func (r *Registry) publish(ev Event) {
	metrics.PresenceEvents.WithLabelValues(strconv.FormatBool(ev.Online)).Inc()
	r.events.push(ev)
}

func (r *Registry) dispatch(ev Event) {
	r.subMu.RLock()
	subscribers := append([]func(Event){}, r.subscribers...)
	r.subMu.RUnlock()

	for _, fn := range subscribers {
		fn(ev)
	}
}

func deliver(conn Conn, msg Message) bool {
	if conn.Send(msg) {
		metrics.Deliveries.WithLabelValues("sent").Inc()
		return true
	}
	metrics.Deliveries.WithLabelValues("dropped").Inc()
	return false
}
