package presence

import (
	"context"
	"time"

	"github.com/goodtune/worksight/internal/storage"
	"github.com/rs/zerolog"
)

// DefaultDisconnectTimeout bounds the end-sequence run for one disconnect.
const DefaultDisconnectTimeout = 30 * time.Second

// SessionCloser is the part of the session manager the coordinator drives.
type SessionCloser interface {
	EndSessionOnDisconnect(ctx context.Context, employeeID string) (*storage.Session, error)
	GetActiveEmployeeIds(ctx context.Context) ([]string, error)
}

// StatusChange is the payload of a UserStatusChanged message.
type StatusChange struct {
	EmployeeID string `json:"employee_id"`
	Role       string `json:"role"`
	Online     bool   `json:"online"`
}

// Coordinator ends the session of every employee that goes offline and fans
// admin requests out to online employees.
type Coordinator struct {
	registry *Registry
	sessions SessionCloser
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewCoordinator creates a coordinator and subscribes it to the registry.
func NewCoordinator(registry *Registry, sessions SessionCloser, logger zerolog.Logger) *Coordinator {
	c := &Coordinator{
		registry: registry,
		sessions: sessions,
		timeout:  DefaultDisconnectTimeout,
		logger:   logger.With().Str("component", "coordinator").Logger(),
	}
	registry.Subscribe(c.handle)
	return c
}

func (c *Coordinator) handle(ev Event) {
	c.registry.Broadcast("", Message{
		Type: TypeUserStatusChanged,
		Data: StatusChange{EmployeeID: ev.EmployeeID, Role: ev.Role, Online: ev.Online},
	})

	if ev.Online {
		return
	}

	// The end-sequence runs to completion regardless of who asked for it.
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	session, err := c.sessions.EndSessionOnDisconnect(ctx, ev.EmployeeID)
	if err != nil {
		c.logger.Error().
			Err(err).
			Str("employee_id", ev.EmployeeID).
			Msg("Failed to end session on disconnect")
		return
	}
	if session == nil {
		return
	}

	c.logger.Info().
		Str("employee_id", ev.EmployeeID).
		Str("session_id", session.ID).
		Dur("duration", session.ActiveDuration).
		Msg("Ended session on disconnect")
}

// NotifyRole sends event to every online employee with the role and returns
// how many connections accepted it.
func (c *Coordinator) NotifyRole(role, event string) int {
	sent := c.registry.Broadcast(role, Message{Type: event})

	c.logger.Debug().
		Str("role", role).
		Str("event", event).
		Int("sent", sent).
		Msg("Notified role")

	return sent
}

// RequestActionFromActiveEmployees sends event to employees that are both
// online and in an Active session. It returns the employees that accepted
// the message.
func (c *Coordinator) RequestActionFromActiveEmployees(ctx context.Context, event string) ([]string, error) {
	active, err := c.sessions.GetActiveEmployeeIds(ctx)
	if err != nil {
		return nil, err
	}

	recipients := make([]string, 0, len(active))
	for _, employeeID := range active {
		if c.registry.SendTo(employeeID, Message{Type: event}) {
			recipients = append(recipients, employeeID)
		}
	}

	c.logger.Info().
		Str("event", event).
		Int("active", len(active)).
		Int("sent", len(recipients)).
		Msg("Requested action from active employees")

	return recipients, nil
}

// RequestActionFrom sends event to one employee and reports whether their
// connection accepted it.
func (c *Coordinator) RequestActionFrom(employeeID, event string) bool {
	sent := c.registry.SendTo(employeeID, Message{Type: event})

	c.logger.Debug().
		Str("employee_id", employeeID).
		Str("event", event).
		Bool("sent", sent).
		Msg("Requested action")

	return sent
}

// OnlineUsers is the payload of a ReceiveOnlineUsers message.
func (c *Coordinator) OnlineUsers() Message {
	return Message{Type: TypeReceiveOnlineUsers, Data: c.registry.ListOnline()}
}
