package presence

import "time"

// Message types pushed to connected clients.
const (
	TypeUserStatusChanged  = "UserStatusChanged"
	TypeReceiveOnlineUsers = "ReceiveOnlineUsers"
	TypeTakeScreenshot     = "TakeScreenshot"
)

// Message is one frame delivered to a live connection.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Entry is a point-in-time view of one online employee.
type Entry struct {
	EmployeeID string    `json:"employee_id"`
	Role       string    `json:"role"`
	ConnID     string    `json:"conn_id"`
	Since      time.Time `json:"since"`
}

// Event is published whenever an employee goes online or offline.
type Event struct {
	EmployeeID string    `json:"employee_id"`
	Role       string    `json:"role"`
	Online     bool      `json:"online"`
	At         time.Time `json:"at"`
}

// Conn is a live connection handle supplied by the transport. Send must not
// block: a connection that cannot take the message drops it and returns
// false.
type Conn interface {
	ID() string
	Send(msg Message) bool
}
