package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SessionStatus is the lifecycle state of a work session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "ACTIVE"
	SessionComplete SessionStatus = "COMPLETE"
)

// ParseSessionStatus normalizes a status string. An empty string is not valid.
func ParseSessionStatus(s string) (SessionStatus, error) {
	switch SessionStatus(strings.ToUpper(strings.TrimSpace(s))) {
	case SessionActive:
		return SessionActive, nil
	case SessionComplete:
		return SessionComplete, nil
	default:
		return "", fmt.Errorf("invalid session status: %q (must be ACTIVE or COMPLETE)", s)
	}
}

// UnmarshalJSON implements json.Unmarshaler to normalize the status to uppercase.
func (s *SessionStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	status, err := ParseSessionStatus(raw)
	if err != nil {
		return err
	}
	*s = status
	return nil
}

// AppStatus is the focus state of a foreground application record.
type AppStatus string

const (
	AppActive   AppStatus = "ACTIVE"
	AppInactive AppStatus = "INACTIVE"
)

// ParseAppStatus normalizes an app status string.
func ParseAppStatus(s string) (AppStatus, error) {
	switch AppStatus(strings.ToUpper(strings.TrimSpace(s))) {
	case AppActive:
		return AppActive, nil
	case AppInactive:
		return AppInactive, nil
	default:
		return "", fmt.Errorf("invalid app status: %q (must be ACTIVE or INACTIVE)", s)
	}
}

// UnmarshalJSON implements json.Unmarshaler to normalize the status to uppercase.
func (s *AppStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	status, err := ParseAppStatus(raw)
	if err != nil {
		return err
	}
	*s = status
	return nil
}

// Session is one continuous period an employee is clocked into a project.
type Session struct {
	ID             string        `json:"id"`
	EmployeeID     string        `json:"employee_id"`
	ProjectID      string        `json:"project_id"`
	StartTime      time.Time     `json:"start_time"`
	EndTime        *time.Time    `json:"end_time,omitempty"`
	Status         SessionStatus `json:"status"`
	ActiveDuration time.Duration `json:"active_duration"`
}

// IsActive reports whether the session is still open.
func (s Session) IsActive() bool {
	return s.Status == SessionActive
}

// AppUsage is a contiguous interval during which a named application held
// input focus within a session.
type AppUsage struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"session_id"`
	AppName    string        `json:"app_name"`
	Status     AppStatus     `json:"status"`
	StartTime  time.Time     `json:"start_time"`
	EndTime    *time.Time    `json:"end_time,omitempty"`
	TotalUsage time.Duration `json:"total_usage"`
}

// IsActive reports whether the application still holds focus.
func (a AppUsage) IsActive() bool {
	return a.Status == AppActive
}

// SessionFilter defines criteria for listing sessions. Empty fields match all.
type SessionFilter struct {
	EmployeeID string
	ProjectID  string
	Status     SessionStatus
	Limit      int
}

// Matches reports whether a session satisfies the filter.
func (f SessionFilter) Matches(s Session) bool {
	if f.EmployeeID != "" && s.EmployeeID != f.EmployeeID {
		return false
	}
	if f.ProjectID != "" && s.ProjectID != f.ProjectID {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	return true
}

// Batch is a unit of work: every session and app-usage write it carries is
// committed together or not at all.
type Batch struct {
	Sessions  []Session
	AppUsages []AppUsage
}

// Empty reports whether the batch carries no writes.
func (b Batch) Empty() bool {
	return len(b.Sessions) == 0 && len(b.AppUsages) == 0
}

// AddSession queues a session write.
func (b *Batch) AddSession(s Session) {
	b.Sessions = append(b.Sessions, s)
}

// AddAppUsage queues an app-usage write.
func (b *Batch) AddAppUsage(a AppUsage) {
	b.AppUsages = append(b.AppUsages, a)
}
