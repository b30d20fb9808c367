package api

import (
	"time"

	"github.com/goodtune/worksight/internal/storage"
)

// SessionView is the API representation of a session.
type SessionView struct {
	ID                    string     `json:"id"`
	EmployeeID            string     `json:"employee_id"`
	ProjectID             string     `json:"project_id"`
	StartTime             time.Time  `json:"start_time"`
	EndTime               *time.Time `json:"end_time,omitempty"`
	Status                string     `json:"status"`
	ActiveDurationSeconds float64    `json:"active_duration_seconds"`
}

// AppUsageView is the API representation of an app usage record.
type AppUsageView struct {
	ID                string     `json:"id"`
	SessionID         string     `json:"session_id"`
	AppName           string     `json:"app_name"`
	Status            string     `json:"status"`
	StartTime         time.Time  `json:"start_time"`
	EndTime           *time.Time `json:"end_time,omitempty"`
	TotalUsageSeconds float64    `json:"total_usage_seconds"`
}

func newSessionView(s storage.Session) SessionView {
	return SessionView{
		ID:                    s.ID,
		EmployeeID:            s.EmployeeID,
		ProjectID:             s.ProjectID,
		StartTime:             s.StartTime,
		EndTime:               s.EndTime,
		Status:                string(s.Status),
		ActiveDurationSeconds: s.ActiveDuration.Seconds(),
	}
}

func newSessionViews(sessions []storage.Session) []SessionView {
	views := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, newSessionView(s))
	}
	return views
}

func newAppUsageView(a storage.AppUsage) AppUsageView {
	return AppUsageView{
		ID:                a.ID,
		SessionID:         a.SessionID,
		AppName:           a.AppName,
		Status:            string(a.Status),
		StartTime:         a.StartTime,
		EndTime:           a.EndTime,
		TotalUsageSeconds: a.TotalUsage.Seconds(),
	}
}

func newAppUsageViews(usages []storage.AppUsage) []AppUsageView {
	views := make([]AppUsageView, 0, len(usages))
	for _, a := range usages {
		views = append(views, newAppUsageView(a))
	}
	return views
}
