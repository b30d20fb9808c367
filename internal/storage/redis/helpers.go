package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/worksight/internal/storage"
)

// Times are stored as Unix nanoseconds so the batch script can use them as
// sorted-set scores without parsing.
func formatTime(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTime(value string) (time.Time, error) {
	nanos, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, nanos).UTC(), nil
}

func parseOptionalTime(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := parseTime(value)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// parseSession converts a Redis hash to Session
func parseSession(data map[string]string) (*storage.Session, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	startTime, err := parseTime(data["start_time"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse start_time: %w", err)
	}

	endTime, err := parseOptionalTime(data["end_time"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse end_time: %w", err)
	}

	status, err := storage.ParseSessionStatus(data["status"])
	if err != nil {
		return nil, err
	}

	duration, err := strconv.ParseInt(data["active_duration"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse active_duration: %w", err)
	}

	return &storage.Session{
		ID:             data["id"],
		EmployeeID:     data["employee_id"],
		ProjectID:      data["project_id"],
		StartTime:      startTime,
		EndTime:        endTime,
		Status:         status,
		ActiveDuration: time.Duration(duration),
	}, nil
}

// parseAppUsage converts a Redis hash to AppUsage
func parseAppUsage(data map[string]string) (*storage.AppUsage, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	startTime, err := parseTime(data["start_time"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse start_time: %w", err)
	}

	endTime, err := parseOptionalTime(data["end_time"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse end_time: %w", err)
	}

	status, err := storage.ParseAppStatus(data["status"])
	if err != nil {
		return nil, err
	}

	total, err := strconv.ParseInt(data["total_usage"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse total_usage: %w", err)
	}

	return &storage.AppUsage{
		ID:         data["id"],
		SessionID:  data["session_id"],
		AppName:    data["app_name"],
		Status:     status,
		StartTime:  startTime,
		EndTime:    endTime,
		TotalUsage: time.Duration(total),
	}, nil
}

// flatToMap converts a HGETALL-style flat reply returned from a script.
func flatToMap(reply []interface{}) map[string]string {
	data := make(map[string]string, len(reply)/2)
	for i := 0; i+1 < len(reply); i += 2 {
		key, _ := reply[i].(string)
		value, _ := reply[i+1].(string)
		data[key] = value
	}
	return data
}

// batchArgs flattens a batch into the commitBatchScript argument layout.
func batchArgs(prefix string, batch storage.Batch) []interface{} {
	args := make([]interface{}, 0, 3+7*(len(batch.Sessions)+len(batch.AppUsages)))
	args = append(args, prefix, len(batch.Sessions))
	for _, s := range batch.Sessions {
		args = append(args,
			s.ID,
			s.EmployeeID,
			s.ProjectID,
			formatTime(s.StartTime),
			formatOptionalTime(s.EndTime),
			string(s.Status),
			strconv.FormatInt(int64(s.ActiveDuration), 10),
		)
	}
	args = append(args, len(batch.AppUsages))
	for _, a := range batch.AppUsages {
		args = append(args,
			a.ID,
			a.SessionID,
			a.AppName,
			string(a.Status),
			formatTime(a.StartTime),
			formatOptionalTime(a.EndTime),
			strconv.FormatInt(int64(a.TotalUsage), 10),
		)
	}
	return args
}
