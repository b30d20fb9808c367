package redis

import (
	"context"
	"errors"

	"github.com/goodtune/worksight/internal/storage"
	"github.com/redis/go-redis/v9"
)

type sessionStore struct {
	client        *redis.Client
	keys          keyspace
	commitBatch   *redis.Script
	activeSession *redis.Script
}

// ActiveSession resolves the employee's active-session pointer atomically
func (s *sessionStore) ActiveSession(ctx context.Context, employeeID string) (*storage.Session, error) {
	reply, err := s.activeSession.Run(ctx, s.client, []string{s.keys.employeeActive(employeeID)}, s.keys.prefix).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return parseSession(flatToMap(reply))
}

// ActiveSessionForProject returns the active session only when it belongs to the project
func (s *sessionStore) ActiveSessionForProject(ctx context.Context, employeeID, projectID string) (*storage.Session, error) {
	session, err := s.ActiveSession(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	if session.ProjectID != projectID {
		return nil, storage.ErrNotFound
	}
	return session, nil
}

// GetSession retrieves a session by ID
func (s *sessionStore) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	data, err := s.client.HGetAll(ctx, s.keys.session(id)).Result()
	if err != nil {
		return nil, err
	}
	return parseSession(data)
}

// ListActiveSessions returns all active sessions
func (s *sessionStore) ListActiveSessions(ctx context.Context) ([]storage.Session, error) {
	ids, err := s.client.SMembers(ctx, s.keys.activeSessions()).Result()
	if err != nil {
		return nil, err
	}

	sessions, err := s.loadSessions(ctx, ids)
	if err != nil {
		return nil, err
	}

	active := sessions[:0]
	for _, session := range sessions {
		if session.IsActive() {
			active = append(active, session)
		}
	}
	return active, nil
}

// ListSessions returns sessions matching the filter, newest first
func (s *sessionStore) ListSessions(ctx context.Context, filter storage.SessionFilter) ([]storage.Session, error) {
	index := s.keys.allSessions()
	if filter.EmployeeID != "" {
		index = s.keys.employeeSessions(filter.EmployeeID)
	}

	ids, err := s.client.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	sessions, err := s.loadSessions(ctx, ids)
	if err != nil {
		return nil, err
	}

	matched := make([]storage.Session, 0, len(sessions))
	for _, session := range sessions {
		if filter.Matches(session) {
			matched = append(matched, session)
		}
	}
	return storage.SortSessions(matched, filter.Limit), nil
}

// SaveSession creates or updates a session and its indexes
func (s *sessionStore) SaveSession(ctx context.Context, session storage.Session) error {
	return s.Commit(ctx, storage.Batch{Sessions: []storage.Session{session}})
}

// ActiveAppUsages returns the app-usage records of a session still holding focus
func (s *sessionStore) ActiveAppUsages(ctx context.Context, sessionID string) ([]storage.AppUsage, error) {
	ids, err := s.client.SMembers(ctx, s.keys.sessionActiveApps(sessionID)).Result()
	if err != nil {
		return nil, err
	}

	usages, err := s.loadAppUsages(ctx, ids)
	if err != nil {
		return nil, err
	}

	active := usages[:0]
	for _, usage := range usages {
		if usage.IsActive() {
			active = append(active, usage)
		}
	}
	return storage.SortAppUsages(active), nil
}

// ListAppUsages returns every app-usage record of a session ordered by start time
func (s *sessionStore) ListAppUsages(ctx context.Context, sessionID string) ([]storage.AppUsage, error) {
	ids, err := s.client.ZRange(ctx, s.keys.sessionApps(sessionID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	usages, err := s.loadAppUsages(ctx, ids)
	if err != nil {
		return nil, err
	}
	return storage.SortAppUsages(usages), nil
}

// ListAllAppUsages returns the app-usage records of every session ordered by start time
func (s *sessionStore) ListAllAppUsages(ctx context.Context) ([]storage.AppUsage, error) {
	ids, err := s.client.ZRange(ctx, s.keys.allApps(), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	usages, err := s.loadAppUsages(ctx, ids)
	if err != nil {
		return nil, err
	}
	return storage.SortAppUsages(usages), nil
}

// SaveAppUsage creates or updates an app-usage record and its indexes
func (s *sessionStore) SaveAppUsage(ctx context.Context, usage storage.AppUsage) error {
	return s.Commit(ctx, storage.Batch{AppUsages: []storage.AppUsage{usage}})
}

// Commit applies the batch with a single script run
func (s *sessionStore) Commit(ctx context.Context, batch storage.Batch) error {
	if batch.Empty() {
		return nil
	}
	return s.commitBatch.Run(ctx, s.client, nil, batchArgs(s.keys.prefix, batch)...).Err()
}

func (s *sessionStore) loadSessions(ctx context.Context, ids []string) ([]storage.Session, error) {
	if len(ids) == 0 {
		return []storage.Session{}, nil
	}

	// Use pipeline for efficient batch retrieval
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.keys.session(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	sessions := make([]storage.Session, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		session, err := parseSession(data)
		if err == nil {
			sessions = append(sessions, *session)
		}
	}
	return sessions, nil
}

func (s *sessionStore) loadAppUsages(ctx context.Context, ids []string) ([]storage.AppUsage, error) {
	if len(ids) == 0 {
		return []storage.AppUsage{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.keys.app(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	usages := make([]storage.AppUsage, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		usage, err := parseAppUsage(data)
		if err == nil {
			usages = append(usages, *usage)
		}
	}
	return usages, nil
}
