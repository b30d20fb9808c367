package bolt

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/goodtune/worksight/internal/storage"
	"go.etcd.io/bbolt"
)

type sessionStore struct {
	db *bbolt.DB
}

func (s *sessionStore) ActiveSession(ctx context.Context, employeeID string) (*storage.Session, error) {
	var session *storage.Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var err error
		session, err = activeSession(tx, employeeID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

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

func (s *sessionStore) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	var session *storage.Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var err error
		session, err = getValue[storage.Session](tx, bucketSessions, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ListActiveSessions walks the active_sessions index rather than the whole
// sessions bucket.
func (s *sessionStore) ListActiveSessions(ctx context.Context) ([]storage.Session, error) {
	sessions := make([]storage.Session, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		index, err := bucket(tx, bucketActiveSessions)
		if err != nil {
			return err
		}
		return index.ForEach(func(_, id []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			session, err := getValue[storage.Session](tx, bucketSessions, string(id))
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if session.IsActive() {
				sessions = append(sessions, *session)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *sessionStore) ListSessions(ctx context.Context, filter storage.SessionFilter) ([]storage.Session, error) {
	sessions, err := listBucket(ctx, s.db, bucketSessions, filter.Matches)
	if err != nil {
		return nil, err
	}
	return storage.SortSessions(sessions, filter.Limit), nil
}

func (s *sessionStore) SaveSession(ctx context.Context, session storage.Session) error {
	return s.Commit(ctx, storage.Batch{Sessions: []storage.Session{session}})
}

func (s *sessionStore) ActiveAppUsages(ctx context.Context, sessionID string) ([]storage.AppUsage, error) {
	return s.scanAppUsages(ctx, sessionID, func(usage storage.AppUsage) bool {
		return usage.IsActive()
	})
}

func (s *sessionStore) ListAppUsages(ctx context.Context, sessionID string) ([]storage.AppUsage, error) {
	return s.scanAppUsages(ctx, sessionID, nil)
}

func (s *sessionStore) ListAllAppUsages(ctx context.Context) ([]storage.AppUsage, error) {
	usages, err := listBucket[storage.AppUsage](ctx, s.db, bucketAppUsages, nil)
	if err != nil {
		return nil, err
	}
	return storage.SortAppUsages(usages), nil
}

func (s *sessionStore) SaveAppUsage(ctx context.Context, usage storage.AppUsage) error {
	return s.Commit(ctx, storage.Batch{AppUsages: []storage.AppUsage{usage}})
}

// Commit writes the whole batch inside one bbolt read-write transaction.
func (s *sessionStore) Commit(ctx context.Context, batch storage.Batch) error {
	if batch.Empty() {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		for _, usage := range batch.AppUsages {
			if err := putAppUsage(tx, usage); err != nil {
				return err
			}
		}
		for _, session := range batch.Sessions {
			if err := putSession(tx, session); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sessionStore) scanAppUsages(ctx context.Context, sessionID string, keep func(storage.AppUsage) bool) ([]storage.AppUsage, error) {
	usages := make([]storage.AppUsage, 0)
	prefix := []byte(sessionID + "/")
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketAppUsages)
		if err != nil {
			return err
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var usage storage.AppUsage
			if err := unmarshal(v, &usage); err != nil {
				return err
			}
			if keep == nil || keep(usage) {
				usages = append(usages, usage)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return usages, nil
}

func activeSession(tx *bbolt.Tx, employeeID string) (*storage.Session, error) {
	index, err := bucket(tx, bucketActiveSessions)
	if err != nil {
		return nil, err
	}
	id := index.Get([]byte(employeeID))
	if id == nil {
		return nil, storage.ErrNotFound
	}
	session, err := getValue[storage.Session](tx, bucketSessions, string(id))
	if err != nil {
		return nil, err
	}
	if !session.IsActive() {
		return nil, storage.ErrNotFound
	}
	return session, nil
}

func putSession(tx *bbolt.Tx, session storage.Session) error {
	if session.ID == "" {
		return fmt.Errorf("session id is required")
	}
	b, err := bucket(tx, bucketSessions)
	if err != nil {
		return err
	}
	index, err := bucket(tx, bucketActiveSessions)
	if err != nil {
		return err
	}

	data, err := marshal(session)
	if err != nil {
		return err
	}
	if err := b.Put([]byte(session.ID), data); err != nil {
		return err
	}

	if session.IsActive() {
		return index.Put([]byte(session.EmployeeID), []byte(session.ID))
	}
	if current := index.Get([]byte(session.EmployeeID)); current != nil && string(current) == session.ID {
		return index.Delete([]byte(session.EmployeeID))
	}
	return nil
}

func putAppUsage(tx *bbolt.Tx, usage storage.AppUsage) error {
	if usage.ID == "" || usage.SessionID == "" {
		return fmt.Errorf("app usage id and session id are required")
	}
	b, err := bucket(tx, bucketAppUsages)
	if err != nil {
		return err
	}
	index, err := bucket(tx, bucketAppIndex)
	if err != nil {
		return err
	}

	key := appUsageKey(usage)
	if previous := index.Get([]byte(usage.ID)); previous != nil && !bytes.Equal(previous, key) {
		if err := b.Delete(previous); err != nil {
			return err
		}
	}

	data, err := marshal(usage)
	if err != nil {
		return err
	}
	if err := b.Put(key, data); err != nil {
		return err
	}
	return index.Put([]byte(usage.ID), key)
}

// appUsageKey sorts records of a session by start time under a common prefix.
func appUsageKey(usage storage.AppUsage) []byte {
	return []byte(fmt.Sprintf("%s/%020d/%s", usage.SessionID, usage.StartTime.UnixNano(), usage.ID))
}
