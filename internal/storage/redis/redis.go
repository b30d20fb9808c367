package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/worksight/internal/config"
	"github.com/goodtune/worksight/internal/storage"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces every key written by the store.
const DefaultKeyPrefix = "worksight"

// Store implements the storage.Store interface using Redis
type Store struct {
	client   *redis.Client
	sessions *sessionStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	// Parse timeouts
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Determine address
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewStore(client, cfg.KeyPrefix), nil
}

// NewStore wraps an existing client.
func NewStore(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Store{
		client: client,
		sessions: &sessionStore{
			client:        client,
			keys:          keyspace{prefix: prefix},
			commitBatch:   redis.NewScript(commitBatchScript),
			activeSession: redis.NewScript(activeSessionScript),
		},
	}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping verifies the Redis connection
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Sessions returns the SessionStore implementation
func (s *Store) Sessions() storage.SessionStore {
	return s.sessions
}

type keyspace struct {
	prefix string
}

func (k keyspace) session(id string) string {
	return fmt.Sprintf("%s:session:%s", k.prefix, id)
}

func (k keyspace) activeSessions() string {
	return k.prefix + ":sessions:active"
}

func (k keyspace) allSessions() string {
	return k.prefix + ":sessions:all"
}

func (k keyspace) employeeSessions(employeeID string) string {
	return fmt.Sprintf("%s:sessions:employee:%s", k.prefix, employeeID)
}

// employeeActive lives outside the sessions:employee: namespace so that no
// employee ID can name another employee's index.
func (k keyspace) employeeActive(employeeID string) string {
	return fmt.Sprintf("%s:active:employee:%s", k.prefix, employeeID)
}

func (k keyspace) app(id string) string {
	return fmt.Sprintf("%s:app:%s", k.prefix, id)
}

func (k keyspace) allApps() string {
	return k.prefix + ":apps:all"
}

func (k keyspace) sessionApps(sessionID string) string {
	return fmt.Sprintf("%s:apps:session:%s", k.prefix, sessionID)
}

func (k keyspace) sessionActiveApps(sessionID string) string {
	return fmt.Sprintf("%s:active:apps:%s", k.prefix, sessionID)
}
