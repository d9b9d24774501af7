package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Load when no snapshot is stored under a key.
var ErrNotFound = errors.New("snapshot: not found")

// Store persists encoded envelopes by key.
type Store interface {
	Save(ctx context.Context, key string, data []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
	Close() error
}

// MemoryStore keeps snapshots in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Save(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStore) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) Close() error { return nil }

// RedisStore keeps snapshots as plain Redis strings.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore wraps an existing client. A zero ttl keeps keys forever.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Save(ctx context.Context, key string, data []byte) error {
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("snapshot: redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: redis get %s: %w", key, err)
	}
	return data, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

// Dialect selects placeholder syntax for SQLStore.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

func (d Dialect) placeholder(n int) string {
	if d == Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (d Dialect) blobType() string {
	if d == Postgres {
		return "BYTEA"
	}
	return "BLOB"
}

// SQLStore keeps snapshots in a single table keyed by snapshot key.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	clock   func() time.Time
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, clock: time.Now}
}

// WithClock overrides clock for testing.
func (s *SQLStore) WithClock(clock func() time.Time) *SQLStore {
	s.clock = clock
	return s
}

// Init creates the snapshot table if it does not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	schema := `CREATE TABLE IF NOT EXISTS bastion_snapshots (
	snapshot_key TEXT PRIMARY KEY,
	payload ` + s.dialect.blobType() + ` NOT NULL,
	saved_at TIMESTAMP NOT NULL
)`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("snapshot: init schema: %w", err)
	}
	return nil
}

func (s *SQLStore) Save(ctx context.Context, key string, data []byte) error {
	p := s.dialect.placeholder
	query := fmt.Sprintf(`INSERT INTO bastion_snapshots (snapshot_key, payload, saved_at) VALUES (%s, %s, %s)
ON CONFLICT (snapshot_key) DO UPDATE SET payload = excluded.payload, saved_at = excluded.saved_at`, p(1), p(2), p(3))
	if _, err := s.db.ExecContext(ctx, query, key, data, s.clock().UTC()); err != nil {
		return fmt.Errorf("snapshot: save %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, key string) ([]byte, error) {
	query := "SELECT payload FROM bastion_snapshots WHERE snapshot_key = " + s.dialect.placeholder(1)
	var data []byte
	err := s.db.QueryRowContext(ctx, query, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: load %s: %w", key, err)
	}
	return data, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

// Open returns a store for dsn:
//
//	""  or memory://           MemoryStore
//	redis:// or rediss://      RedisStore
//	postgres:// postgresql://  SQLStore via the "postgres" driver
//	sqlite://<path>            SQLStore via the "sqlite" driver
//
// SQL drivers must be registered by the caller. SQL stores are initialized
// before return.
func Open(ctx context.Context, dsn string) (Store, error) {
	scheme, rest, _ := strings.Cut(dsn, "://")
	switch scheme {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis", "rediss":
		opts, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("snapshot: parse redis dsn: %w", err)
		}
		return NewRedisStore(redis.NewClient(opts), 0), nil
	case "postgres", "postgresql":
		return openSQL(ctx, "postgres", dsn, Postgres)
	case "sqlite":
		return openSQL(ctx, "sqlite", rest, SQLite)
	}
	return nil, fmt.Errorf("snapshot: unsupported dsn scheme %q", scheme)
}

func openSQL(ctx context.Context, driver, dsn string, dialect Dialect) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open %s: %w", driver, err)
	}
	store := NewSQLStore(db, dialect)
	if err := store.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}
