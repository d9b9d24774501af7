package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Load(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	payload := []byte("one")
	require.NoError(t, s.Save(ctx, "k", payload))
	payload[0] = 'X'
	got, err := s.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got, "store keeps its own copy")

	require.NoError(t, s.Save(ctx, "k", []byte("two")))
	got, err = s.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got)
	assert.NoError(t, s.Close())
}

func TestSQLStore_Postgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	store := NewSQLStore(db, Postgres).WithClock(func() time.Time { return at })
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS bastion_snapshots")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, store.Init(ctx))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO bastion_snapshots (snapshot_key, payload, saved_at) VALUES ($1, $2, $3)")).
		WithArgs("bastion/snapshot", []byte("payload"), at).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, store.Save(ctx, "bastion/snapshot", []byte("payload")))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT payload FROM bastion_snapshots WHERE snapshot_key = $1")).
		WithArgs("bastion/snapshot").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow([]byte("payload")))
	got, err := store.Load(ctx, "bastion/snapshot")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT payload FROM bastion_snapshots")).
		WithArgs("absent").
		WillReturnError(sql.ErrNoRows)
	_, err = store.Load(ctx, "absent")
	assert.ErrorIs(t, err, ErrNotFound)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO bastion_snapshots")).
		WillReturnError(errors.New("connection reset"))
	err = store.Save(ctx, "bastion/snapshot", []byte("payload"))
	assert.ErrorContains(t, err, "connection reset")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_SQLitePlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewSQLStore(db, SQLite)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT payload FROM bastion_snapshots WHERE snapshot_key = ?")).
		WithArgs("k").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow([]byte("v")))
	got, err := store.Load(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpen_SQLiteFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "snapshots.db")

	store, err := Open(ctx, "sqlite://"+path)
	require.NoError(t, err)
	defer store.Close()

	data, _, err := Encode(sampleState(t), epoch)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, "bastion/snapshot", data))
	require.NoError(t, store.Save(ctx, "bastion/snapshot", data), "save is an upsert")

	got, err := store.Load(ctx, "bastion/snapshot")
	require.NoError(t, err)
	_, _, err = Decode(got)
	require.NoError(t, err)

	_, err = store.Load(ctx, "other")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpen_Schemes(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(ctx, "memory://")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(ctx, "redis://localhost:6379/0")
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, s)
	assert.NoError(t, s.Close())

	_, err = Open(ctx, "ftp://example.com/snap")
	assert.ErrorContains(t, err, "unsupported dsn scheme")
}

// TestRedisStore_Integration requires a running Redis on localhost.
func TestRedisStore_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skip("Skipping Redis integration test: redis not available")
	}

	store := NewRedisStore(client, time.Minute)
	defer store.Close()

	key := "bastion-test/" + t.Name()
	require.NoError(t, store.Save(context.Background(), key, []byte("payload")))
	got, err := store.Load(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	_, err = store.Load(context.Background(), key+"/absent")
	assert.ErrorIs(t, err, ErrNotFound)
}
