package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS cache_entries (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at);`

// SQLiteStore owns the database shared by every SQLite cache. Entries survive
// process restarts, which lets presigned uploads outlive a redeploy.
type SQLiteStore struct {
	db  *sql.DB
	now Clock
}

type SQLiteOption func(*SQLiteStore)

// WithStoreClock overrides the clock used to stamp and check expiry.
func WithStoreClock(now Clock) SQLiteOption {
	return func(s *SQLiteStore) {
		s.now = now
	}
}

// OpenSQLiteStore opens (creating if needed) the SQLite database at dsn and
// ensures the cache schema exists.
func OpenSQLiteStore(ctx context.Context, dsn string, opts ...SQLiteOption) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// SQLite serialises writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init cache schema: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// PurgeExpired deletes every entry whose deadline has passed and returns the
// number of rows removed.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge expired entries: %w", err)
	}
	return res.RowsAffected()
}

// RunJanitor purges expired entries every interval until ctx is cancelled.
func (s *SQLiteStore) RunJanitor(ctx context.Context, every time.Duration) error {
	log := slog.With("comp", "cache-janitor")
	log.Info("Cache janitor started", "every", every.String())

	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Cache janitor stopped")
			return nil
		case <-t.C:
			n, err := s.PurgeExpired(ctx)
			if err != nil {
				log.Error("Purge expired cache entries", "err", err)
				continue
			}
			if n > 0 {
				log.Debug("Purged expired cache entries", "count", n)
			}
		}
	}
}

// SQLite is a Cache persisted in a SQLiteStore. Values are stored as JSON, so
// V must round-trip through encoding/json semantics.
type SQLite[V any] struct {
	store     *SQLiteStore
	namespace string
}

// NewSQLite returns a cache whose keys live under namespace in store. Caches
// with different namespaces never see each other's entries.
func NewSQLite[V any](store *SQLiteStore, namespace string) *SQLite[V] {
	return &SQLite[V]{store: store, namespace: namespace}
}

func (c *SQLite[V]) key(key string) string {
	return c.namespace + ":" + key
}

func (c *SQLite[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	if ttl <= 0 {
		_, err := c.store.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, c.key(key))
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}

	expiresAt := c.store.now().Add(ttl).UnixMilli()
	_, err = c.store.db.ExecContext(ctx,
		`INSERT INTO cache_entries(key, value, expires_at) VALUES(?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		 	value=excluded.value,
		 	expires_at=excluded.expires_at`,
		c.key(key), data, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("store cache entry: %w", err)
	}
	return nil
}

func (c *SQLite[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var (
		zero V
		data []byte
	)

	err := c.store.db.QueryRowContext(ctx,
		`SELECT value FROM cache_entries WHERE key = ? AND expires_at > ?`,
		c.key(key), c.store.now().UnixMilli(),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("lookup cache entry: %w", err)
	}

	var value V
	if err := json.Unmarshal(data, &value); err != nil {
		return zero, false, fmt.Errorf("decode cache value: %w", err)
	}
	return value, true, nil
}

var _ Cache[string] = (*SQLite[string])(nil)
