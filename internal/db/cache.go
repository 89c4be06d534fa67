package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/hpungsan/callbrief/internal/cache"
)

// CacheStore is the SQLite cache.Store backend. Entries survive restarts and
// are shared by every process using the same database.
type CacheStore struct {
	db *sql.DB
}

// NewCacheStore wraps an initialized database.
func NewCacheStore(db *sql.DB) *CacheStore {
	return &CacheStore{db: db}
}

func (c *CacheStore) Load(ctx context.Context, key string, class cache.Class) (*cache.Entry, bool, error) {
	var (
		payload   []byte
		fetchedAt int64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT payload, fetched_at FROM cache_entries WHERE key = ? AND class = ?`, key, class,
	).Scan(&payload, &fetchedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, internal(err, "load cache entry")
	}
	return &cache.Entry{Key: key, Class: class, Payload: payload, FetchedAt: fromMillis(fetchedAt)}, true, nil
}

// Save writes e in one statement. An existing row fetched later than e wins.
func (c *CacheStore) Save(ctx context.Context, e *cache.Entry) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, class, payload, fetched_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key, class) DO UPDATE SET
		  payload = excluded.payload,
		  fetched_at = excluded.fetched_at
		WHERE excluded.fetched_at >= cache_entries.fetched_at`,
		e.Key, e.Class, []byte(e.Payload), toMillis(e.FetchedAt),
	)
	if err != nil {
		return internal(err, "save cache entry")
	}
	return nil
}

// Purge deletes entries that are past their class TTL at now.
func (c *CacheStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	for _, class := range []cache.Class{cache.ClassResearch, cache.ClassCompany} {
		res, err := c.db.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE class = ? AND fetched_at < ?`,
			class, toMillis(now.Add(-class.TTL())),
		)
		if err != nil {
			return total, internal(err, "purge cache")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, internal(err, "purge cache")
		}
		total += n
	}
	return total, nil
}
