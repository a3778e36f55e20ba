package counterstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteStore keeps counters in the main database file. SQLite serializes
// writers, so increments are atomic across processes sharing the file, and
// the counters survive crashes with the rest of the database.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func expiresAt(ttl time.Duration) interface{} {
	if ttl <= 0 {
		return nil
	}
	return time.Now().UTC().Add(ttl)
}

func (s *SQLiteStore) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	now := time.Now().UTC()

	var value int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO counters (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = CASE
				WHEN counters.expires_at IS NOT NULL AND counters.expires_at <= ?
				THEN excluded.value
				ELSE counters.value + excluded.value
			END,
			expires_at = CASE
				WHEN counters.expires_at IS NOT NULL AND counters.expires_at <= ?
				THEN excluded.expires_at
				ELSE counters.expires_at
			END
		RETURNING value
	`, key, delta, expiresAt(ttl), now, now).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (int64, bool, error) {
	var value int64
	var expiry sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT value, expires_at FROM counters WHERE key = ?
	`, key).Scan(&value, &expiry)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get counter %s: %w", key, err)
	}

	if expiry.Valid && !expiry.Time.After(time.Now().UTC()) {
		return 0, false, nil
	}
	return value, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO counters (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, key, value, expiresAt(ttl))
	if err != nil {
		return fmt.Errorf("failed to set counter %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM counters WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete counter %s: %w", key, err)
	}
	return nil
}

// Sweep drops expired rows. Expired keys already read as absent; this just
// keeps the table from growing without bound.
func (s *SQLiteStore) Sweep(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM counters WHERE expires_at IS NOT NULL AND expires_at <= ?
	`, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to sweep counters: %w", err)
	}
	return nil
}
