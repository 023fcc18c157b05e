package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists counters in PostgreSQL. Increment is a single
// INSERT ... ON CONFLICT DO UPDATE so concurrent attempts never lose updates.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed counter store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Increment(ctx context.Context, key Key, now time.Time, window time.Duration) (Counter, error) {
	c := Counter{Identifier: key.Identifier, IdentifierType: key.Type, Action: key.Action}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO rate_limit_counters (identifier, identifier_type, action, attempts, window_start)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (identifier, identifier_type, action) DO UPDATE SET
			attempts = CASE
				WHEN rate_limit_counters.window_start < $5 THEN 1
				ELSE rate_limit_counters.attempts + 1
			END,
			window_start = CASE
				WHEN rate_limit_counters.window_start < $5 THEN EXCLUDED.window_start
				ELSE rate_limit_counters.window_start
			END
		RETURNING attempts, window_start
	`, key.Identifier, string(key.Type), string(key.Action), now, now.Add(-window)).Scan(&c.Attempts, &c.WindowStart)
	if err != nil {
		return Counter{}, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) Attempts(ctx context.Context, key Key, now time.Time, window time.Duration) (int, error) {
	var attempts int
	var windowStart time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT attempts, window_start FROM rate_limit_counters
		WHERE identifier = $1 AND identifier_type = $2 AND action = $3
	`, key.Identifier, string(key.Type), string(key.Action)).Scan(&attempts, &windowStart)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read rate limit counter: %w", err)
	}
	if stale(windowStart, now, window) {
		return 0, nil
	}
	return attempts, nil
}

// DeleteStale removes counters whose window lapsed before now.
func (s *PostgresStore) DeleteStale(ctx context.Context, now time.Time, window time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM rate_limit_counters WHERE window_start < $1
	`, now.Add(-window))
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale counters: %w", err)
	}
	return res.RowsAffected()
}
