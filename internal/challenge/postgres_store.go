package challenge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists challenges in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed challenge store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, c *Challenge) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Close any open challenge for the session.
	_, err = tx.ExecContext(ctx, `
		UPDATE challenges SET expires_at = $2
		WHERE session_id = $1 AND completed = FALSE AND expires_at > $2
	`, c.SessionID, c.IssuedAt)
	if err != nil {
		return fmt.Errorf("failed to close open challenges: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO challenges (
			id, session_id, difficulty, challenge_data, challenge_timestamp,
			target_prefix, target_hash, nonce, issued_at, expires_at, completed, attempts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, 0)
	`,
		c.ID,
		c.SessionID,
		c.Difficulty,
		c.Data,
		c.Timestamp,
		c.TargetPrefix,
		c.TargetHash,
		c.Nonce,
		c.IssuedAt,
		c.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert challenge: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) Latest(ctx context.Context, sessionID string) (*Challenge, error) {
	c := &Challenge{}
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, difficulty, challenge_data, challenge_timestamp,
		       target_prefix, target_hash, nonce, issued_at, expires_at,
		       completed, completed_at, attempts
		FROM challenges
		WHERE session_id = $1 AND completed = FALSE
		ORDER BY issued_at DESC
		LIMIT 1
	`, sessionID).Scan(
		&c.ID, &c.SessionID, &c.Difficulty, &c.Data, &c.Timestamp,
		&c.TargetPrefix, &c.TargetHash, &c.Nonce, &c.IssuedAt, &c.ExpiresAt,
		&c.Completed, &completedAt, &c.Attempts,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.Time
	}
	return c, nil
}

func (s *PostgresStore) RecordAttempt(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE challenges SET attempts = attempts + 1
		WHERE id = $1 AND completed = FALSE
	`, id)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return expectOne(res)
}

func (s *PostgresStore) Complete(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE challenges
		SET completed = TRUE, completed_at = $2, attempts = attempts + 1
		WHERE id = $1 AND completed = FALSE AND expires_at > $2
	`, id, now)
	if err != nil {
		return fmt.Errorf("failed to complete challenge: %w", err)
	}
	return expectOne(res)
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM challenges WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired challenges: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrChallengeClosed
	}
	return nil
}
