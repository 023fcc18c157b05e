package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists decisions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed decision store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Upsert(ctx context.Context, d *Decision) error {
	breakdown, err := json.Marshal(d.Breakdown)
	if err != nil {
		return fmt.Errorf("failed to marshal breakdown: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_decisions (
			id, session_id, flow, risk_score, signal_breakdown, action, confidence,
			action_taken, challenge_type, user_id, created_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (session_id) DO UPDATE SET
			flow             = EXCLUDED.flow,
			risk_score       = EXCLUDED.risk_score,
			signal_breakdown = EXCLUDED.signal_breakdown,
			action           = EXCLUDED.action,
			confidence       = EXCLUDED.confidence,
			action_taken     = EXCLUDED.action_taken,
			challenge_type   = EXCLUDED.challenge_type,
			user_id          = EXCLUDED.user_id,
			created_at       = EXCLUDED.created_at,
			resolved_at      = EXCLUDED.resolved_at
	`,
		d.ID,
		d.SessionID,
		d.Flow,
		d.RiskScore,
		breakdown,
		string(d.Action),
		d.Confidence,
		string(d.ActionTaken),
		nullString(d.ChallengeType),
		d.UserID,
		d.CreatedAt,
		d.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert risk decision: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, sessionID string) (*Decision, error) {
	var d Decision
	var breakdown []byte
	var challengeType sql.NullString
	var userID sql.NullInt64
	var resolvedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, flow, risk_score, signal_breakdown, action, confidence,
		       action_taken, challenge_type, user_id, created_at, resolved_at
		FROM risk_decisions
		WHERE session_id = $1
	`, sessionID).Scan(
		&d.ID, &d.SessionID, &d.Flow, &d.RiskScore, &breakdown, &d.Action, &d.Confidence,
		&d.ActionTaken, &challengeType, &userID, &d.CreatedAt, &resolvedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDecisionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get risk decision: %w", err)
	}

	if err := json.Unmarshal(breakdown, &d.Breakdown); err != nil {
		return nil, fmt.Errorf("failed to decode breakdown: %w", err)
	}
	d.ChallengeType = challengeType.String
	if userID.Valid {
		id := userID.Int64
		d.UserID = &id
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	return &d, nil
}

// Resolve is a conditional update, so two concurrent finalizations of the
// same session cannot both succeed.
func (s *PostgresStore) Resolve(ctx context.Context, sessionID string, from, to ActionTaken, userID *int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE risk_decisions
		SET action_taken = $3,
		    user_id      = COALESCE($4, user_id),
		    resolved_at  = $5
		WHERE session_id = $1 AND action_taken = $2
	`, sessionID, string(from), string(to), userID, at)
	if err != nil {
		return fmt.Errorf("failed to resolve risk decision: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to resolve risk decision: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM risk_decisions WHERE session_id = $1)
	`, sessionID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to resolve risk decision: %w", err)
	}
	if !exists {
		return ErrDecisionNotFound
	}
	return ErrStateConflict
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
