package bans

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists banned signals in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed ban store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Put(ctx context.Context, sig *BannedSignal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO banned_signals (signal_type, signal_value, severity, banned_by, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (signal_type, signal_value) DO UPDATE SET
			severity  = EXCLUDED.severity,
			banned_by = EXCLUDED.banned_by,
			reason    = EXCLUDED.reason
	`, string(sig.SignalType), sig.SignalValue, string(sig.Severity), sig.BannedBy, sig.Reason, sig.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to put banned signal: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, t SignalType, value string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM banned_signals WHERE signal_type = $1 AND signal_value = $2
	`, string(t), value)
	if err != nil {
		return fmt.Errorf("failed to delete banned signal: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, t SignalType, value string) (*BannedSignal, error) {
	sig := &BannedSignal{}
	err := s.db.QueryRowContext(ctx, `
		SELECT signal_type, signal_value, severity, banned_by, reason, created_at
		FROM banned_signals
		WHERE signal_type = $1 AND signal_value = $2
	`, string(t), value).Scan(&sig.SignalType, &sig.SignalValue, &sig.Severity, &sig.BannedBy, &sig.Reason, &sig.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotBanned
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get banned signal: %w", err)
	}
	return sig, nil
}

func (s *PostgresStore) ListByType(ctx context.Context, t SignalType) ([]*BannedSignal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT signal_type, signal_value, severity, banned_by, reason, created_at
		FROM banned_signals
		WHERE signal_type = $1
		ORDER BY signal_value
	`, string(t))
	if err != nil {
		return nil, fmt.Errorf("failed to list banned signals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*BannedSignal
	for rows.Next() {
		sig := &BannedSignal{}
		if err := rows.Scan(&sig.SignalType, &sig.SignalValue, &sig.Severity, &sig.BannedBy, &sig.Reason, &sig.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan banned signal: %w", err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}
