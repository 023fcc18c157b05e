package signals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/reggate/internal/reputation"
)

// PostgresStore persists signal records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed signal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `session_id, normalized_email, email_domain, normalized_name,
	ip_address, ip_subnet, fingerprint_hash, user_agent, screen_resolution,
	timezone, language, platform, mx_record_exists, spf_record_exists,
	disposable_email, ip_reputation, form_completion_seconds, unavailable, created_at`

// Upsert inserts the record or overwrites the session's earlier record.
// created_at keeps the first write so hourly counts do not double-count retries.
func (s *PostgresStore) Upsert(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signal_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (session_id) DO UPDATE SET
			normalized_email        = EXCLUDED.normalized_email,
			email_domain            = EXCLUDED.email_domain,
			normalized_name         = EXCLUDED.normalized_name,
			ip_address              = EXCLUDED.ip_address,
			ip_subnet               = EXCLUDED.ip_subnet,
			fingerprint_hash        = EXCLUDED.fingerprint_hash,
			user_agent              = EXCLUDED.user_agent,
			screen_resolution       = EXCLUDED.screen_resolution,
			timezone                = EXCLUDED.timezone,
			language                = EXCLUDED.language,
			platform                = EXCLUDED.platform,
			mx_record_exists        = EXCLUDED.mx_record_exists,
			spf_record_exists       = EXCLUDED.spf_record_exists,
			disposable_email        = EXCLUDED.disposable_email,
			ip_reputation           = EXCLUDED.ip_reputation,
			form_completion_seconds = EXCLUDED.form_completion_seconds,
			unavailable             = EXCLUDED.unavailable
	`,
		rec.SessionID,
		rec.NormalizedEmail,
		rec.EmailDomain,
		rec.NormalizedName,
		rec.IPAddress,
		rec.IPSubnet,
		rec.FingerprintHash,
		rec.UserAgent,
		rec.ScreenResolution,
		rec.Timezone,
		rec.Language,
		rec.Platform,
		rec.MXRecordExists,
		rec.SPFRecordExists,
		rec.DisposableEmail,
		string(rec.IPReputation),
		rec.FormCompletionSeconds,
		pq.Array(rec.Unavailable),
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert signal record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, sessionID string) (*Record, error) {
	var rec Record
	var rep string
	err := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM signal_records WHERE session_id = $1
	`, sessionID).Scan(
		&rec.SessionID,
		&rec.NormalizedEmail,
		&rec.EmailDomain,
		&rec.NormalizedName,
		&rec.IPAddress,
		&rec.IPSubnet,
		&rec.FingerprintHash,
		&rec.UserAgent,
		&rec.ScreenResolution,
		&rec.Timezone,
		&rec.Language,
		&rec.Platform,
		&rec.MXRecordExists,
		&rec.SPFRecordExists,
		&rec.DisposableEmail,
		&rep,
		&rec.FormCompletionSeconds,
		pq.Array(&rec.Unavailable),
		&rec.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get signal record: %w", err)
	}
	rec.IPReputation = reputation.Category(rep)
	return &rec, nil
}

func (s *PostgresStore) CountByIPSince(ctx context.Context, ip string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM signal_records
		WHERE ip_address = $1 AND created_at >= $2
	`, ip, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count signal records: %w", err)
	}
	return n, nil
}
