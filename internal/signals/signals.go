// Package signals turns raw registration input into a normalized, persisted
// signal record: canonical email and name, IP subnet, keyed device
// fingerprint, and the email-domain and IP reputation facts the risk engine
// scores.
package signals

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/mbd888/reggate/internal/reputation"
)

var (
	ErrRecordNotFound = errors.New("signals: record not found")
)

// Lookups that can be recorded as unavailable on a Record.
const (
	LookupDNS          = "dns"
	LookupDisposable   = "disposable"
	LookupIPReputation = "ip_reputation"
)

// Candidate is the account the client is asking to create.
type Candidate struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Name     string `json:"name,omitempty"`
	// Password is accepted so handlers can pass the request through unchanged.
	// It is never stored, logged or serialized.
	Password string `json:"-"`
	// CredentialRef is an opaque handle the account collaborator can use to
	// recover the credential after an asynchronous challenge round-trip.
	CredentialRef string `json:"credential_ref,omitempty"`
}

// ClientInfo is request and device metadata supplied alongside a candidate.
// The HTTP layer overwrites IP with the connection address.
type ClientInfo struct {
	IP                    string  `json:"ip"`
	UserAgent             string  `json:"user_agent"`
	ScreenResolution      string  `json:"screen_resolution"`
	Timezone              string  `json:"timezone"`
	Language              string  `json:"language"`
	Platform              string  `json:"platform"`
	CookiesEnabled        bool    `json:"cookies_enabled"`
	DoNotTrack            bool    `json:"do_not_track"`
	FormCompletionSeconds float64 `json:"form_completion_seconds"`
}

// Record is the normalized signal set for one session.
type Record struct {
	SessionID             string              `json:"session_id"`
	NormalizedEmail       string              `json:"normalized_email"`
	EmailDomain           string              `json:"email_domain"`
	NormalizedName        string              `json:"normalized_name"`
	IPAddress             string              `json:"ip_address"`
	IPSubnet              string              `json:"ip_subnet"`
	FingerprintHash       string              `json:"fingerprint_hash"`
	UserAgent             string              `json:"user_agent"`
	ScreenResolution      string              `json:"screen_resolution"`
	Timezone              string              `json:"timezone"`
	Language              string              `json:"language"`
	Platform              string              `json:"platform"`
	MXRecordExists        bool                `json:"mx_record_exists"`
	SPFRecordExists       bool                `json:"spf_record_exists"`
	DisposableEmail       bool                `json:"disposable_email"`
	IPReputation          reputation.Category `json:"ip_reputation"`
	FormCompletionSeconds float64             `json:"form_completion_seconds"`
	// Unavailable lists lookups that failed during collection. The facts
	// they would have produced hold their zero values.
	Unavailable []string  `json:"unavailable,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// LookupFailed reports whether the named lookup failed during collection.
func (r *Record) LookupFailed(name string) bool {
	for _, u := range r.Unavailable {
		if u == name {
			return true
		}
	}
	return false
}

// Store persists signal records.
type Store interface {
	// Upsert writes the record, replacing any earlier record for the session.
	Upsert(ctx context.Context, rec *Record) error
	Get(ctx context.Context, sessionID string) (*Record, error)
	// CountByIPSince counts records for ip created at or after since.
	CountByIPSince(ctx context.Context, ip string, since time.Time) (int, error)
}

// DisposableChecker reports whether an email domain hands out throwaway mailboxes.
type DisposableChecker interface {
	IsDisposable(ctx context.Context, domain string) (bool, error)
}

// IPReputation classifies an IP address.
type IPReputation interface {
	Lookup(ctx context.Context, ip string) (reputation.Category, error)
}

// Resolver is the subset of *net.Resolver the DNS checks use.
type Resolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// ValidationError reports missing or malformed candidate input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + ": " + e.Message
}
