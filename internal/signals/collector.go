package signals

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/reggate/internal/logging"
	"github.com/mbd888/reggate/internal/reputation"
	"github.com/mbd888/reggate/internal/traces"
	"github.com/mbd888/reggate/internal/validation"
)

// DomainChecker is satisfied by *DNSChecker.
type DomainChecker interface {
	Check(ctx context.Context, domain string) (mx, spf bool, err error)
}

// Collector normalizes and persists the signals for a registration attempt.
type Collector struct {
	store      Store
	disposable DisposableChecker
	ipRep      IPReputation
	dns        DomainChecker
	secret     []byte
	now        func() time.Time
	logger     *slog.Logger
}

// NewCollector creates a collector. Without WithDNS the DNS lookup is
// recorded as unavailable; without the other lookups their facts stay at
// their defaults.
func NewCollector(store Store, secret []byte, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Collector{
		store:  store,
		secret: secret,
		now:    time.Now,
		logger: logger,
	}
}

// WithDisposable sets the disposable-domain lookup.
func (c *Collector) WithDisposable(d DisposableChecker) *Collector {
	c.disposable = d
	return c
}

// WithIPReputation sets the IP reputation lookup.
func (c *Collector) WithIPReputation(r IPReputation) *Collector {
	c.ipRep = r
	return c
}

// WithDNS sets the MX/SPF checker.
func (c *Collector) WithDNS(d DomainChecker) *Collector {
	c.dns = d
	return c
}

// WithClock overrides the time source (tests).
func (c *Collector) WithClock(now func() time.Time) *Collector {
	c.now = now
	return c
}

// Validate checks candidate input before any signal work is done.
func Validate(sessionID string, cand Candidate, info ClientInfo) error {
	errs := validation.Validate(
		validation.Required("session_id", sessionID),
		validation.Required("email", cand.Email),
		validation.ValidEmail("email", cand.Email),
		validation.MaxLength("username", cand.Username, validation.MaxUsernameLength),
		validation.MaxLength("name", cand.Name, validation.MaxNameLength),
		validation.MaxLength("user_agent", info.UserAgent, validation.MaxHeaderLength),
		validation.NonNegative("form_completion_seconds", info.FormCompletionSeconds),
	)
	if strings.TrimSpace(info.IP) != "" && NormalizeIP(info.IP) == "" {
		errs = append(errs, validation.ValidationError{Field: "ip", Message: "must be an IPv4 or IPv6 address"})
	}
	if len(errs) > 0 {
		return &ValidationError{Field: errs[0].Field, Message: errs[0].Message}
	}
	return nil
}

// Collect validates the input, derives the signal record, and persists it.
// Lookup failures are logged and recorded in Record.Unavailable; only
// validation and store failures are returned.
func (c *Collector) Collect(ctx context.Context, sessionID string, cand Candidate, info ClientInfo) (*Record, error) {
	ctx, span := traces.StartSpan(ctx, "signals.Collect", traces.SessionID(sessionID))
	defer span.End()

	rec, err := c.Derive(ctx, sessionID, cand, info)
	if err != nil {
		return nil, err
	}
	if err := c.store.Upsert(ctx, rec); err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("persist signal record: %w", err)
	}
	return rec, nil
}

// Derive validates the input and builds the signal record without persisting
// it. Login attempts use it so they never count as registrations.
func (c *Collector) Derive(ctx context.Context, sessionID string, cand Candidate, info ClientInfo) (*Record, error) {
	if err := Validate(sessionID, cand, info); err != nil {
		return nil, err
	}

	email := NormalizeEmail(cand.Email)
	rec := &Record{
		SessionID:             sessionID,
		NormalizedEmail:       email,
		EmailDomain:           EmailDomain(email),
		NormalizedName:        NormalizeName(cand.Name),
		IPAddress:             NormalizeIP(info.IP),
		IPSubnet:              Subnet(info.IP),
		FingerprintHash:       Fingerprint(c.secret, info),
		UserAgent:             validation.SanitizeString(info.UserAgent, validation.MaxHeaderLength),
		ScreenResolution:      validation.SanitizeString(info.ScreenResolution, validation.MaxHeaderLength),
		Timezone:              validation.SanitizeString(info.Timezone, validation.MaxHeaderLength),
		Language:              validation.SanitizeString(info.Language, validation.MaxHeaderLength),
		Platform:              validation.SanitizeString(info.Platform, validation.MaxHeaderLength),
		IPReputation:          reputation.CategoryUnknown,
		FormCompletionSeconds: info.FormCompletionSeconds,
		CreatedAt:             c.now().UTC(),
	}
	if rec.NormalizedName == "" {
		rec.NormalizedName = NormalizeName(cand.Username)
	}

	log := logging.L(ctx)

	if c.dns == nil {
		// Without a resolver the MX fact is unknown, not negative.
		rec.Unavailable = append(rec.Unavailable, LookupDNS)
	} else {
		mx, spf, err := c.dns.Check(ctx, rec.EmailDomain)
		rec.MXRecordExists, rec.SPFRecordExists = mx, spf
		if err != nil {
			log.Warn("dns lookup failed", "domain", rec.EmailDomain, "error", err)
			rec.Unavailable = append(rec.Unavailable, LookupDNS)
		}
	}

	if c.disposable != nil {
		disposable, err := c.disposable.IsDisposable(ctx, rec.EmailDomain)
		if err != nil {
			log.Warn("disposable domain lookup failed", "domain", rec.EmailDomain, "error", err)
			rec.Unavailable = append(rec.Unavailable, LookupDisposable)
		} else {
			rec.DisposableEmail = disposable
		}
	}

	if c.ipRep != nil && rec.IPAddress != "" {
		cat, err := c.ipRep.Lookup(ctx, rec.IPAddress)
		if err != nil {
			log.Warn("ip reputation lookup failed", "error", err)
			rec.Unavailable = append(rec.Unavailable, LookupIPReputation)
		} else {
			rec.IPReputation = cat
		}
	}

	return rec, nil
}
