// Package bans is the registry of banned identifiers (fingerprints, emails,
// IPs, subnets and names) consulted by the risk engine, with a similarity
// lookup for near-duplicate names.
package bans

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/mbd888/reggate/internal/signals"
)

var (
	ErrNotBanned         = errors.New("bans: signal not banned")
	ErrInvalidSignalType = errors.New("bans: invalid signal type")
	ErrInvalidSeverity   = errors.New("bans: invalid severity")
	ErrEmptySignalValue  = errors.New("bans: empty signal value")
)

// SignalType identifies what kind of value a ban applies to.
type SignalType string

const (
	TypeFingerprint SignalType = "fp_hash"
	TypeEmail       SignalType = "email"
	TypeIP          SignalType = "ip"
	TypeSubnet      SignalType = "subnet"
	TypeName        SignalType = "name"
)

// Valid reports whether t is a known signal type.
func (t SignalType) Valid() bool {
	switch t {
	case TypeFingerprint, TypeEmail, TypeIP, TypeSubnet, TypeName:
		return true
	}
	return false
}

// Severity grades a ban.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s == SeverityLow || s == SeverityMedium || s == SeverityHigh
}

// BannedSignal is one banned identifier. (SignalType, SignalValue) is unique.
type BannedSignal struct {
	SignalType  SignalType `json:"signal_type"`
	SignalValue string     `json:"signal_value"`
	Severity    Severity   `json:"severity"`
	BannedBy    string     `json:"banned_by"`
	Reason      string     `json:"reason"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Store persists banned signals.
type Store interface {
	// Put inserts or replaces the ban for (SignalType, SignalValue).
	Put(ctx context.Context, sig *BannedSignal) error
	Delete(ctx context.Context, t SignalType, value string) error
	Get(ctx context.Context, t SignalType, value string) (*BannedSignal, error)
	ListByType(ctx context.Context, t SignalType) ([]*BannedSignal, error)
}

// Canonical normalizes a value the same way the signal collector normalizes
// the matching field, so bans match collected records.
func Canonical(t SignalType, value string) string {
	value = strings.TrimSpace(value)
	switch t {
	case TypeEmail:
		return signals.NormalizeEmail(value)
	case TypeName:
		return signals.NormalizeName(value)
	case TypeIP:
		if ip := signals.NormalizeIP(value); ip != "" {
			return ip
		}
	case TypeSubnet:
		if strings.Contains(value, "/") {
			if p, err := netip.ParsePrefix(value); err == nil {
				return p.Masked().String()
			}
			return value
		}
		if s := signals.Subnet(value); s != "" {
			return s
		}
	case TypeFingerprint:
		return strings.ToLower(value)
	}
	return value
}

func validate(sig *BannedSignal) error {
	if !sig.SignalType.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSignalType, sig.SignalType)
	}
	if sig.Severity == "" {
		sig.Severity = SeverityMedium
	}
	if !sig.Severity.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSeverity, sig.Severity)
	}
	if sig.SignalValue == "" {
		return ErrEmptySignalValue
	}
	return nil
}
