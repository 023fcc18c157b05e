// Package registration orchestrates the registration gate.
//
// ProcessRegistration collects signals, scores them, and dispatches on the
// decided action: allowed and monitored attempts create an account, medium
// risk waits for an external CAPTCHA and email check, high risk receives a
// proof-of-work challenge, and the rest are blocked. Challenged attempts are
// held as pending registrations until VerifyChallenge or ConfirmVerification
// finalizes them.
package registration

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/reggate/internal/challenge"
	"github.com/mbd888/reggate/internal/risk"
	"github.com/mbd888/reggate/internal/signals"
)

var (
	ErrSessionNotFound = errors.New("registration: session not found")
	ErrPendingNotFound = errors.New("registration: pending registration not found")
	ErrPendingExpired  = errors.New("registration: pending registration already expired")
)

// Flows recorded on decisions.
const (
	FlowRegistration = "registration"
	FlowLogin        = "login"
)

// Result actions returned to callers.
const (
	ResultAllowed              = "allowed"
	ResultMonitored            = "monitored"
	ResultBlocked              = "blocked"
	ResultChallengeRequired    = "challenge_required"
	ResultVerificationRequired = "verification_required"
	ResultChallengeFailed      = "challenge_failed"
	ResultError                = "error"
)

// User-facing messages. Errors never carry internal detail.
const (
	msgAllowed      = "Registration complete"
	msgBlocked      = "We could not complete this registration"
	msgChallenge    = "Solve the challenge to continue"
	msgVerification = "Complete the CAPTCHA and confirm your email address to continue"
	msgError        = "Something went wrong, please try again"
	msgLoginAllowed = "Login permitted"
	msgNoPending    = "no pending verification"
)

// RegistrationResult is returned by every orchestrator operation.
type RegistrationResult struct {
	Success         bool                        `json:"success"`
	Action          string                      `json:"action"`
	Message         string                      `json:"message"`
	SessionID       string                      `json:"session_id,omitempty"`
	UserID          *int64                      `json:"user_id,omitempty"`
	ChallengeType   string                      `json:"challenge_type,omitempty"`
	Challenge       *challenge.Params           `json:"challenge,omitempty"`
	RiskScore       *int                        `json:"risk_score,omitempty"`
	Signals         map[string]risk.SignalScore `json:"signals,omitempty"`
	AppealAvailable bool                        `json:"appeal_available,omitempty"`
	AppealURL       string                      `json:"appeal_url,omitempty"`
}

// StatusResult is the polling view of a session. It never re-evaluates risk.
type StatusResult struct {
	SessionID     string           `json:"session_id"`
	Flow          string           `json:"flow"`
	Action        risk.Action      `json:"action"`
	ActionTaken   risk.ActionTaken `json:"action_taken"`
	ChallengeType string           `json:"challenge_type,omitempty"`
	RiskScore     int              `json:"risk_score"`
	UserID        *int64           `json:"user_id,omitempty"`
	Resolved      bool             `json:"resolved"`
	CreatedAt     time.Time        `json:"created_at"`
	ResolvedAt    *time.Time       `json:"resolved_at,omitempty"`
	Challenge     *ChallengeStatus `json:"challenge,omitempty"`
}

// ChallengeStatus summarizes the session's open challenge.
type ChallengeStatus struct {
	ID         string    `json:"id"`
	Difficulty int       `json:"difficulty"`
	ExpiresAt  time.Time `json:"expires_at"`
	Expired    bool      `json:"expired"`
	Attempts   int       `json:"attempts"`
}

// AccountOptions describes how an account should be created.
type AccountOptions struct {
	SessionID string
	// Monitored asks the account system to flag the account for heightened
	// observation.
	Monitored bool
}

// AccountCreator creates user accounts. Password handling belongs to the
// implementation.
type AccountCreator interface {
	CreateAccount(ctx context.Context, cand signals.Candidate, opts AccountOptions) (int64, error)
}

// AccountCreatorFunc adapts a function to AccountCreator.
type AccountCreatorFunc func(ctx context.Context, cand signals.Candidate, opts AccountOptions) (int64, error)

func (f AccountCreatorFunc) CreateAccount(ctx context.Context, cand signals.Candidate, opts AccountOptions) (int64, error) {
	return f(ctx, cand, opts)
}

// PendingRegistration holds a challenged attempt until it is finalized. The
// password is never retained.
type PendingRegistration struct {
	SessionID  string             `json:"session_id"`
	Candidate  signals.Candidate  `json:"candidate"`
	ClientInfo signals.ClientInfo `json:"client_info"`
	RiskScore  int                `json:"risk_score"`
	CreatedAt  time.Time          `json:"created_at"`
	ExpiresAt  time.Time          `json:"expires_at"`
}

// PendingStore holds pending registrations.
type PendingStore interface {
	// Put returns ErrPendingExpired when ExpiresAt has already passed.
	Put(ctx context.Context, p *PendingRegistration) error
	// Get returns ErrPendingNotFound for unknown or expired sessions.
	Get(ctx context.Context, sessionID string) (*PendingRegistration, error)
	Delete(ctx context.Context, sessionID string) error
}
