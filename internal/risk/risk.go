// Package risk scores registration attempts.
//
// Every attempt is evaluated against a fixed set of independent checks
// (banned identifiers, email and IP reputation, form timing, attempt
// counters). Each triggered check adds its configured weight; the sum is
// mapped to an action through ordered thresholds. A check whose lookup fails
// contributes nothing and is reported as unavailable.
package risk

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDecisionNotFound = errors.New("risk: decision not found")
	ErrStateConflict    = errors.New("risk: decision is not in the expected state")
)

// Action is the engine's recommendation for an attempt.
type Action string

const (
	ActionAllow           Action = "allow"
	ActionMonitor         Action = "monitor"
	ActionChallengeMedium Action = "challenge_medium"
	ActionChallengeStrong Action = "challenge_strong"
	ActionBlock           Action = "block"
)

// Rank orders actions from least to most restrictive. Unknown actions rank -1.
func (a Action) Rank() int {
	switch a {
	case ActionAllow:
		return 0
	case ActionMonitor:
		return 1
	case ActionChallengeMedium:
		return 2
	case ActionChallengeStrong:
		return 3
	case ActionBlock:
		return 4
	}
	return -1
}

// ActionTaken is what the gate actually did with an attempt.
type ActionTaken string

const (
	TakenAllowed    ActionTaken = "allowed"
	TakenMonitored  ActionTaken = "monitored"
	TakenChallenged ActionTaken = "challenged"
	TakenBlocked    ActionTaken = "blocked"
	TakenError      ActionTaken = "error"
)

// Challenge types recorded on challenged decisions.
const (
	ChallengeProofOfWork  = "proof_of_work"
	ChallengeCaptchaEmail = "captcha_email"
)

// CheckStatus describes a breakdown entry.
type CheckStatus string

const (
	StatusTriggered   CheckStatus = "triggered"
	StatusUnavailable CheckStatus = "unavailable"
)

// SignalScore is one entry of a decision's breakdown.
type SignalScore struct {
	Score  int            `json:"score"`
	Reason string         `json:"reason"`
	Status CheckStatus    `json:"status"`
	Detail map[string]any `json:"detail,omitempty"`
}

// Assessment is the engine's output for one signal record.
type Assessment struct {
	SessionID   string                 `json:"session_id"`
	RiskScore   int                    `json:"risk_score"`
	Breakdown   map[string]SignalScore `json:"signal_breakdown"`
	Action      Action                 `json:"action"`
	Confidence  float64                `json:"confidence"`
	EvaluatedAt time.Time              `json:"evaluated_at"`
}

// Decision is the persisted outcome of an attempt. One per session.
type Decision struct {
	ID            string                 `json:"id"`
	SessionID     string                 `json:"session_id"`
	Flow          string                 `json:"flow"` // "registration" or "login"
	RiskScore     int                    `json:"risk_score"`
	Breakdown     map[string]SignalScore `json:"signal_breakdown"`
	Action        Action                 `json:"action"`
	Confidence    float64                `json:"confidence"`
	ActionTaken   ActionTaken            `json:"action_taken"`
	ChallengeType string                 `json:"challenge_type,omitempty"`
	UserID        *int64                 `json:"user_id,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	ResolvedAt    *time.Time             `json:"resolved_at,omitempty"`
}

// Resolved reports whether the decision reached a terminal state.
func (d *Decision) Resolved() bool {
	return d.ResolvedAt != nil
}

// Store persists decisions.
type Store interface {
	// Upsert writes the decision, replacing any earlier decision for the session.
	Upsert(ctx context.Context, d *Decision) error
	Get(ctx context.Context, sessionID string) (*Decision, error)
	// Resolve moves a decision from one action_taken to another and stamps
	// resolved_at. Returns ErrStateConflict if the current state is not from.
	Resolve(ctx context.Context, sessionID string, from, to ActionTaken, userID *int64, at time.Time) error
}

// CheckError is a failed sub-check lookup.
type CheckError struct {
	Check string
	Err   error
}

func (e *CheckError) Error() string { return "check " + e.Check + ": " + e.Err.Error() }
func (e *CheckError) Unwrap() error { return e.Err }

func copyBreakdown(in map[string]SignalScore) map[string]SignalScore {
	if in == nil {
		return nil
	}
	out := make(map[string]SignalScore, len(in))
	for k, v := range in {
		if v.Detail != nil {
			d := make(map[string]any, len(v.Detail))
			for dk, dv := range v.Detail {
				d[dk] = dv
			}
			v.Detail = d
		}
		out[k] = v
	}
	return out
}
