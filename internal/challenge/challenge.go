// Package challenge issues and verifies proof-of-work challenges.
//
// Flow:
//  1. Generate picks a difficulty from the risk score, searches locally for one
//     hash with the required prefix to prove the parameters are solvable, and
//     stores the challenge with a fixed expiry.
//  2. The client finds any nonce such that sha256(data ++ timestamp ++ nonce)
//     starts with difficulty zero hex characters.
//  3. Verify recomputes the hash from the client's claim. A solution is valid
//     if and only if all four hold: its data equals the issued challenge data,
//     the recomputed hash equals the claimed hash, the hash carries the target
//     prefix, and the timestamp lies within the policy window. The data check
//     binds a solution to this challenge so work done for another challenge
//     cannot be replayed. A valid solution completes the challenge; an invalid
//     one only counts an attempt.
//
// Expiry is derived from expires_at and never written. The Sweeper removes
// long-expired rows.
package challenge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	ErrChallengeGeneration = errors.New("challenge: no target hash found within the iteration cap")
	ErrChallengeNotFound   = errors.New("challenge: no open challenge for session")
	ErrChallengeClosed     = errors.New("challenge: challenge already completed or expired")
)

// Difficulty bounds.
const (
	MinDifficulty = 1
	MaxDifficulty = 10
)

// Verification failure reasons.
const (
	ReasonNoChallenge     = "no valid challenge"
	ReasonExpired         = "expired"
	ReasonMalformed       = "malformed solution"
	ReasonDataMismatch    = "challenge data mismatch"
	ReasonHashMismatch    = "hash mismatch"
	ReasonInsufficient    = "insufficient difficulty"
	ReasonInvalidTime     = "invalid timestamp"
	ReasonTimestampWindow = "timestamp outside window"
)

// Challenge is a stored proof-of-work challenge.
type Challenge struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"sessionId"`
	Difficulty   int        `json:"difficulty"`
	Data         string     `json:"data"`
	Timestamp    string     `json:"timestamp"` // unix milliseconds, decimal
	TargetPrefix string     `json:"targetPrefix"`
	TargetHash   string     `json:"-"`
	Nonce        string     `json:"-"`
	IssuedAt     time.Time  `json:"issuedAt"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	Completed    bool       `json:"completed"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	Attempts     int        `json:"attempts"`
}

// Expired reports whether the challenge can no longer be solved at now.
func (c *Challenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Open reports whether the challenge still accepts solutions at now.
func (c *Challenge) Open(now time.Time) bool {
	return !c.Completed && !c.Expired(now)
}

// Params returns the client-facing view of the challenge.
func (c *Challenge) Params() *Params {
	return &Params{
		ChallengeID:  c.ID,
		Data:         c.Data,
		Timestamp:    c.Timestamp,
		Difficulty:   c.Difficulty,
		TargetPrefix: c.TargetPrefix,
		ExpiresAt:    c.ExpiresAt,
	}
}

// Params is what the client needs to solve a challenge. The server's own
// solution is never included.
type Params struct {
	ChallengeID  string    `json:"challengeId"`
	Data         string    `json:"data"`
	Timestamp    string    `json:"timestamp"`
	Difficulty   int       `json:"difficulty"`
	TargetPrefix string    `json:"targetPrefix"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Solution is a client's claimed answer.
type Solution struct {
	Data      string `json:"data"`
	Timestamp string `json:"timestamp"`
	Nonce     string `json:"nonce"`
	Hash      string `json:"hash"`
}

// Result is the outcome of a verification.
type Result struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Store persists challenges.
type Store interface {
	// Create stores c after closing any open challenge for the same session,
	// so a session has at most one open challenge.
	Create(ctx context.Context, c *Challenge) error
	// Latest returns the most recently issued uncompleted challenge for the
	// session, expired or not.
	Latest(ctx context.Context, sessionID string) (*Challenge, error)
	// RecordAttempt counts a failed attempt on an uncompleted challenge.
	RecordAttempt(ctx context.Context, id string) error
	// Complete marks the challenge completed and counts the attempt. It fails
	// with ErrChallengeClosed unless the challenge is still open at now.
	Complete(ctx context.Context, id string, now time.Time) error
	// DeleteExpired removes challenges that expired before cutoff.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int, error)
}

// Hash computes the proof-of-work hash, hex encoded.
func Hash(data, timestamp, nonce string) string {
	sum := sha256.Sum256([]byte(data + timestamp + nonce))
	return hex.EncodeToString(sum[:])
}
