package challenge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/reggate/internal/idgen"
	"github.com/mbd888/reggate/internal/logging"
	"github.com/mbd888/reggate/internal/metrics"
	"github.com/mbd888/reggate/internal/policy"
	"github.com/mbd888/reggate/internal/retry"
	"github.com/mbd888/reggate/internal/traces"
)

// ctxCheckInterval is how many hashes the search computes between context checks.
const ctxCheckInterval = 1 << 16

// Service generates and verifies challenges.
type Service struct {
	store  Store
	policy policy.Challenge
	now    func() time.Time
}

// NewService creates a challenge service.
func NewService(store Store, p policy.Challenge) *Service {
	return &Service{
		store:  store,
		policy: p,
		now:    time.Now,
	}
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// DifficultyFor maps a risk score to a difficulty within [MinDifficulty, MaxDifficulty].
func (s *Service) DifficultyFor(riskScore int) int {
	d := s.policy.Difficulty(riskScore)
	if d < MinDifficulty {
		return MinDifficulty
	}
	if d > MaxDifficulty {
		return MaxDifficulty
	}
	return d
}

// Generate issues a challenge for the session. Each round of the local search
// is bounded by the policy's SearchBudget for the difficulty; up to MaxRounds
// rounds run with fresh data before failing with ErrChallengeGeneration.
func (s *Service) Generate(ctx context.Context, sessionID string, riskScore int) (*Params, error) {
	ctx, span := traces.StartSpan(ctx, "challenge.Generate", traces.SessionID(sessionID))
	defer span.End()

	difficulty := s.DifficultyFor(riskScore)
	prefix := strings.Repeat("0", difficulty)
	budget := s.policy.SearchBudget(difficulty)
	span.SetAttributes(traces.Difficulty(difficulty))

	var c *Challenge
	start := time.Now()
	err := retry.Do(ctx, s.policy.MaxRounds, 0, func(int) error {
		issued := s.now()
		data := idgen.Hex(16)
		ts := strconv.FormatInt(issued.UnixMilli(), 10)

		nonce, hash, err := search(ctx, data, ts, prefix, budget)
		if err != nil {
			return err
		}
		c = &Challenge{
			ID:           idgen.WithPrefix("pow_"),
			SessionID:    sessionID,
			Difficulty:   difficulty,
			Data:         data,
			Timestamp:    ts,
			TargetPrefix: prefix,
			TargetHash:   hash,
			Nonce:        nonce,
			IssuedAt:     issued,
			ExpiresAt:    issued.Add(s.policy.TTL),
		}
		return nil
	})
	metrics.ChallengeGenerationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		traces.RecordError(span, err)
		if errors.Is(err, ErrChallengeGeneration) {
			logging.L(ctx).Error("challenge generation exhausted",
				"difficulty", difficulty, "rounds", s.policy.MaxRounds, "budget", budget)
			return nil, fmt.Errorf("difficulty %d after %d rounds: %w", difficulty, s.policy.MaxRounds, ErrChallengeGeneration)
		}
		return nil, err
	}

	if err := s.store.Create(ctx, c); err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("store challenge: %w", err)
	}

	metrics.ChallengesIssuedTotal.WithLabelValues(strconv.Itoa(difficulty)).Inc()
	span.SetAttributes(traces.ChallengeID(c.ID))
	return c.Params(), nil
}

// search looks for a nonce whose hash starts with prefix.
func search(ctx context.Context, data, timestamp, prefix string, maxIterations int) (nonce, hash string, err error) {
	for i := 0; i < maxIterations; i++ {
		if i%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return "", "", retry.Permanent(err)
			}
		}
		n := strconv.Itoa(i)
		if h := Hash(data, timestamp, n); strings.HasPrefix(h, prefix) {
			return n, h, nil
		}
	}
	return "", "", ErrChallengeGeneration
}

// Verify checks a solution against the session's latest open challenge. Store
// failures are returned as errors; every other outcome is a Result.
func (s *Service) Verify(ctx context.Context, sessionID string, sol Solution) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "challenge.Verify", traces.SessionID(sessionID))
	defer span.End()

	c, err := s.store.Latest(ctx, sessionID)
	if errors.Is(err, ErrChallengeNotFound) {
		return s.result(false, ReasonNoChallenge), nil
	}
	if err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("load challenge: %w", err)
	}
	span.SetAttributes(traces.ChallengeID(c.ID))

	now := s.now()
	if c.Expired(now) {
		return s.result(false, ReasonExpired), nil
	}

	if reason := s.check(c, sol, now); reason != "" {
		if err := s.store.RecordAttempt(ctx, c.ID); err != nil && !errors.Is(err, ErrChallengeClosed) {
			logging.L(ctx).Warn("failed to record challenge attempt", "challenge_id", c.ID, "error", err)
		}
		return s.result(false, reason), nil
	}

	if err := s.store.Complete(ctx, c.ID, now); err != nil {
		if errors.Is(err, ErrChallengeClosed) {
			// Lost a race with a concurrent verification or the expiry.
			return s.result(false, ReasonNoChallenge), nil
		}
		traces.RecordError(span, err)
		return nil, fmt.Errorf("complete challenge: %w", err)
	}
	return s.result(true, ""), nil
}

func (s *Service) check(c *Challenge, sol Solution, now time.Time) string {
	if sol.Data == "" || sol.Timestamp == "" || sol.Nonce == "" || sol.Hash == "" {
		return ReasonMalformed
	}
	if sol.Data != c.Data {
		return ReasonDataMismatch
	}
	hash := strings.ToLower(sol.Hash)
	if Hash(sol.Data, sol.Timestamp, sol.Nonce) != hash {
		return ReasonHashMismatch
	}
	if !strings.HasPrefix(hash, c.TargetPrefix) {
		return ReasonInsufficient
	}
	ms, err := strconv.ParseInt(sol.Timestamp, 10, 64)
	if err != nil {
		return ReasonInvalidTime
	}
	skew := now.Sub(time.UnixMilli(ms))
	if skew < 0 {
		skew = -skew
	}
	if skew > s.policy.TimestampWindow {
		return ReasonTimestampWindow
	}
	return ""
}

func (s *Service) result(valid bool, reason string) *Result {
	label := "valid"
	switch {
	case valid:
	case reason == ReasonNoChallenge:
		label = "no_challenge"
	case reason == ReasonExpired:
		label = "expired"
	default:
		label = "invalid"
	}
	metrics.ChallengeVerificationsTotal.WithLabelValues(label).Inc()
	return &Result{Valid: valid, Reason: reason}
}

// Current returns the session's latest uncompleted challenge, which may have expired.
func (s *Service) Current(ctx context.Context, sessionID string) (*Challenge, error) {
	return s.store.Latest(ctx, sessionID)
}
