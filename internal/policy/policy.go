// Package policy holds the tunable parameters of the registration gate:
// check weights, decision thresholds, rate-limit and similarity cutoffs, and
// proof-of-work limits. Values are layered defaults → YAML file → RISK_*
// environment variables.
package policy

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides, e.g. RISK_WEIGHTS_TOR_EXIT=90.
const EnvPrefix = "RISK_"

var ErrInvalidPolicy = errors.New("policy: invalid")

// Policy is the complete set of gate parameters.
type Policy struct {
	Weights    Weights    `koanf:"weights" json:"weights"`
	Thresholds Thresholds `koanf:"thresholds" json:"thresholds"`
	Confidence Confidence `koanf:"confidence" json:"confidence"`
	Limits     Limits     `koanf:"limits" json:"limits"`
	Challenge  Challenge  `koanf:"challenge" json:"challenge"`
}

// Weights is the score each check contributes when triggered.
type Weights struct {
	BannedFingerprint    int `koanf:"banned_fingerprint" json:"banned_fingerprint"`
	BannedEmail          int `koanf:"banned_email" json:"banned_email"`
	DisposableEmail      int `koanf:"disposable_email" json:"disposable_email"`
	TorExit              int `koanf:"tor_exit" json:"tor_exit"`
	BannedIP             int `koanf:"banned_ip" json:"banned_ip"`
	VPNIP                int `koanf:"vpn_ip" json:"vpn_ip"`
	NoMXRecord           int `koanf:"no_mx_record" json:"no_mx_record"`
	HostingIP            int `koanf:"hosting_ip" json:"hosting_ip"`
	BannedSubnet         int `koanf:"banned_subnet" json:"banned_subnet"`
	FormTooFast          int `koanf:"form_too_fast" json:"form_too_fast"`
	FingerprintRateLimit int `koanf:"fingerprint_rate_limit" json:"fingerprint_rate_limit"`
	SimilarBannedName    int `koanf:"similar_banned_name" json:"similar_banned_name"`
	IPRateLimit          int `koanf:"ip_rate_limit" json:"ip_rate_limit"`
	RapidIPRegistrations int `koanf:"rapid_ip_registrations" json:"rapid_ip_registrations"`
	EmailRateLimit       int `koanf:"email_rate_limit" json:"email_rate_limit"`
	ProxyIP              int `koanf:"proxy_ip" json:"proxy_ip"`
}

// Thresholds are the minimum scores for each action, evaluated from Block
// down. Scores below Monitor are allowed.
type Thresholds struct {
	Block           int `koanf:"block" json:"block"`
	ChallengeStrong int `koanf:"challenge_strong" json:"challenge_strong"`
	ChallengeMedium int `koanf:"challenge_medium" json:"challenge_medium"`
	Monitor         int `koanf:"monitor" json:"monitor"`
}

// Confidence is the decision confidence reported for each action.
type Confidence struct {
	Block           float64 `koanf:"block" json:"block"`
	ChallengeStrong float64 `koanf:"challenge_strong" json:"challenge_strong"`
	ChallengeMedium float64 `koanf:"challenge_medium" json:"challenge_medium"`
	Monitor         float64 `koanf:"monitor" json:"monitor"`
	Allow           float64 `koanf:"allow" json:"allow"`
}

// Limits are the trigger conditions of the counting checks.
type Limits struct {
	FormMinSeconds      float64       `koanf:"form_min_seconds" json:"form_min_seconds"`
	FingerprintAttempts int           `koanf:"fingerprint_attempts" json:"fingerprint_attempts"`
	IPAttempts          int           `koanf:"ip_attempts" json:"ip_attempts"`
	EmailAttempts       int           `koanf:"email_attempts" json:"email_attempts"`
	RapidIPRecords      int           `koanf:"rapid_ip_records" json:"rapid_ip_records"` // triggers when exceeded
	RapidIPWindow       time.Duration `koanf:"rapid_ip_window" json:"rapid_ip_window"`
	CounterWindow       time.Duration `koanf:"counter_window" json:"counter_window"`
	NameSimilarity      float64       `koanf:"name_similarity" json:"name_similarity"`
}

// Challenge bounds proof-of-work generation and verification.
type Challenge struct {
	MaxIterations    int              `koanf:"max_iterations" json:"max_iterations"`       // hard cap on one search round
	ExpectedMultiple int              `koanf:"expected_multiple" json:"expected_multiple"` // round budget in multiples of 16^difficulty
	MaxRounds        int              `koanf:"max_rounds" json:"max_rounds"`
	TTL              time.Duration    `koanf:"ttl" json:"ttl"`
	TimestampWindow  time.Duration    `koanf:"timestamp_window" json:"timestamp_window"`
	DifficultySteps  []DifficultyStep `koanf:"difficulty_steps" json:"difficulty_steps"`
	MaxDifficulty    int              `koanf:"max_difficulty" json:"max_difficulty"` // for scores at or above the last step
	SweepGrace       time.Duration    `koanf:"sweep_grace" json:"sweep_grace"`
}

// DifficultyStep assigns Difficulty to risk scores below Below.
type DifficultyStep struct {
	Below      int `koanf:"below" json:"below"`
	Difficulty int `koanf:"difficulty" json:"difficulty"`
}

// Default returns the stock policy.
func Default() *Policy {
	return &Policy{
		Weights: Weights{
			BannedFingerprint:    140,
			BannedEmail:          130,
			DisposableEmail:      120,
			TorExit:              100,
			BannedIP:             80,
			VPNIP:                80,
			NoMXRecord:           70,
			HostingIP:            60,
			BannedSubnet:         50,
			FormTooFast:          40,
			FingerprintRateLimit: 40,
			SimilarBannedName:    30,
			IPRateLimit:          30,
			RapidIPRegistrations: 20,
			EmailRateLimit:       25,
			ProxyIP:              0,
		},
		Thresholds: Thresholds{
			Block:           150,
			ChallengeStrong: 100,
			ChallengeMedium: 60,
			Monitor:         30,
		},
		Confidence: Confidence{
			Block:           0.95,
			ChallengeStrong: 0.85,
			ChallengeMedium: 0.75,
			Monitor:         0.65,
			Allow:           0.50,
		},
		Limits: Limits{
			FormMinSeconds:      5,
			FingerprintAttempts: 3,
			IPAttempts:          5,
			EmailAttempts:       3,
			RapidIPRecords:      3,
			RapidIPWindow:       time.Hour,
			CounterWindow:       time.Hour,
			NameSimilarity:      0.85,
		},
		Challenge: Challenge{
			MaxIterations:    1 << 24,
			ExpectedMultiple: 12,
			MaxRounds:        3,
			TTL:              10 * time.Minute,
			TimestampWindow:  10 * time.Minute,
			DifficultySteps: []DifficultyStep{
				{Below: 30, Difficulty: 2},
				{Below: 60, Difficulty: 3},
				{Below: 100, Difficulty: 4},
				{Below: 150, Difficulty: 5},
			},
			MaxDifficulty: 6,
			SweepGrace:    time.Hour,
		},
	}
}

// Load builds a policy from defaults, the optional YAML file at path, and
// RISK_* environment variables, in increasing precedence.
func Load(path string) (*Policy, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("policy: load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("policy: %w", err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("policy: load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("policy: load environment: %w", err)
	}

	p := &Policy{}
	if err := k.Unmarshal("", p); err != nil {
		return nil, fmt.Errorf("policy: unmarshal: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// envKey maps RISK_WEIGHTS_TOR_EXIT to weights.tor_exit: the first word
// after the prefix names the section.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, rest, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	return section + "." + rest
}

// Validate checks the policy for internal consistency.
func (p *Policy) Validate() error {
	w := p.Weights
	for name, v := range map[string]int{
		"banned_fingerprint": w.BannedFingerprint, "banned_email": w.BannedEmail,
		"disposable_email": w.DisposableEmail, "tor_exit": w.TorExit,
		"banned_ip": w.BannedIP, "vpn_ip": w.VPNIP, "no_mx_record": w.NoMXRecord,
		"hosting_ip": w.HostingIP, "banned_subnet": w.BannedSubnet,
		"form_too_fast": w.FormTooFast, "fingerprint_rate_limit": w.FingerprintRateLimit,
		"similar_banned_name": w.SimilarBannedName, "ip_rate_limit": w.IPRateLimit,
		"rapid_ip_registrations": w.RapidIPRegistrations, "email_rate_limit": w.EmailRateLimit,
		"proxy_ip": w.ProxyIP,
	} {
		if v < 0 {
			return fmt.Errorf("%w: weight %s must not be negative", ErrInvalidPolicy, name)
		}
	}

	t := p.Thresholds
	if !(t.Block > t.ChallengeStrong && t.ChallengeStrong > t.ChallengeMedium &&
		t.ChallengeMedium > t.Monitor && t.Monitor >= 0) {
		return fmt.Errorf("%w: thresholds must satisfy block > challenge_strong > challenge_medium > monitor >= 0", ErrInvalidPolicy)
	}

	l := p.Limits
	if l.NameSimilarity <= 0 || l.NameSimilarity > 1 {
		return fmt.Errorf("%w: name_similarity must be in (0, 1]", ErrInvalidPolicy)
	}
	if l.CounterWindow <= 0 || l.RapidIPWindow <= 0 {
		return fmt.Errorf("%w: counter_window and rapid_ip_window must be positive", ErrInvalidPolicy)
	}

	c := p.Challenge
	if c.MaxIterations <= 0 || c.MaxRounds <= 0 {
		return fmt.Errorf("%w: max_iterations and max_rounds must be positive", ErrInvalidPolicy)
	}
	if c.ExpectedMultiple < 0 {
		return fmt.Errorf("%w: expected_multiple must not be negative", ErrInvalidPolicy)
	}
	if c.TTL <= 0 || c.TimestampWindow <= 0 {
		return fmt.Errorf("%w: challenge ttl and timestamp_window must be positive", ErrInvalidPolicy)
	}
	prevBelow, prevDiff := -1, 0
	for _, s := range c.DifficultySteps {
		if s.Below <= prevBelow || s.Difficulty < prevDiff || s.Difficulty < 1 || s.Difficulty > 10 {
			return fmt.Errorf("%w: difficulty_steps must ascend with difficulties in 1..10", ErrInvalidPolicy)
		}
		prevBelow, prevDiff = s.Below, s.Difficulty
	}
	if c.MaxDifficulty < prevDiff || c.MaxDifficulty < 1 || c.MaxDifficulty > 10 {
		return fmt.Errorf("%w: max_difficulty must be in 1..10 and at least the last step", ErrInvalidPolicy)
	}
	return nil
}

// Difficulty maps a risk score to a proof-of-work difficulty.
func (c Challenge) Difficulty(riskScore int) int {
	for _, s := range c.DifficultySteps {
		if riskScore < s.Below {
			return s.Difficulty
		}
	}
	return c.MaxDifficulty
}

// SearchBudget is the iteration limit of one generation round at difficulty.
// A search at difficulty d needs 16^d hashes on average, so the budget is
// ExpectedMultiple times that, capped at MaxIterations. A zero multiple
// leaves every round at MaxIterations.
func (c Challenge) SearchBudget(difficulty int) int {
	if c.ExpectedMultiple <= 0 || difficulty < 0 || difficulty > 10 {
		return c.MaxIterations
	}
	budget := c.ExpectedMultiple * (1 << (4 * difficulty))
	if budget <= 0 || budget > c.MaxIterations {
		return c.MaxIterations
	}
	return budget
}
