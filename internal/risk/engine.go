package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/reggate/internal/bans"
	"github.com/mbd888/reggate/internal/logging"
	"github.com/mbd888/reggate/internal/metrics"
	"github.com/mbd888/reggate/internal/policy"
	"github.com/mbd888/reggate/internal/ratelimit"
	"github.com/mbd888/reggate/internal/reputation"
	"github.com/mbd888/reggate/internal/signals"
	"github.com/mbd888/reggate/internal/traces"
)

// Check names, used as breakdown keys.
const (
	CheckBannedFingerprint    = "banned_fingerprint"
	CheckBannedEmail          = "banned_email"
	CheckDisposableEmail      = "disposable_email"
	CheckTorExit              = "tor_exit"
	CheckBannedIP             = "banned_ip"
	CheckVPNIP                = "vpn_ip"
	CheckNoMXRecord           = "no_mx_record"
	CheckHostingIP            = "hosting_ip"
	CheckProxyIP              = "proxy_ip"
	CheckBannedSubnet         = "banned_subnet"
	CheckFormTooFast          = "form_too_fast"
	CheckFingerprintRateLimit = "fingerprint_rate_limit"
	CheckSimilarBannedName    = "similar_banned_name"
	CheckIPRateLimit          = "ip_rate_limit"
	CheckRapidIPRegistrations = "rapid_ip_registrations"
	CheckEmailRateLimit       = "email_rate_limit"

	// checkIPReputation keys the breakdown entry when the reputation lookup failed.
	checkIPReputation = "ip_reputation"
)

// BanLookup is the registry view the engine needs. Satisfied by *bans.Registry.
type BanLookup interface {
	Lookup(ctx context.Context, t bans.SignalType, value string) (*bans.BannedSignal, error)
	MostSimilarName(ctx context.Context, name string) (bans.NameMatch, bool, error)
}

// AttemptCounter reads attempt counters. Satisfied by *ratelimit.Limiter.
type AttemptCounter interface {
	Attempts(ctx context.Context, action ratelimit.Action, t ratelimit.IdentifierType, identifier string) (int, error)
}

// RecordCounter counts recent signal records by IP. Satisfied by signals.Store.
type RecordCounter interface {
	CountByIPSince(ctx context.Context, ip string, since time.Time) (int, error)
}

// CheckResult is the typed outcome of one sub-check.
type CheckResult struct {
	Name      string
	Triggered bool
	Reason    string
	Detail    map[string]any
	Err       error
}

type checkFunc func(ctx context.Context, rec *signals.Record, action ratelimit.Action) CheckResult

// Engine computes assessments from signal records.
type Engine struct {
	policy   *policy.Policy
	bans     BanLookup
	attempts AttemptCounter
	records  RecordCounter
	now      func() time.Time
	checks   []checkFunc
}

// NewEngine creates an engine. Any of banLookup, attempts and records may be nil,
// which disables the checks that depend on it.
func NewEngine(p *policy.Policy, banLookup BanLookup, attempts AttemptCounter, records RecordCounter) *Engine {
	if p == nil {
		p = policy.Default()
	}
	e := &Engine{
		policy:   p,
		bans:     banLookup,
		attempts: attempts,
		records:  records,
		now:      time.Now,
	}
	e.checks = []checkFunc{
		e.banCheck(CheckBannedFingerprint, bans.TypeFingerprint, func(r *signals.Record) string { return r.FingerprintHash }),
		e.banCheck(CheckBannedEmail, bans.TypeEmail, func(r *signals.Record) string { return r.NormalizedEmail }),
		e.banCheck(CheckBannedIP, bans.TypeIP, func(r *signals.Record) string { return r.IPAddress }),
		e.banCheck(CheckBannedSubnet, bans.TypeSubnet, func(r *signals.Record) string { return r.IPSubnet }),
		e.checkSimilarName,
		e.checkDisposable,
		e.checkIPReputation,
		e.checkMX,
		e.checkFormSpeed,
		e.counterCheck(CheckFingerprintRateLimit, ratelimit.TypeFingerprint, func(r *signals.Record) string { return r.FingerprintHash }, func(l policy.Limits) int { return l.FingerprintAttempts }),
		e.counterCheck(CheckIPRateLimit, ratelimit.TypeIP, func(r *signals.Record) string { return r.IPAddress }, func(l policy.Limits) int { return l.IPAttempts }),
		e.counterCheck(CheckEmailRateLimit, ratelimit.TypeEmail, func(r *signals.Record) string { return r.NormalizedEmail }, func(l policy.Limits) int { return l.EmailAttempts }),
		e.checkRapidIP,
	}
	return e
}

// WithClock overrides the time source (tests).
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Policy returns the engine's policy.
func (e *Engine) Policy() *policy.Policy {
	return e.policy
}

// Analyze scores a registration attempt.
func (e *Engine) Analyze(ctx context.Context, rec *signals.Record) *Assessment {
	return e.AnalyzeFor(ctx, rec, ratelimit.ActionRegistration)
}

// AnalyzeFor scores an attempt, reading attempt counters for action. Checks
// run concurrently; the result does not depend on their completion order.
func (e *Engine) AnalyzeFor(ctx context.Context, rec *signals.Record, action ratelimit.Action) *Assessment {
	ctx, span := traces.StartSpan(ctx, "risk.Analyze", traces.SessionID(rec.SessionID))
	defer span.End()

	results := make([]CheckResult, len(e.checks))
	var wg sync.WaitGroup
	for i, check := range e.checks {
		wg.Add(1)
		go func(i int, check checkFunc) {
			defer wg.Done()
			results[i] = check(ctx, rec, action)
		}(i, check)
	}
	wg.Wait()

	log := logging.L(ctx)

	a := &Assessment{
		SessionID:   rec.SessionID,
		Breakdown:   make(map[string]SignalScore),
		EvaluatedAt: e.now().UTC(),
	}
	for _, r := range results {
		if r.Err != nil {
			log.Warn("risk check unavailable", "check", r.Name, "error", r.Err)
			metrics.CheckUnavailableTotal.WithLabelValues(r.Name).Inc()
			a.Breakdown[r.Name] = SignalScore{Reason: "lookup unavailable", Status: StatusUnavailable}
			continue
		}
		if !r.Triggered {
			continue
		}
		weight := e.weight(r.Name)
		if weight <= 0 {
			continue // check disabled by policy
		}
		a.RiskScore += weight
		a.Breakdown[r.Name] = SignalScore{Score: weight, Reason: r.Reason, Status: StatusTriggered, Detail: r.Detail}
	}

	a.Action, a.Confidence = e.Decide(a.RiskScore)

	metrics.RiskScore.Observe(float64(a.RiskScore))
	metrics.RiskDecisionsTotal.WithLabelValues(string(a.Action)).Inc()
	span.SetAttributes(traces.RiskScore(a.RiskScore), traces.Action(string(a.Action)))
	return a
}

// Decide maps a score to an action and confidence, checking thresholds from
// most to least restrictive.
func (e *Engine) Decide(score int) (Action, float64) {
	t, c := e.policy.Thresholds, e.policy.Confidence
	switch {
	case score >= t.Block:
		return ActionBlock, c.Block
	case score >= t.ChallengeStrong:
		return ActionChallengeStrong, c.ChallengeStrong
	case score >= t.ChallengeMedium:
		return ActionChallengeMedium, c.ChallengeMedium
	case score >= t.Monitor:
		return ActionMonitor, c.Monitor
	default:
		return ActionAllow, c.Allow
	}
}

func (e *Engine) weight(check string) int {
	w := e.policy.Weights
	switch check {
	case CheckBannedFingerprint:
		return w.BannedFingerprint
	case CheckBannedEmail:
		return w.BannedEmail
	case CheckDisposableEmail:
		return w.DisposableEmail
	case CheckTorExit:
		return w.TorExit
	case CheckBannedIP:
		return w.BannedIP
	case CheckVPNIP:
		return w.VPNIP
	case CheckNoMXRecord:
		return w.NoMXRecord
	case CheckHostingIP:
		return w.HostingIP
	case CheckProxyIP:
		return w.ProxyIP
	case CheckBannedSubnet:
		return w.BannedSubnet
	case CheckFormTooFast:
		return w.FormTooFast
	case CheckFingerprintRateLimit:
		return w.FingerprintRateLimit
	case CheckSimilarBannedName:
		return w.SimilarBannedName
	case CheckIPRateLimit:
		return w.IPRateLimit
	case CheckRapidIPRegistrations:
		return w.RapidIPRegistrations
	case CheckEmailRateLimit:
		return w.EmailRateLimit
	}
	return 0
}

func (e *Engine) banCheck(name string, t bans.SignalType, value func(*signals.Record) string) checkFunc {
	return func(ctx context.Context, rec *signals.Record, _ ratelimit.Action) CheckResult {
		res := CheckResult{Name: name}
		v := value(rec)
		if e.bans == nil || v == "" {
			return res
		}
		ban, err := e.bans.Lookup(ctx, t, v)
		if err != nil {
			res.Err = &CheckError{Check: name, Err: err}
			return res
		}
		if ban != nil {
			res.Triggered = true
			res.Reason = fmt.Sprintf("%s is banned", t)
			res.Detail = map[string]any{"severity": string(ban.Severity)}
		}
		return res
	}
}

func (e *Engine) checkSimilarName(ctx context.Context, rec *signals.Record, _ ratelimit.Action) CheckResult {
	res := CheckResult{Name: CheckSimilarBannedName}
	if e.bans == nil || rec.NormalizedName == "" {
		return res
	}
	match, ok, err := e.bans.MostSimilarName(ctx, rec.NormalizedName)
	if err != nil {
		res.Err = &CheckError{Check: res.Name, Err: err}
		return res
	}
	if ok && match.Ratio >= e.policy.Limits.NameSimilarity {
		res.Triggered = true
		res.Reason = "name resembles a banned name"
		res.Detail = map[string]any{"similarity": match.Ratio}
	}
	return res
}

func (e *Engine) checkDisposable(_ context.Context, rec *signals.Record, _ ratelimit.Action) CheckResult {
	res := CheckResult{Name: CheckDisposableEmail}
	if rec.LookupFailed(signals.LookupDisposable) {
		res.Err = &CheckError{Check: res.Name, Err: fmt.Errorf("disposable domain lookup failed")}
		return res
	}
	if rec.DisposableEmail {
		res.Triggered = true
		res.Reason = "disposable email domain"
		res.Detail = map[string]any{"domain": rec.EmailDomain}
	}
	return res
}

func (e *Engine) checkIPReputation(_ context.Context, rec *signals.Record, _ ratelimit.Action) CheckResult {
	if rec.LookupFailed(signals.LookupIPReputation) {
		return CheckResult{Name: checkIPReputation, Err: &CheckError{Check: checkIPReputation, Err: fmt.Errorf("ip reputation lookup failed")}}
	}
	switch rec.IPReputation {
	case reputation.CategoryTor:
		return CheckResult{Name: CheckTorExit, Triggered: true, Reason: "tor exit node"}
	case reputation.CategoryVPN:
		return CheckResult{Name: CheckVPNIP, Triggered: true, Reason: "vpn address"}
	case reputation.CategoryHosting:
		return CheckResult{Name: CheckHostingIP, Triggered: true, Reason: "hosting provider address"}
	case reputation.CategoryProxy:
		return CheckResult{Name: CheckProxyIP, Triggered: true, Reason: "open proxy address"}
	}
	return CheckResult{Name: checkIPReputation}
}

func (e *Engine) checkMX(_ context.Context, rec *signals.Record, _ ratelimit.Action) CheckResult {
	res := CheckResult{Name: CheckNoMXRecord}
	if rec.LookupFailed(signals.LookupDNS) {
		res.Err = &CheckError{Check: res.Name, Err: fmt.Errorf("dns lookup failed")}
		return res
	}
	if !rec.MXRecordExists {
		res.Triggered = true
		res.Reason = "email domain has no mx record"
		res.Detail = map[string]any{"domain": rec.EmailDomain}
	}
	return res
}

func (e *Engine) checkFormSpeed(_ context.Context, rec *signals.Record, _ ratelimit.Action) CheckResult {
	res := CheckResult{Name: CheckFormTooFast}
	// A missing completion time reads as zero and counts as too fast.
	if rec.FormCompletionSeconds < e.policy.Limits.FormMinSeconds {
		res.Triggered = true
		res.Reason = "form completed too quickly"
		res.Detail = map[string]any{"seconds": rec.FormCompletionSeconds}
	}
	return res
}

func (e *Engine) counterCheck(name string, t ratelimit.IdentifierType, value func(*signals.Record) string, limit func(policy.Limits) int) checkFunc {
	return func(ctx context.Context, rec *signals.Record, action ratelimit.Action) CheckResult {
		res := CheckResult{Name: name}
		v := value(rec)
		if e.attempts == nil || v == "" {
			return res
		}
		n, err := e.attempts.Attempts(ctx, action, t, v)
		if err != nil {
			res.Err = &CheckError{Check: name, Err: err}
			return res
		}
		if n >= limit(e.policy.Limits) {
			res.Triggered = true
			res.Reason = fmt.Sprintf("too many attempts for this %s", t)
			res.Detail = map[string]any{"attempts": n}
		}
		return res
	}
}

func (e *Engine) checkRapidIP(ctx context.Context, rec *signals.Record, _ ratelimit.Action) CheckResult {
	res := CheckResult{Name: CheckRapidIPRegistrations}
	if e.records == nil || rec.IPAddress == "" {
		return res
	}
	n, err := e.records.CountByIPSince(ctx, rec.IPAddress, e.now().Add(-e.policy.Limits.RapidIPWindow))
	if err != nil {
		res.Err = &CheckError{Check: res.Name, Err: err}
		return res
	}
	if n > e.policy.Limits.RapidIPRecords {
		res.Triggered = true
		res.Reason = "many recent registrations from this ip"
		res.Detail = map[string]any{"records": n}
	}
	return res
}
