package registration

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/reggate/internal/challenge"
	"github.com/mbd888/reggate/internal/idgen"
	"github.com/mbd888/reggate/internal/logging"
	"github.com/mbd888/reggate/internal/metrics"
	"github.com/mbd888/reggate/internal/ratelimit"
	"github.com/mbd888/reggate/internal/risk"
	"github.com/mbd888/reggate/internal/signals"
	"github.com/mbd888/reggate/internal/traces"
)

// Deps are the collaborators an Orchestrator is built from.
type Deps struct {
	Collector  *signals.Collector
	Engine     *risk.Engine
	Challenges *challenge.Service
	Decisions  risk.Store
	Limiter    *ratelimit.Limiter
	Pending    PendingStore
	Accounts   AccountCreator
}

// Orchestrator runs registration and login attempts through the gate.
type Orchestrator struct {
	collector     *signals.Collector
	engine        *risk.Engine
	challenges    *challenge.Service
	decisions     risk.Store
	limiter       *ratelimit.Limiter
	pending       PendingStore
	accounts      AccountCreator
	appealURL     string
	pendingTTL    time.Duration
	exposeSignals bool
	now           func() time.Time
}

// NewOrchestrator creates an orchestrator. Pending registrations live as long
// as a challenge.
func NewOrchestrator(d Deps) *Orchestrator {
	return &Orchestrator{
		collector:  d.Collector,
		engine:     d.Engine,
		challenges: d.Challenges,
		decisions:  d.Decisions,
		limiter:    d.Limiter,
		pending:    d.Pending,
		accounts:   d.Accounts,
		pendingTTL: d.Engine.Policy().Challenge.TTL,
		now:        time.Now,
	}
}

// WithAppealURL sets the appeal reference returned with blocked attempts.
func (o *Orchestrator) WithAppealURL(url string) *Orchestrator {
	o.appealURL = url
	return o
}

// WithSignals includes the score breakdown in results. Development only.
func (o *Orchestrator) WithSignals(expose bool) *Orchestrator {
	o.exposeSignals = expose
	return o
}

// WithClock overrides the time source (tests).
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

type attempt struct {
	flow   string
	action ratelimit.Action
	cand   signals.Candidate
	info   signals.ClientInfo
}

// ProcessRegistration evaluates a registration attempt and acts on the
// decision. Only a *signals.ValidationError is returned as an error; every
// other failure is reported as a result with action "error".
func (o *Orchestrator) ProcessRegistration(ctx context.Context, sessionID string, cand signals.Candidate, info signals.ClientInfo) (*RegistrationResult, error) {
	ctx = logging.WithSessionID(ctx, sessionID)
	ctx, span := traces.StartSpan(ctx, "registration.ProcessRegistration", traces.SessionID(sessionID))
	defer span.End()

	if err := signals.Validate(sessionID, cand, info); err != nil {
		return nil, err
	}

	// A retried request for a session that already produced an account
	// must not create a second one.
	prior, err := o.decisions.Get(ctx, sessionID)
	switch {
	case err == nil && prior.UserID != nil:
		return o.completed(prior), nil
	case err != nil && !errors.Is(err, risk.ErrDecisionNotFound):
		return o.fail(ctx, "load_decision", err), nil
	}

	rec, err := o.collector.Collect(ctx, sessionID, cand, info)
	if err != nil {
		var verr *signals.ValidationError
		if errors.As(err, &verr) {
			return nil, err
		}
		return o.fail(ctx, "persist_signals", err), nil
	}

	res := o.evaluate(ctx, rec, attempt{flow: FlowRegistration, action: ratelimit.ActionRegistration, cand: cand, info: info})
	span.SetAttributes(traces.Action(res.Action))
	return res, nil
}

// EvaluateLogin scores a login attempt with login counters. It never creates
// an account or a signal record.
func (o *Orchestrator) EvaluateLogin(ctx context.Context, sessionID string, cand signals.Candidate, info signals.ClientInfo) (*RegistrationResult, error) {
	ctx = logging.WithSessionID(ctx, sessionID)
	ctx, span := traces.StartSpan(ctx, "registration.EvaluateLogin", traces.SessionID(sessionID))
	defer span.End()

	rec, err := o.collector.Derive(ctx, sessionID, cand, info)
	if err != nil {
		return nil, err
	}

	res := o.evaluate(ctx, rec, attempt{flow: FlowLogin, action: ratelimit.ActionLogin, cand: cand, info: info})
	span.SetAttributes(traces.Action(res.Action))
	return res, nil
}

func (o *Orchestrator) evaluate(ctx context.Context, rec *signals.Record, at attempt) *RegistrationResult {
	a := o.engine.AnalyzeFor(ctx, rec, at.action)
	// Counters are incremented on every evaluated attempt, whatever the outcome.
	defer o.recordAttempt(ctx, at.action, rec)

	d := &risk.Decision{
		ID:         idgen.WithPrefix("risk_"),
		SessionID:  rec.SessionID,
		Flow:       at.flow,
		RiskScore:  a.RiskScore,
		Breakdown:  a.Breakdown,
		Action:     a.Action,
		Confidence: a.Confidence,
		CreatedAt:  o.now().UTC(),
	}
	res := o.dispatch(ctx, d, at)
	if res.Action != ResultError {
		o.decorate(res, d)
	}
	return res
}

func (o *Orchestrator) dispatch(ctx context.Context, d *risk.Decision, at attempt) *RegistrationResult {
	switch d.Action {
	case risk.ActionBlock:
		d.ActionTaken = risk.TakenBlocked
		o.stampResolved(d)
		if err := o.persist(ctx, d); err != nil {
			return o.fail(ctx, "persist_decision", err)
		}
		return &RegistrationResult{
			Action:          ResultBlocked,
			Message:         msgBlocked,
			AppealAvailable: true,
			AppealURL:       o.appealURL,
		}

	case risk.ActionChallengeStrong:
		params, err := o.challenges.Generate(ctx, d.SessionID, d.RiskScore)
		if err != nil {
			o.markError(ctx, d)
			return o.fail(ctx, "generate_challenge", err)
		}
		if err := o.hold(ctx, d, at); err != nil {
			o.markError(ctx, d)
			return o.fail(ctx, "persist_pending", err)
		}
		d.ActionTaken = risk.TakenChallenged
		d.ChallengeType = risk.ChallengeProofOfWork
		if err := o.persist(ctx, d); err != nil {
			return o.fail(ctx, "persist_decision", err)
		}
		return &RegistrationResult{
			Action:        ResultChallengeRequired,
			Message:       msgChallenge,
			ChallengeType: risk.ChallengeProofOfWork,
			Challenge:     params,
		}

	case risk.ActionChallengeMedium:
		if err := o.hold(ctx, d, at); err != nil {
			o.markError(ctx, d)
			return o.fail(ctx, "persist_pending", err)
		}
		d.ActionTaken = risk.TakenChallenged
		d.ChallengeType = risk.ChallengeCaptchaEmail
		if err := o.persist(ctx, d); err != nil {
			return o.fail(ctx, "persist_decision", err)
		}
		return &RegistrationResult{
			Action:        ResultVerificationRequired,
			Message:       msgVerification,
			ChallengeType: risk.ChallengeCaptchaEmail,
		}
	}

	// allow and monitor
	taken, result := risk.TakenAllowed, ResultAllowed
	if d.Action == risk.ActionMonitor {
		taken, result = risk.TakenMonitored, ResultMonitored
	}

	if at.flow == FlowLogin {
		d.ActionTaken = taken
		o.stampResolved(d)
		if err := o.persist(ctx, d); err != nil {
			return o.fail(ctx, "persist_decision", err)
		}
		return &RegistrationResult{Success: true, Action: result, Message: msgLoginAllowed}
	}

	uid, err := o.accounts.CreateAccount(ctx, at.cand, AccountOptions{SessionID: d.SessionID, Monitored: d.Action == risk.ActionMonitor})
	if err != nil {
		o.markError(ctx, d)
		return o.fail(ctx, "create_account", err)
	}
	d.ActionTaken = taken
	d.UserID = &uid
	o.stampResolved(d)
	if err := o.persist(ctx, d); err != nil {
		logging.L(ctx).Error("account created but decision not recorded", "user_id", uid)
		return o.fail(ctx, "persist_decision", err)
	}
	return &RegistrationResult{Success: true, Action: result, Message: msgAllowed, UserID: &uid}
}

// VerifyChallenge checks a proof-of-work solution and, on success, finalizes
// the held attempt.
func (o *Orchestrator) VerifyChallenge(ctx context.Context, sessionID string, sol challenge.Solution) *RegistrationResult {
	ctx = logging.WithSessionID(ctx, sessionID)
	ctx, span := traces.StartSpan(ctx, "registration.VerifyChallenge", traces.SessionID(sessionID))
	defer span.End()

	d, err := o.decisions.Get(ctx, sessionID)
	if errors.Is(err, risk.ErrDecisionNotFound) {
		return challengeFailed(sessionID, challenge.ReasonNoChallenge)
	}
	if err != nil {
		return o.fail(ctx, "load_decision", err)
	}
	if d.ActionTaken != risk.TakenChallenged || d.ChallengeType != risk.ChallengeProofOfWork {
		return challengeFailed(sessionID, challenge.ReasonNoChallenge)
	}

	res, err := o.challenges.Verify(ctx, sessionID, sol)
	if err != nil {
		return o.fail(ctx, "verify_challenge", err)
	}
	if !res.Valid {
		return challengeFailed(sessionID, res.Reason)
	}

	out := o.finalize(ctx, d)
	span.SetAttributes(traces.Action(out.Action))
	return out
}

// ConfirmVerification finalizes a session that was sent to CAPTCHA and email
// verification, once that external check has passed.
func (o *Orchestrator) ConfirmVerification(ctx context.Context, sessionID string) *RegistrationResult {
	ctx = logging.WithSessionID(ctx, sessionID)
	ctx, span := traces.StartSpan(ctx, "registration.ConfirmVerification", traces.SessionID(sessionID))
	defer span.End()

	d, err := o.decisions.Get(ctx, sessionID)
	if errors.Is(err, risk.ErrDecisionNotFound) {
		return challengeFailed(sessionID, msgNoPending)
	}
	if err != nil {
		return o.fail(ctx, "load_decision", err)
	}
	if d.ActionTaken != risk.TakenChallenged || d.ChallengeType != risk.ChallengeCaptchaEmail {
		return challengeFailed(sessionID, msgNoPending)
	}
	return o.finalize(ctx, d)
}

// finalize resolves a challenged decision. The conditional transition to
// monitored is the claim, so at most one caller creates the account.
func (o *Orchestrator) finalize(ctx context.Context, d *risk.Decision) *RegistrationResult {
	now := o.now().UTC()
	err := o.decisions.Resolve(ctx, d.SessionID, risk.TakenChallenged, risk.TakenMonitored, nil, now)
	if errors.Is(err, risk.ErrStateConflict) {
		return challengeFailed(d.SessionID, msgNoPending)
	}
	if err != nil {
		return o.fail(ctx, "resolve_decision", err)
	}
	metrics.ActionsTakenTotal.WithLabelValues(string(risk.TakenMonitored), d.Flow).Inc()

	score := d.RiskScore
	if d.Flow == FlowLogin {
		return &RegistrationResult{Success: true, Action: ResultMonitored, Message: msgLoginAllowed, SessionID: d.SessionID, RiskScore: &score}
	}

	p, err := o.pending.Get(ctx, d.SessionID)
	if err != nil {
		o.resolveError(ctx, d.SessionID)
		return o.fail(ctx, "load_pending", err)
	}
	uid, err := o.accounts.CreateAccount(ctx, p.Candidate, AccountOptions{SessionID: d.SessionID, Monitored: true})
	if err != nil {
		o.resolveError(ctx, d.SessionID)
		return o.fail(ctx, "create_account", err)
	}
	if err := o.decisions.Resolve(ctx, d.SessionID, risk.TakenMonitored, risk.TakenMonitored, &uid, now); err != nil {
		logging.L(ctx).Error("account created but decision not recorded", "user_id", uid)
		return o.fail(ctx, "resolve_decision", err)
	}
	if err := o.pending.Delete(ctx, d.SessionID); err != nil {
		logging.L(ctx).Warn("failed to delete pending registration", "error", err)
	}
	return &RegistrationResult{
		Success:   true,
		Action:    ResultMonitored,
		Message:   msgAllowed,
		SessionID: d.SessionID,
		UserID:    &uid,
		RiskScore: &score,
	}
}

// GetStatus returns the recorded state of a session without re-evaluating it.
func (o *Orchestrator) GetStatus(ctx context.Context, sessionID string) (*StatusResult, error) {
	d, err := o.decisions.Get(ctx, sessionID)
	if errors.Is(err, risk.ErrDecisionNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	st := &StatusResult{
		SessionID:     d.SessionID,
		Flow:          d.Flow,
		Action:        d.Action,
		ActionTaken:   d.ActionTaken,
		ChallengeType: d.ChallengeType,
		RiskScore:     d.RiskScore,
		UserID:        d.UserID,
		Resolved:      d.Resolved(),
		CreatedAt:     d.CreatedAt,
		ResolvedAt:    d.ResolvedAt,
	}
	if d.ChallengeType == risk.ChallengeProofOfWork && !d.Resolved() {
		c, err := o.challenges.Current(ctx, sessionID)
		switch {
		case err == nil:
			st.Challenge = &ChallengeStatus{
				ID:         c.ID,
				Difficulty: c.Difficulty,
				ExpiresAt:  c.ExpiresAt,
				Expired:    c.Expired(o.now()),
				Attempts:   c.Attempts,
			}
		case !errors.Is(err, challenge.ErrChallengeNotFound):
			return nil, err
		}
	}
	return st, nil
}

func (o *Orchestrator) hold(ctx context.Context, d *risk.Decision, at attempt) error {
	if at.flow == FlowLogin {
		return nil
	}
	now := o.now().UTC()
	cand := at.cand
	cand.Password = ""
	return o.pending.Put(ctx, &PendingRegistration{
		SessionID:  d.SessionID,
		Candidate:  cand,
		ClientInfo: at.info,
		RiskScore:  d.RiskScore,
		CreatedAt:  now,
		ExpiresAt:  now.Add(o.pendingTTL),
	})
}

func (o *Orchestrator) persist(ctx context.Context, d *risk.Decision) error {
	if err := o.decisions.Upsert(ctx, d); err != nil {
		return err
	}
	metrics.ActionsTakenTotal.WithLabelValues(string(d.ActionTaken), d.Flow).Inc()
	return nil
}

// markError records a failed attempt. Best effort: the caller already reports
// the original failure.
func (o *Orchestrator) markError(ctx context.Context, d *risk.Decision) {
	d.ActionTaken = risk.TakenError
	d.UserID = nil
	o.stampResolved(d)
	if err := o.persist(ctx, d); err != nil {
		logging.L(ctx).Warn("failed to record error decision", "error", err)
	}
}

func (o *Orchestrator) resolveError(ctx context.Context, sessionID string) {
	if err := o.decisions.Resolve(ctx, sessionID, risk.TakenMonitored, risk.TakenError, nil, o.now().UTC()); err != nil {
		logging.L(ctx).Warn("failed to record error decision", "error", err)
	}
}

func (o *Orchestrator) recordAttempt(ctx context.Context, action ratelimit.Action, rec *signals.Record) {
	err := o.limiter.Record(ctx, action, map[ratelimit.IdentifierType]string{
		ratelimit.TypeIP:          rec.IPAddress,
		ratelimit.TypeFingerprint: rec.FingerprintHash,
		ratelimit.TypeEmail:       rec.NormalizedEmail,
	})
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("rate_counter").Inc()
		logging.L(ctx).Error("failed to update attempt counters", "error", err)
	}
}

func (o *Orchestrator) stampResolved(d *risk.Decision) {
	at := o.now().UTC()
	d.ResolvedAt = &at
}

func (o *Orchestrator) decorate(res *RegistrationResult, d *risk.Decision) {
	res.SessionID = d.SessionID
	score := d.RiskScore
	res.RiskScore = &score
	if o.exposeSignals {
		res.Signals = d.Breakdown
	}
}

func (o *Orchestrator) completed(d *risk.Decision) *RegistrationResult {
	action := ResultAllowed
	if d.ActionTaken == risk.TakenMonitored {
		action = ResultMonitored
	}
	score := d.RiskScore
	return &RegistrationResult{
		Success:   true,
		Action:    action,
		Message:   msgAllowed,
		SessionID: d.SessionID,
		UserID:    d.UserID,
		RiskScore: &score,
	}
}

// fail logs err and returns the generic error result. Callers never see err.
func (o *Orchestrator) fail(ctx context.Context, op string, err error) *RegistrationResult {
	traces.RecordError(trace.SpanFromContext(ctx), err)
	metrics.StoreErrorsTotal.WithLabelValues(op).Inc()
	logging.L(ctx).Error("registration gate failure", "op", op, "error", err)
	return &RegistrationResult{
		Action:    ResultError,
		Message:   msgError,
		SessionID: logging.SessionID(ctx),
	}
}

func challengeFailed(sessionID, reason string) *RegistrationResult {
	return &RegistrationResult{Action: ResultChallengeFailed, Message: reason, SessionID: sessionID}
}
