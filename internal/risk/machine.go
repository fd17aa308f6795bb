// Custodian - Continuous Behavioral Authentication Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package risk

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/tomtom215/custodian/internal/authstore"
	"github.com/tomtom215/custodian/internal/events"
	"github.com/tomtom215/custodian/internal/logging"
	"github.com/tomtom215/custodian/internal/metrics"
)

// Config holds the machine's tunables. The thresholds partition scores:
// [0, Medium) low, [Medium, High) medium, [High, 1] high.
type Config struct {
	MediumThreshold  float64
	HighThreshold    float64
	ChallengeTimeout time.Duration
	// AlertCooldown suppresses a fresh challenge for a short interval after
	// one resolves, so a borderline score cannot re-challenge immediately.
	AlertCooldown time.Duration
}

// DefaultConfig returns the canonical thresholds.
func DefaultConfig() Config {
	return Config{
		MediumThreshold:  0.5,
		HighThreshold:    0.95,
		ChallengeTimeout: 2 * time.Minute,
		AlertCooldown:    10 * time.Second,
	}
}

// userState is the per-user machine state. Guarded by Machine.mu.
type userState struct {
	State        State
	Challenge    *ChallengeSession
	LastResolved time.Time
}

// ChallengeSession is one open challenge.
type ChallengeSession struct {
	Questions       []authstore.Question `json:"questions"`
	RequiredCorrect int                  `json:"required_correct"`
	CreatedAt       time.Time            `json:"created_at"`
}

// Machine is the risk decision and challenge state machine. Decide runs on
// the partitioned pipeline workers while Respond runs on gateway
// goroutines, so the user-state map is mutex-guarded.
type Machine struct {
	cfg  Config
	auth AuthStore
	now  func() time.Time

	mu    sync.Mutex
	users map[string]*userState
}

// NewMachine creates a machine over the given credential store.
func NewMachine(cfg Config, auth AuthStore) *Machine {
	if cfg.MediumThreshold == 0 && cfg.HighThreshold == 0 {
		cfg = DefaultConfig()
	}
	return &Machine{
		cfg:   cfg,
		auth:  auth,
		now:   time.Now,
		users: make(map[string]*userState),
	}
}

// SeverityFor maps a score to a severity under the configured thresholds.
// Monotonic: a higher score never maps to a lower severity.
func (m *Machine) SeverityFor(score float64) Severity {
	switch {
	case score >= m.cfg.HighThreshold:
		return SeverityHigh
	case score >= m.cfg.MediumThreshold:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// StateFor returns a user's current machine state.
func (m *Machine) StateFor(userID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		return u.State
	}
	return StateMonitoring
}

func (m *Machine) user(userID string) *userState {
	u, ok := m.users[userID]
	if !ok {
		u = &userState{State: StateMonitoring}
		m.users[userID] = u
	}
	return u
}

// Decide maps one scored event to an optional alert. No alert is ever
// raised while the model is warming up. Medium severity opens a challenge
// unless one is already pending (coalesced); high severity forces logout
// immediately and clears any pending challenge.
func (m *Machine) Decide(ctx context.Context, userID string, modality events.Modality, score float64, isWarmup bool) *Alert {
	severity := m.SeverityFor(score)
	if isWarmup {
		metrics.RecordRiskDecision(severity.String(), string(ActionMonitor))
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.user(userID)

	if u.State == StateLoggedOut {
		// Terminal; the gateway has already been told to kill the session.
		return nil
	}

	switch severity {
	case SeverityHigh:
		u.State = StateLoggedOut
		u.Challenge = nil
		metrics.RecordRiskDecision(severity.String(), string(ActionForceLogout))
		metrics.ForcedLogouts.Inc()
		return m.alert(userID, modality, score, SeverityHigh, ActionForceLogout, nil)

	case SeverityMedium:
		if u.State == StatePendingChallenge {
			// Coalesce: one pending challenge per user.
			metrics.RecordRiskDecision(severity.String(), string(ActionMonitor))
			return nil
		}
		if cooldown := m.cfg.AlertCooldown; cooldown > 0 && !u.LastResolved.IsZero() &&
			m.now().Sub(u.LastResolved) < cooldown {
			metrics.RecordRiskDecision(severity.String(), string(ActionMonitor))
			return nil
		}
		return m.openChallenge(ctx, u, userID, modality, score)

	default:
		metrics.RecordRiskDecision(severity.String(), string(ActionMonitor))
		return nil
	}
}

// openChallenge fetches the user's questions and opens a pending challenge.
// Unavailable or missing questions escalate to forced logout rather than
// letting an unverifiable session continue. Caller holds m.mu.
func (m *Machine) openChallenge(ctx context.Context, u *userState, userID string, modality events.Modality, score float64) *Alert {
	questions, err := m.auth.GetSecurityQuestions(ctx, userID)
	if err != nil || len(questions) == 0 {
		logging.Warn().Err(err).Str("user_id", userID).
			Msg("security questions unavailable, escalating to forced logout")
		u.State = StateLoggedOut
		u.Challenge = nil
		metrics.RecordRiskDecision(SeverityHigh.String(), string(ActionForceLogout))
		metrics.ForcedLogouts.Inc()
		return m.alert(userID, modality, score, SeverityHigh, ActionForceLogout, nil)
	}

	u.State = StatePendingChallenge
	u.Challenge = &ChallengeSession{
		Questions:       questions,
		RequiredCorrect: RequiredCorrect(len(questions)),
		CreatedAt:       m.now(),
	}
	metrics.RecordRiskDecision(SeverityMedium.String(), string(ActionChallenge))
	metrics.ChallengesIssued.Inc()
	return m.alert(userID, modality, score, SeverityMedium, ActionChallenge, questions)
}

func (m *Machine) alert(userID string, modality events.Modality, score float64, severity Severity, action Action, questions []authstore.Question) *Alert {
	return &Alert{
		UserID:    userID,
		Modality:  modality,
		Score:     score,
		Severity:  severity,
		Level:     severity.String(),
		Action:    action,
		Questions: questions,
		IssuedAt:  m.now(),
	}
}

// Respond resolves a pending challenge from submitted answers. Answers are
// verified case- and whitespace-insensitively against stored hashes; enough
// matches resolve the challenge, anything less forces logout. If the
// credential store is unreachable mid-verification the machine falls back
// to a deliberately weaker plausibility check and flags the outcome as
// degraded.
func (m *Machine) Respond(ctx context.Context, userID string, answers []Answer) (Outcome, error) {
	m.mu.Lock()
	u, ok := m.users[userID]
	if !ok || u.State != StatePendingChallenge || u.Challenge == nil {
		m.mu.Unlock()
		return Outcome{}, ErrNoPendingChallenge
	}
	challenge := u.Challenge
	if m.cfg.ChallengeTimeout > 0 && m.now().Sub(challenge.CreatedAt) >= m.cfg.ChallengeTimeout {
		u.State = StateLoggedOut
		u.Challenge = nil
		m.mu.Unlock()
		metrics.RecordChallengeOutcome("timeout")
		metrics.ForcedLogouts.Inc()
		return Outcome{Success: false, Action: ActionForceLogout, Required: challenge.RequiredCorrect}, nil
	}
	m.mu.Unlock()

	correct := 0
	degraded := false
	for _, ans := range answers {
		match, err := m.auth.VerifyAnswer(ctx, userID, ans.Index, ans.Text)
		if err != nil {
			degraded = true
			break
		}
		if match {
			correct++
		}
	}

	required := challenge.RequiredCorrect
	var success bool
	if degraded {
		success = degradedFallback(answers)
		correct = 0
	} else {
		success = correct >= required
	}

	m.mu.Lock()
	if u.State != StatePendingChallenge || u.Challenge != challenge {
		// The session went terminal while answers were being verified:
		// a high-severity decision or the timeout sweep forced logout,
		// or a concurrent response already resolved this challenge.
		// The terminal state wins; a late pass must not revive it.
		loggedOut := u.State == StateLoggedOut
		m.mu.Unlock()
		if loggedOut {
			metrics.RecordChallengeOutcome("superseded")
			return Outcome{
				Success:  false,
				Action:   ActionForceLogout,
				Correct:  correct,
				Required: required,
				Degraded: degraded,
			}, nil
		}
		return Outcome{}, ErrNoPendingChallenge
	}
	if success {
		u.State = StateMonitoring
		u.Challenge = nil
		u.LastResolved = m.now()
	} else {
		u.State = StateLoggedOut
		u.Challenge = nil
	}
	m.mu.Unlock()

	outcome := Outcome{
		Success:  success,
		Correct:  correct,
		Required: required,
		Degraded: degraded,
	}
	if success {
		outcome.Action = ActionContinue
	} else {
		outcome.Action = ActionForceLogout
		metrics.ForcedLogouts.Inc()
	}
	metrics.RecordChallengeOutcome(outcomeLabel(success, degraded))
	return outcome, nil
}

// degradedFallback accepts answers on plausibility alone when the
// credential store is down: at least two of the supplied answers must be
// non-empty with more than one character. Intentionally weaker; the caller
// flags the record as degraded.
func degradedFallback(answers []Answer) bool {
	plausible := 0
	for _, ans := range answers {
		if len(strings.TrimSpace(ans.Text)) > 1 {
			plausible++
		}
	}
	return plausible >= 2
}

func outcomeLabel(success, degraded bool) string {
	switch {
	case degraded && success:
		return "degraded_pass"
	case degraded:
		return "degraded_fail"
	case success:
		return "passed"
	default:
		return "failed"
	}
}

// ExpireChallenges sweeps pending challenges past the timeout and forces
// logout for each, returning the alerts to deliver. Called periodically by
// the pipeline.
func (m *Machine) ExpireChallenges() []*Alert {
	if m.cfg.ChallengeTimeout <= 0 {
		return nil
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	var alerts []*Alert
	for userID, u := range m.users {
		if u.State != StatePendingChallenge || u.Challenge == nil {
			continue
		}
		if now.Sub(u.Challenge.CreatedAt) < m.cfg.ChallengeTimeout {
			continue
		}
		u.State = StateLoggedOut
		u.Challenge = nil
		metrics.RecordChallengeOutcome("timeout")
		metrics.ForcedLogouts.Inc()
		alerts = append(alerts, m.alert(userID, "", 0, SeverityHigh, ActionForceLogout, nil))
	}
	return alerts
}

// ResetUser returns a logged-out user to monitoring. Called by the gateway
// when a user re-authenticates through the front door.
func (m *Machine) ResetUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, userID)
}
