// Custodian - Continuous Behavioral Authentication Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

// Package risk maps anomaly scores to severities and actions and manages the
// per-user challenge lifecycle: Monitoring → PendingChallenge → {Resolved →
// Monitoring | LoggedOut}, plus a direct Monitoring → LoggedOut edge for
// high severity. All internal faults degrade toward caution: a user whose
// security questions cannot be fetched is logged out, never waved through.
package risk

import (
	"context"
	"errors"
	"time"

	"github.com/tomtom215/custodian/internal/authstore"
	"github.com/tomtom215/custodian/internal/events"
)

// Severity classifies an anomaly score.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Action is what the system does about a decision.
type Action string

const (
	ActionMonitor     Action = "monitor"
	ActionChallenge   Action = "security_challenge"
	ActionForceLogout Action = "force_logout"
	ActionContinue    Action = "continue"
)

// State is a user's position in the challenge state machine.
type State int

const (
	StateMonitoring State = iota
	StatePendingChallenge
	StateLoggedOut
)

func (s State) String() string {
	switch s {
	case StateMonitoring:
		return "monitoring"
	case StatePendingChallenge:
		return "pending_challenge"
	case StateLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

// Alert is emitted back to the originating session through the gateway.
type Alert struct {
	UserID    string               `json:"user_id"`
	Modality  events.Modality      `json:"modality"`
	Score     float64              `json:"score"`
	Severity  Severity             `json:"-"`
	Level     string               `json:"level"`
	Action    Action               `json:"action"`
	Questions []authstore.Question `json:"questions,omitempty"`
	IssuedAt  time.Time            `json:"issued_at"`
}

// RiskRecord is the append-only audit record emitted once per processed
// event and once per challenge resolution. Never mutated after creation.
type RiskRecord struct {
	Timestamp    time.Time       `json:"timestamp"`
	UserID       string          `json:"user_id"`
	SessionID    string          `json:"session_id,omitempty"`
	Modality     events.Modality `json:"modality"`
	AnomalyScore float64         `json:"anomaly_score"`
	IsWarmup     bool            `json:"is_warmup"`
	SampleCount  int             `json:"sample_count"`
	RiskLevel    string          `json:"risk_level"`
	ActionTaken  Action          `json:"action_taken"`
	Degraded     bool            `json:"degraded,omitempty"`
}

// Answer is one submitted challenge answer, index-aligned with the issued
// questions.
type Answer struct {
	Index int    `json:"question_index"`
	Text  string `json:"answer"`
}

// Outcome is the result of a challenge response.
type Outcome struct {
	Success  bool   `json:"success"`
	Action   Action `json:"action"`
	Correct  int    `json:"correct"`
	Required int    `json:"required"`
	Degraded bool   `json:"degraded,omitempty"`
}

// ErrNoPendingChallenge is returned when a response arrives for a user with
// no open challenge.
var ErrNoPendingChallenge = errors.New("no pending challenge for user")

// AuthStore is the credential lookup consumed by the machine.
type AuthStore interface {
	GetSecurityQuestions(ctx context.Context, userID string) ([]authstore.Question, error)
	VerifyAnswer(ctx context.Context, userID string, index int, answer string) (bool, error)
}

// RequiredCorrect computes how many answers must match for n issued
// questions: a strict majority, never below two. For the standard five
// questions this is three.
func RequiredCorrect(n int) int {
	req := n/2 + 1
	if req < 2 {
		req = 2
	}
	if req > n && n > 0 {
		req = n
	}
	return req
}
