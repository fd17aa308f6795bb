// Custodian - Continuous Behavioral Authentication Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package gateway

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/custodian/internal/authstore"
	"github.com/tomtom215/custodian/internal/risk"
)

// Wire message types. Inbound behavioral events reuse the event type
// strings directly (tap, swipe, typing, geolocation, ip_change,
// device_info).
const (
	MessageTypeHello            = "hello"
	MessageTypeWelcome          = "welcome"
	MessageTypePing             = "ping"
	MessageTypePong             = "pong"
	MessageTypeSecurityResponse = "security_response"
	MessageTypeResponseResult   = "security_response_result"
	MessageTypeBehavioralAlert  = "behavioral_alert"
	MessageTypeError            = "error"
)

// Message is the wire envelope in both directions.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// OutMessage is an outbound envelope; Data is marshaled on write.
type OutMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// HelloData is the client's opening message.
type HelloData struct {
	ClientID  string `json:"client_id"`
	SessionID string `json:"session_id,omitempty"`
	AppName   string `json:"app_name,omitempty"`
}

// WelcomeData acknowledges a session.
type WelcomeData struct {
	UserID        string    `json:"user_id"`
	ServerTime    time.Time `json:"server_time"`
	SchemaVersion int       `json:"schema_version"`
}

// SecurityResponseData carries challenge answers.
type SecurityResponseData struct {
	Answers []risk.Answer `json:"answers"`
}

// ResponseResultData reports a challenge outcome.
type ResponseResultData struct {
	Success  bool        `json:"success"`
	Action   risk.Action `json:"action"`
	Correct  int         `json:"correct"`
	Required int         `json:"required"`
	Degraded bool        `json:"degraded,omitempty"`
}

// AlertData is the behavioral_alert payload.
type AlertData struct {
	Modality  string               `json:"modality"`
	Score     float64              `json:"score"`
	Severity  string               `json:"severity"`
	Action    risk.Action          `json:"action"`
	Questions []authstore.Question `json:"questions,omitempty"`
	IssuedAt  time.Time            `json:"issued_at"`
}

// ErrorData is a typed error reply; the connection stays open.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes sent to clients.
const (
	ErrCodeMalformed   = "malformed_message"
	ErrCodeRateLimited = "rate_limited"
	ErrCodeOverloaded  = "overloaded"
	ErrCodeNoChallenge = "no_pending_challenge"
	ErrCodeInternal    = "internal_error"
)
