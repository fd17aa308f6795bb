// Custodian - Continuous Behavioral Authentication Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

// Package events defines the canonical behavioral event contract consumed by
// the feature pipeline. The gateway deserializes wire messages into Event
// values; everything downstream operates on this typed format only.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// SchemaVersion is the current event schema version.
// Increment this when making breaking changes to Event.
const SchemaVersion = 1

// ErrMalformedEvent indicates an event that cannot be processed. Malformed
// events are dropped and logged; they never reach the anomaly engine.
var ErrMalformedEvent = errors.New("malformed event")

// EventType identifies the kind of interaction a client reported.
type EventType string

const (
	EventTypeTap         EventType = "tap"
	EventTypeSwipe       EventType = "swipe"
	EventTypeTyping      EventType = "typing"
	EventTypeGeolocation EventType = "geolocation"
	EventTypeIPChange    EventType = "ip_change"
	EventTypeDeviceInfo  EventType = "device_info"
)

// Modality is one behavioral channel with its own per-user model.
// Geolocation/IP/device signals share the geo and device models.
type Modality string

const (
	ModalityTyping Modality = "typing"
	ModalityTap    Modality = "tap"
	ModalitySwipe  Modality = "swipe"
	ModalityGeo    Modality = "geo"
	ModalityDevice Modality = "device"
)

// AllModalities lists every modality in a stable order.
var AllModalities = []Modality{ModalityTyping, ModalityTap, ModalitySwipe, ModalityGeo, ModalityDevice}

// ModalityFor maps an event type to the modality whose model it feeds.
func ModalityFor(t EventType) (Modality, bool) {
	switch t {
	case EventTypeTap:
		return ModalityTap, true
	case EventTypeSwipe:
		return ModalitySwipe, true
	case EventTypeTyping:
		return ModalityTyping, true
	case EventTypeGeolocation, EventTypeIPChange:
		return ModalityGeo, true
	case EventTypeDeviceInfo:
		return ModalityDevice, true
	default:
		return "", false
	}
}

// TapPayload carries a single tap interaction.
type TapPayload struct {
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	Pressure     float64 `json:"pressure,omitempty"`
	DurationMs   float64 `json:"duration_ms,omitempty"`
	Target       string  `json:"target,omitempty"`
	ScreenWidth  float64 `json:"screen_width,omitempty"`
	ScreenHeight float64 `json:"screen_height,omitempty"`
}

// SwipePayload carries a single swipe gesture.
type SwipePayload struct {
	StartX       float64 `json:"start_x"`
	StartY       float64 `json:"start_y"`
	EndX         float64 `json:"end_x"`
	EndY         float64 `json:"end_y"`
	DurationMs   float64 `json:"duration_ms,omitempty"`
	Direction    string  `json:"direction,omitempty"`
	DistancePx   float64 `json:"distance_px,omitempty"`
	ScreenWidth  float64 `json:"screen_width,omitempty"`
	ScreenHeight float64 `json:"screen_height,omitempty"`
}

// TypingPayload carries one typing-cadence sample for a focused field.
type TypingPayload struct {
	Field      string  `json:"field,omitempty"`
	WPM        float64 `json:"wpm,omitempty"`
	DurationMs float64 `json:"duration_ms,omitempty"`
	Length     int     `json:"length,omitempty"`
}

// GeoPayload carries a geolocation or IP-change signal.
type GeoPayload struct {
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	AccuracyM  float64 `json:"accuracy_m,omitempty"`
	IPAddress  string  `json:"ip_address,omitempty"`
	LocationHw string  `json:"location_how,omitempty"` // gps, ip, manual
}

// DevicePayload carries device-environment drift signals.
type DevicePayload struct {
	EmulatorFlag bool    `json:"emulator_flag,omitempty"`
	OSDrift      float64 `json:"os_drift,omitempty"`
	EnvScore     float64 `json:"env_score,omitempty"`
	Platform     string  `json:"platform,omitempty"`
	UserAgent    string  `json:"user_agent,omitempty"`
}

// Event is a single behavioral interaction from an active session.
// Immutable once created; consumed exactly once by the feature extractor.
type Event struct {
	SchemaVersion int       `json:"schema_version,omitempty"`
	EventID       string    `json:"event_id"`
	Type          EventType `json:"event_type"`
	UserID        string    `json:"user_id"`
	ClientID      string    `json:"client_id"`
	SessionID     string    `json:"session_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`

	// Exactly one payload is set, matching Type.
	Tap    *TapPayload    `json:"tap,omitempty"`
	Swipe  *SwipePayload  `json:"swipe,omitempty"`
	Typing *TypingPayload `json:"typing,omitempty"`
	Geo    *GeoPayload    `json:"geo,omitempty"`
	Device *DevicePayload `json:"device,omitempty"`

	// Raw wire payload kept for debugging and audit.
	RawPayload json.RawMessage `json:"raw_payload,omitempty"`
}

// New creates an event with a unique ID, UTC timestamp, and schema version.
func New(t EventType, userID, clientID string) *Event {
	return &Event{
		SchemaVersion: SchemaVersion,
		EventID:       uuid.New().String(),
		Type:          t,
		UserID:        userID,
		ClientID:      clientID,
		Timestamp:     time.Now().UTC(),
	}
}

// Modality returns the modality this event feeds.
func (e *Event) Modality() (Modality, bool) {
	return ModalityFor(e.Type)
}

// Validate checks required fields. A failing event wraps ErrMalformedEvent.
func (e *Event) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("%w: missing event_id", ErrMalformedEvent)
	}
	if e.UserID == "" {
		return fmt.Errorf("%w: missing user_id", ErrMalformedEvent)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrMalformedEvent)
	}
	if _, ok := ModalityFor(e.Type); !ok {
		return fmt.Errorf("%w: unknown event_type %q", ErrMalformedEvent, e.Type)
	}
	if err := e.validatePayload(); err != nil {
		return err
	}
	return nil
}

// validatePayload ensures the payload pointer set matches the event type.
func (e *Event) validatePayload() error {
	var ok bool
	switch e.Type {
	case EventTypeTap:
		ok = e.Tap != nil
	case EventTypeSwipe:
		ok = e.Swipe != nil
	case EventTypeTyping:
		ok = e.Typing != nil
	case EventTypeGeolocation, EventTypeIPChange:
		ok = e.Geo != nil
	case EventTypeDeviceInfo:
		ok = e.Device != nil
	}
	if !ok {
		return fmt.Errorf("%w: %s event without matching payload", ErrMalformedEvent, e.Type)
	}
	return nil
}

// EnsureSchemaVersion sets the schema version if not already set.
// Call this for events arriving from older gateway builds.
func (e *Event) EnsureSchemaVersion() {
	if e.SchemaVersion == 0 {
		e.SchemaVersion = SchemaVersion
	}
}
