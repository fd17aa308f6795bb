// Custodian - Continuous Behavioral Authentication Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package events

import (
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestNewPopulatesIdentity(t *testing.T) {
	e := New(EventTypeTap, "user-1", "client-1")
	if e.EventID == "" {
		t.Error("expected non-empty event ID")
	}
	if e.SchemaVersion != SchemaVersion {
		t.Errorf("schema version = %d, want %d", e.SchemaVersion, SchemaVersion)
	}
	if e.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
	if e.Timestamp.Location() != time.UTC {
		t.Error("expected UTC timestamp")
	}
}

func TestModalityFor(t *testing.T) {
	tests := []struct {
		eventType EventType
		want      Modality
		ok        bool
	}{
		{EventTypeTap, ModalityTap, true},
		{EventTypeSwipe, ModalitySwipe, true},
		{EventTypeTyping, ModalityTyping, true},
		{EventTypeGeolocation, ModalityGeo, true},
		{EventTypeIPChange, ModalityGeo, true},
		{EventTypeDeviceInfo, ModalityDevice, true},
		{EventType("scroll"), "", false},
		{EventType(""), "", false},
	}
	for _, tt := range tests {
		got, ok := ModalityFor(tt.eventType)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ModalityFor(%q) = (%q, %v), want (%q, %v)",
				tt.eventType, got, ok, tt.want, tt.ok)
		}
	}
}

func TestValidate(t *testing.T) {
	base := func() *Event {
		e := New(EventTypeTap, "user-1", "client-1")
		e.Tap = &TapPayload{X: 100, Y: 200}
		return e
	}

	tests := []struct {
		name    string
		mutate  func(*Event)
		wantErr bool
	}{
		{"valid tap", func(e *Event) {}, false},
		{"missing user", func(e *Event) { e.UserID = "" }, true},
		{"missing event id", func(e *Event) { e.EventID = "" }, true},
		{"zero timestamp", func(e *Event) { e.Timestamp = time.Time{} }, true},
		{"unknown type", func(e *Event) { e.Type = "scroll" }, true},
		{"payload mismatch", func(e *Event) { e.Tap = nil }, true},
		{"wrong payload for type", func(e *Event) {
			e.Type = EventTypeSwipe
			// Tap payload still set but no swipe payload.
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := base()
			tt.mutate(e)
			err := e.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !errors.Is(err, ErrMalformedEvent) {
					t.Errorf("error %v does not wrap ErrMalformedEvent", err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateGeoAcceptsIPChange(t *testing.T) {
	e := New(EventTypeIPChange, "user-1", "client-1")
	e.Geo = &GeoPayload{IPAddress: "203.0.113.7"}
	if err := e.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestEnsureSchemaVersion(t *testing.T) {
	e := &Event{EventID: "x"}
	e.EnsureSchemaVersion()
	if e.SchemaVersion != SchemaVersion {
		t.Errorf("schema version = %d, want %d", e.SchemaVersion, SchemaVersion)
	}

	e.SchemaVersion = 99
	e.EnsureSchemaVersion()
	if e.SchemaVersion != 99 {
		t.Error("EnsureSchemaVersion must not overwrite an existing version")
	}
}

func TestEventJSONRoundTrip(t *testing.T) {
	e := New(EventTypeTyping, "user-1", "client-1")
	e.SessionID = "sess-9"
	e.Typing = &TypingPayload{Field: "password", WPM: 62.5, DurationMs: 850, Length: 12}

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != EventTypeTyping || got.Typing == nil || got.Typing.WPM != 62.5 {
		t.Errorf("round trip lost typing payload: %+v", got)
	}
	if got.Tap != nil || got.Swipe != nil || got.Geo != nil || got.Device != nil {
		t.Error("unexpected payloads populated after round trip")
	}
}
