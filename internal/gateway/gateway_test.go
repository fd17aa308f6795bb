// Custodian - Continuous Behavioral Authentication Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/custodian/internal/auth"
	"github.com/tomtom215/custodian/internal/config"
	"github.com/tomtom215/custodian/internal/events"
	"github.com/tomtom215/custodian/internal/risk"
)

// stubSink records enqueued events and serves a canned challenge outcome.
type stubSink struct {
	mu         sync.Mutex
	events     []*events.Event
	enqueueErr error
	outcome    risk.Outcome
	respondErr error
}

func (s *stubSink) Enqueue(ev *events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enqueueErr != nil {
		return s.enqueueErr
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *stubSink) RespondToChallenge(_ context.Context, _ string, _ []risk.Answer) (risk.Outcome, error) {
	if s.respondErr != nil {
		return risk.Outcome{}, s.respondErr
	}
	return s.outcome, nil
}

func (s *stubSink) received() []*events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*events.Event, len(s.events))
	copy(out, s.events)
	return out
}

func testJWT(t *testing.T) *auth.JWTManager {
	t.Helper()
	m, err := auth.NewJWTManager(&config.SecurityConfig{
		JWTSecret:      "0123456789abcdef0123456789abcdef",
		SessionTimeout: time.Hour,
	})
	if err != nil {
		t.Fatalf("jwt manager: %v", err)
	}
	return m
}

// testGateway runs a hub and HTTP server and returns a connected client
// socket for the given user.
func testGateway(t *testing.T, sink *stubSink, userID string) (*websocket.Conn, *Hub) {
	t.Helper()

	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.RunWithContext(ctx)

	jwtMgr := testJWT(t)
	handler := NewHandler(hub, sink, jwtMgr, &config.SecurityConfig{})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	token, err := jwtMgr.GenerateToken(userID, "phone-1")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	// Wait until the hub has registered the connection so alert
	// delivery tests cannot race the registration.
	deadline := time.Now().Add(2 * time.Second)
	for !hub.UserConnected(userID) {
		if time.Now().After(deadline) {
			t.Fatal("client never registered with hub")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn, hub
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func send(t *testing.T, conn *websocket.Conn, msgType string, data interface{}) {
	t.Helper()
	payload, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteJSON(Message{Type: msgType, Data: payload}); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestConnectRequiresToken(t *testing.T) {
	hub := NewHub()
	handler := NewHandler(hub, &stubSink{}, testJWT(t), &config.SecurityConfig{})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=not-a-jwt"
	if _, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Error("dial with garbage token succeeded")
	}
}

func TestHelloWelcome(t *testing.T) {
	conn, _ := testGateway(t, &stubSink{}, "alice")

	send(t, conn, MessageTypeHello, HelloData{ClientID: "phone-2"})
	msg := readMessage(t, conn)
	if msg.Type != MessageTypeWelcome {
		t.Fatalf("reply type = %q, want welcome", msg.Type)
	}
	var welcome WelcomeData
	if err := json.Unmarshal(msg.Data, &welcome); err != nil {
		t.Fatalf("unmarshal welcome: %v", err)
	}
	if welcome.UserID != "alice" {
		t.Errorf("welcome user = %q, want alice", welcome.UserID)
	}
	if welcome.SchemaVersion != events.SchemaVersion {
		t.Errorf("schema version = %d", welcome.SchemaVersion)
	}
}

func TestPingPong(t *testing.T) {
	conn, _ := testGateway(t, &stubSink{}, "alice")

	if err := conn.WriteJSON(Message{Type: MessageTypePing}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != MessageTypePong {
		t.Errorf("reply type = %q, want pong", msg.Type)
	}
}

func TestEventForwardedWithSessionIdentity(t *testing.T) {
	sink := &stubSink{}
	conn, _ := testGateway(t, sink, "alice")

	send(t, conn, string(events.EventTypeTap), events.TapPayload{
		X: 100, Y: 200, DurationMs: 80, ScreenWidth: 1080, ScreenHeight: 1920,
	})

	deadline := time.Now().Add(2 * time.Second)
	for len(sink.received()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event never reached the sink")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ev := sink.received()[0]
	if ev.UserID != "alice" {
		t.Errorf("user_id = %q, want alice (from session, not payload)", ev.UserID)
	}
	if ev.Type != events.EventTypeTap || ev.Tap == nil || ev.Tap.X != 100 {
		t.Errorf("event = %+v", ev)
	}
}

func TestMalformedJSONKeepsConnection(t *testing.T) {
	conn, _ := testGateway(t, &stubSink{}, "alice")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readMessage(t, conn)
	if msg.Type != MessageTypeError {
		t.Fatalf("reply type = %q, want error", msg.Type)
	}
	var errData ErrorData
	if err := json.Unmarshal(msg.Data, &errData); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if errData.Code != ErrCodeMalformed {
		t.Errorf("error code = %q, want %q", errData.Code, ErrCodeMalformed)
	}

	// The connection survives malformed input.
	if err := conn.WriteJSON(Message{Type: MessageTypePing}); err != nil {
		t.Fatalf("write after error: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != MessageTypePong {
		t.Errorf("reply type = %q, want pong", msg.Type)
	}
}

func TestUnknownTypeGetsErrorReply(t *testing.T) {
	conn, _ := testGateway(t, &stubSink{}, "alice")

	if err := conn.WriteJSON(Message{Type: "telemetry"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != MessageTypeError {
		t.Errorf("reply type = %q, want error", msg.Type)
	}
}

func TestSecurityResponseResult(t *testing.T) {
	sink := &stubSink{outcome: risk.Outcome{
		Success: true, Action: risk.ActionContinue, Correct: 3, Required: 3,
	}}
	conn, _ := testGateway(t, sink, "alice")

	send(t, conn, MessageTypeSecurityResponse, SecurityResponseData{
		Answers: []risk.Answer{{Index: 0, Text: "rex"}},
	})
	msg := readMessage(t, conn)
	if msg.Type != MessageTypeResponseResult {
		t.Fatalf("reply type = %q, want result", msg.Type)
	}
	var result ResponseResultData
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !result.Success || result.Correct != 3 {
		t.Errorf("result = %+v", result)
	}
}

func TestSecurityResponseWithoutChallenge(t *testing.T) {
	sink := &stubSink{respondErr: risk.ErrNoPendingChallenge}
	conn, _ := testGateway(t, sink, "alice")

	send(t, conn, MessageTypeSecurityResponse, SecurityResponseData{})
	msg := readMessage(t, conn)
	if msg.Type != MessageTypeError {
		t.Fatalf("reply type = %q, want error", msg.Type)
	}
	var errData ErrorData
	if err := json.Unmarshal(msg.Data, &errData); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if errData.Code != ErrCodeNoChallenge {
		t.Errorf("error code = %q, want %q", errData.Code, ErrCodeNoChallenge)
	}
}

func TestDeliverAlertReachesUser(t *testing.T) {
	conn, hub := testGateway(t, &stubSink{}, "alice")

	hub.DeliverAlert("alice", &risk.Alert{
		UserID:   "alice",
		Modality: events.ModalityTap,
		Score:    0.7,
		Level:    "medium",
		Action:   risk.ActionChallenge,
		IssuedAt: time.Now().UTC(),
	})

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeBehavioralAlert {
		t.Fatalf("message type = %q, want behavioral_alert", msg.Type)
	}
	var alert AlertData
	if err := json.Unmarshal(msg.Data, &alert); err != nil {
		t.Fatalf("unmarshal alert: %v", err)
	}
	if alert.Action != risk.ActionChallenge || alert.Score != 0.7 {
		t.Errorf("alert = %+v", alert)
	}
}

func TestAlertForOtherUserNotDelivered(t *testing.T) {
	conn, hub := testGateway(t, &stubSink{}, "alice")

	hub.DeliverAlert("bob", &risk.Alert{UserID: "bob", Action: risk.ActionForceLogout})

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var msg Message
	if err := conn.ReadJSON(&msg); err == nil {
		t.Errorf("received %q meant for another user", msg.Type)
	}
}

func TestEventRateLimited(t *testing.T) {
	sink := &stubSink{}
	hub := NewHub()
	c := NewClient(hub, nil, sink, "alice", "phone-1")

	payload, _ := json.Marshal(events.TapPayload{X: 1, Y: 1, DurationMs: 50})
	for i := 0; i < 300; i++ {
		c.handleEvent(events.EventTypeTap, payload)
	}

	accepted := len(sink.received())
	if accepted >= 300 {
		t.Errorf("all %d events accepted, limiter never engaged", accepted)
	}
	if accepted == 0 {
		t.Error("no events accepted")
	}

	// At least one rate_limited error was queued for the client.
	found := false
	for {
		select {
		case msg := <-c.send:
			if msg.Type == MessageTypeError {
				if data, ok := msg.Data.(ErrorData); ok && data.Code == ErrCodeRateLimited {
					found = true
				}
			}
			continue
		default:
		}
		break
	}
	if !found {
		t.Error("no rate_limited error reply queued")
	}
}

func TestHubTracksDisconnect(t *testing.T) {
	conn, hub := testGateway(t, &stubSink{}, "alice")
	if !hub.UserConnected("alice") {
		t.Fatal("alice not registered")
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for hub.UserConnected("alice") {
		if time.Now().After(deadline) {
			t.Fatal("disconnect never propagated to hub")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if hub.ClientCount() != 0 {
		t.Errorf("client count = %d, want 0", hub.ClientCount())
	}
}

func TestDeliverAlertDuringDisconnect(t *testing.T) {
	hub := NewHub()
	alert := &risk.Alert{
		UserID:   "alice",
		Modality: events.ModalityTap,
		Score:    0.97,
		Level:    "high",
		Action:   risk.ActionForceLogout,
		IssuedAt: time.Now(),
	}

	var panics atomic.Int64
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					panics.Add(1)
				}
			}()
			for {
				select {
				case <-stop:
					return
				default:
					hub.DeliverAlert("alice", alert)
				}
			}
		}()
	}

	// Churn connect/disconnect for the same user while alerts fan out.
	for i := 0; i < 2000; i++ {
		c := NewClient(hub, nil, nil, "alice", "phone-1")
		hub.add(c)
		hub.remove(c)
	}
	close(stop)
	wg.Wait()

	if n := panics.Load(); n > 0 {
		t.Fatalf("DeliverAlert panicked %d times during client disconnect", n)
	}
}
