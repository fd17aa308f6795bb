// Custodian - Continuous Behavioral Authentication Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/custodian/internal/anomaly"
	"github.com/tomtom215/custodian/internal/authstore"
	"github.com/tomtom215/custodian/internal/events"
	"github.com/tomtom215/custodian/internal/features"
	"github.com/tomtom215/custodian/internal/risk"
)

// memStore keeps model states in memory.
type memStore struct {
	mu     sync.Mutex
	states map[string]*anomaly.ModelState
}

func newMemStore() *memStore {
	return &memStore{states: make(map[string]*anomaly.ModelState)}
}

func (m *memStore) LoadOrCreate(_ context.Context, userID string, modality events.Modality, create func() *anomaly.ModelState) (*anomaly.ModelState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := userID + "|" + string(modality)
	if s, ok := m.states[key]; ok {
		return s, false, nil
	}
	s := create()
	return s, true, nil
}

func (m *memStore) Save(_ context.Context, state *anomaly.ModelState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.UserID+"|"+string(state.Modality)] = state
	return nil
}

// stubAuth serves five fixed questions and accepts the answer "correct".
type stubAuth struct{}

func (stubAuth) GetSecurityQuestions(_ context.Context, _ string) ([]authstore.Question, error) {
	qs := make([]authstore.Question, 5)
	for i := range qs {
		qs[i] = authstore.Question{Index: i, Text: fmt.Sprintf("question %d", i)}
	}
	return qs, nil
}

func (stubAuth) VerifyAnswer(_ context.Context, _ string, _ int, answer string) (bool, error) {
	return authstore.NormalizeAnswer(answer) == "correct", nil
}

// recordingSink collects published records.
type recordingSink struct {
	mu      sync.Mutex
	records []*risk.RiskRecord
}

func (r *recordingSink) PublishRecord(_ context.Context, rec *risk.RiskRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// recordingAlerts collects delivered alerts.
type recordingAlerts struct {
	mu     sync.Mutex
	alerts []*risk.Alert
}

func (r *recordingAlerts) DeliverAlert(_ string, alert *risk.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
}

func (r *recordingAlerts) all() []*risk.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*risk.Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}

func testPipeline(t *testing.T, cfg Config) (*Pipeline, *recordingSink, *recordingAlerts) {
	t.Helper()
	extractor := features.NewExtractor(features.DefaultConfig())
	engine := anomaly.NewEngine(anomaly.DefaultConfig(), newMemStore(), nil)
	machine := risk.NewMachine(risk.DefaultConfig(), stubAuth{})
	sink := &recordingSink{}
	alerts := &recordingAlerts{}
	return New(cfg, extractor, engine, machine, sink, alerts, zerolog.Nop()), sink, alerts
}

func typingEvent(userID string, ts time.Time, wpm float64) *events.Event {
	ev := events.New(events.EventTypeTyping, userID, "client-1")
	ev.Timestamp = ts
	ev.Typing = &events.TypingPayload{Field: "note", WPM: wpm, DurationMs: 1500, Length: 40}
	return ev
}

func tapEvent(userID string, ts time.Time, x, y, durationMs float64) *events.Event {
	ev := events.New(events.EventTypeTap, userID, "client-1")
	ev.Timestamp = ts
	ev.Tap = &events.TapPayload{
		X: x, Y: y, DurationMs: durationMs,
		ScreenWidth: 1080, ScreenHeight: 1920,
	}
	return ev
}

func TestPartitionStableForUser(t *testing.T) {
	p, _, _ := testPipeline(t, Config{Workers: 8, QueueCapacity: 16})
	first := p.partition("alice")
	for i := 0; i < 100; i++ {
		if got := p.partition("alice"); got != first {
			t.Fatalf("partition for alice changed: %d != %d", got, first)
		}
	}
}

func TestEnqueueRejectsMalformed(t *testing.T) {
	p, _, _ := testPipeline(t, Config{Workers: 1, QueueCapacity: 4})

	ev := events.New(events.EventTypeTap, "u1", "c1")
	// No payload set; validation fails.
	err := p.Enqueue(ev)
	if !errors.Is(err, events.ErrMalformedEvent) {
		t.Errorf("err = %v, want ErrMalformedEvent", err)
	}
}

func TestEnqueueDropsWhenSaturated(t *testing.T) {
	p, _, _ := testPipeline(t, Config{Workers: 1, QueueCapacity: 1})
	now := time.Now()

	if err := p.Enqueue(tapEvent("u1", now, 100, 100, 80)); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	// No worker is running, so the second enqueue overflows.
	err := p.Enqueue(tapEvent("u1", now, 100, 100, 80))
	if !errors.Is(err, ErrQueueSaturated) {
		t.Errorf("err = %v, want ErrQueueSaturated", err)
	}
}

func TestProcessMalformedEvent(t *testing.T) {
	p, sink, _ := testPipeline(t, Config{Workers: 1, QueueCapacity: 4})

	ev := events.New(events.EventTypeSwipe, "u1", "c1")
	ev.Tap = &events.TapPayload{X: 1, Y: 1} // wrong payload for type
	if _, err := p.Process(context.Background(), ev); !errors.Is(err, events.ErrMalformedEvent) {
		t.Errorf("err = %v, want ErrMalformedEvent", err)
	}
	if sink.count() != 0 {
		t.Errorf("malformed event emitted %d records", sink.count())
	}
}

func TestWarmupStreamNeverAlerts(t *testing.T) {
	p, sink, alerts := testPipeline(t, Config{Workers: 1, QueueCapacity: 64})
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 10; i++ {
		rec, err := p.Process(ctx, typingEvent("u1", base.Add(time.Duration(i)*time.Second), 45+float64(i%3)))
		if err != nil {
			t.Fatalf("process event %d: %v", i, err)
		}
		if !rec.IsWarmup {
			t.Errorf("event %d not flagged warmup", i)
		}
		if rec.ActionTaken != risk.ActionMonitor {
			t.Errorf("event %d action = %v, want monitor", i, rec.ActionTaken)
		}
		if rec.AnomalyScore >= 0.5 {
			t.Errorf("event %d warmup score %v reached challenge threshold", i, rec.AnomalyScore)
		}
	}
	if got := len(alerts.all()); got != 0 {
		t.Errorf("warmup stream produced %d alerts", got)
	}
	if sink.count() != 10 {
		t.Errorf("sink received %d records, want 10", sink.count())
	}
}

func TestOutlierTapTriggersChallenge(t *testing.T) {
	p, _, alerts := testPipeline(t, Config{Workers: 1, QueueCapacity: 64})
	ctx := context.Background()
	base := time.Now()

	// Establish a tight habit cluster well past warmup.
	for i := 0; i < 25; i++ {
		x := 500 + float64(i%5)
		y := 900 + float64((i*3)%7)
		if _, err := p.Process(ctx, tapEvent("u1", base.Add(time.Duration(i)*time.Second), x, y, 80+float64(i%4))); err != nil {
			t.Fatalf("process tap %d: %v", i, err)
		}
	}

	// Opposite-corner tap with maximal pressure.
	ev := tapEvent("u1", base.Add(30*time.Second), 2, 1918, 900)
	ev.Tap.Pressure = 1.0
	rec, err := p.Process(ctx, ev)
	if err != nil {
		t.Fatalf("process outlier: %v", err)
	}
	if rec.AnomalyScore < 0.5 {
		t.Fatalf("outlier score = %v, want >= 0.5", rec.AnomalyScore)
	}

	got := alerts.all()
	if len(got) == 0 {
		t.Fatal("outlier produced no alert")
	}
	last := got[len(got)-1]
	if last.Action != risk.ActionChallenge && last.Action != risk.ActionForceLogout {
		t.Errorf("alert action = %v, want challenge or force_logout", last.Action)
	}
	if last.Action == risk.ActionChallenge && len(last.Questions) != 5 {
		t.Errorf("challenge carried %d questions, want 5", len(last.Questions))
	}
}

func TestRespondToChallengeRoundTrip(t *testing.T) {
	extractor := features.NewExtractor(features.DefaultConfig())
	engine := anomaly.NewEngine(anomaly.DefaultConfig(), newMemStore(), nil)
	// High band pushed out of reach so the outlier lands in the
	// challenge band regardless of how extreme it scores.
	machineCfg := risk.DefaultConfig()
	machineCfg.HighThreshold = 1.01
	machine := risk.NewMachine(machineCfg, stubAuth{})
	alerts := &recordingAlerts{}
	p := New(Config{Workers: 1, QueueCapacity: 64}, extractor, engine, machine, nil, alerts, zerolog.Nop())

	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 25; i++ {
		x := 500 + float64(i%5)
		y := 900 + float64((i*3)%7)
		p.Process(ctx, tapEvent("u1", base.Add(time.Duration(i)*time.Second), x, y, 80+float64(i%4)))
	}
	ev := tapEvent("u1", base.Add(30*time.Second), 2, 1918, 900)
	ev.Tap.Pressure = 1.0
	p.Process(ctx, ev)

	got := alerts.all()
	if len(got) == 0 || got[len(got)-1].Action != risk.ActionChallenge {
		t.Fatalf("expected a pending challenge, alerts = %+v", got)
	}

	outcome, err := p.RespondToChallenge(ctx, "u1", []risk.Answer{
		{Index: 0, Text: "correct"},
		{Index: 1, Text: "CORRECT "},
		{Index: 2, Text: "correct"},
		{Index: 3, Text: "wrong"},
		{Index: 4, Text: "wrong"},
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if !outcome.Success || outcome.Action != risk.ActionContinue {
		t.Errorf("outcome = %+v, want success/continue", outcome)
	}
}

func TestServeProcessesQueuedEvents(t *testing.T) {
	p, sink, _ := testPipeline(t, Config{Workers: 2, QueueCapacity: 64})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx) }()

	base := time.Now()
	for i := 0; i < 20; i++ {
		user := fmt.Sprintf("user-%d", i%4)
		if err := p.Enqueue(typingEvent(user, base.Add(time.Duration(i)*time.Second), 50)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	deadline := time.After(5 * time.Second)
	for sink.count() < 20 {
		select {
		case <-deadline:
			t.Fatalf("processed %d of 20 events before timeout", sink.count())
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("serve returned %v, want context.Canceled", err)
	}
}

func TestServeDrainsOnShutdown(t *testing.T) {
	p, sink, _ := testPipeline(t, Config{Workers: 1, QueueCapacity: 64})

	base := time.Now()
	for i := 0; i < 5; i++ {
		if err := p.Enqueue(typingEvent("u1", base.Add(time.Duration(i)*time.Second), 50)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	// Cancel before the worker picks anything up; the queue drains anyway.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Serve(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("serve returned %v", err)
	}
	if sink.count() != 5 {
		t.Errorf("drained %d of 5 queued events", sink.count())
	}
}

func TestHandleContainsFaults(t *testing.T) {
	p, sink, _ := testPipeline(t, Config{Workers: 1, QueueCapacity: 16})

	// A payload-less event fed straight to handle must neither panic
	// nor emit a record.
	func() {
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("panic escaped handle: %v", r)
			}
		}()
		p.handle(context.Background(), &events.Event{EventID: "bad", Type: events.EventTypeTap, UserID: "u1"})
	}()

	// The partition keeps working afterwards.
	if _, err := p.Process(context.Background(), typingEvent("u1", time.Now(), 50)); err != nil {
		t.Fatalf("process after poisoned event: %v", err)
	}
	if sink.count() == 0 {
		t.Error("no record emitted after recovery")
	}
}

func TestUsersIsolatedAcrossPartitions(t *testing.T) {
	p, _, _ := testPipeline(t, Config{Workers: 4, QueueCapacity: 64})
	ctx := context.Background()
	base := time.Now()

	recA, err := p.Process(ctx, typingEvent("alice", base, 50))
	if err != nil {
		t.Fatalf("alice: %v", err)
	}
	recB, err := p.Process(ctx, typingEvent("bob", base, 50))
	if err != nil {
		t.Fatalf("bob: %v", err)
	}
	if recA.SampleCount != 1 || recB.SampleCount != 1 {
		t.Errorf("sample counts = %d, %d; want 1, 1", recA.SampleCount, recB.SampleCount)
	}
}

// downVerifyAuth serves questions but fails every answer verification,
// forcing the machine's degraded fallback.
type downVerifyAuth struct{ stubAuth }

func (downVerifyAuth) VerifyAnswer(_ context.Context, _ string, _ int, _ string) (bool, error) {
	return false, fmt.Errorf("credential store down")
}

func TestDegradedResolutionFlaggedOnRecord(t *testing.T) {
	extractor := features.NewExtractor(features.DefaultConfig())
	engine := anomaly.NewEngine(anomaly.DefaultConfig(), newMemStore(), nil)
	machine := risk.NewMachine(risk.DefaultConfig(), downVerifyAuth{})
	sink := &recordingSink{}
	p := New(Config{Workers: 1, QueueCapacity: 64}, extractor, engine, machine, sink, &recordingAlerts{}, zerolog.Nop())

	ctx := context.Background()
	if alert := machine.Decide(ctx, "u1", events.ModalityTap, 0.7, false); alert == nil || alert.Action != risk.ActionChallenge {
		t.Fatalf("expected a challenge alert, got %+v", alert)
	}

	outcome, err := p.RespondToChallenge(ctx, "u1", []risk.Answer{
		{Index: 0, Text: "rex"},
		{Index: 1, Text: "lisbon"},
		{Index: 2, Text: "silva"},
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if !outcome.Degraded || !outcome.Success {
		t.Fatalf("outcome = %+v, want degraded pass", outcome)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.records) != 1 {
		t.Fatalf("published %d records, want 1 resolution record", len(sink.records))
	}
	rec := sink.records[0]
	if !rec.Degraded {
		t.Error("resolution record not flagged degraded")
	}
	if rec.ActionTaken != risk.ActionContinue {
		t.Errorf("action = %q, want continue", rec.ActionTaken)
	}
	if rec.UserID != "u1" || rec.RiskLevel != "medium" {
		t.Errorf("record = %+v, want u1/medium", rec)
	}
}
