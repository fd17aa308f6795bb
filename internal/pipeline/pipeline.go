// Custodian - Continuous Behavioral Authentication Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

// Package pipeline routes behavioral events through extraction, scoring, and
// risk decision. Events are partitioned by user so each user's stream is
// processed strictly in order, preserving the score-before-learn sequence.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/custodian/internal/anomaly"
	"github.com/tomtom215/custodian/internal/events"
	"github.com/tomtom215/custodian/internal/features"
	"github.com/tomtom215/custodian/internal/metrics"
	"github.com/tomtom215/custodian/internal/risk"
)

// ErrQueueSaturated is returned by Enqueue when the target partition's
// queue is full. The event is dropped, never buffered unboundedly.
var ErrQueueSaturated = errors.New("pipeline queue saturated")

// RecordPublisher receives every risk record. Sink failures are the
// publisher's problem; the pipeline only counts them.
type RecordPublisher interface {
	PublishRecord(ctx context.Context, rec *risk.RiskRecord) error
}

// AlertDeliverer pushes alerts to connected clients.
type AlertDeliverer interface {
	DeliverAlert(userID string, alert *risk.Alert)
}

// Config controls queue sizing and parallelism.
type Config struct {
	// QueueCapacity is the per-partition buffer size.
	QueueCapacity int

	// Workers is the number of partitions. Zero selects a default.
	Workers int

	// ExpiryInterval is how often pending challenges are swept for
	// timeouts. Zero disables the sweep.
	ExpiryInterval time.Duration
}

// DefaultConfig returns production pipeline defaults.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:  4096,
		Workers:        4,
		ExpiryInterval: 10 * time.Second,
	}
}

// Pipeline is the event processing core. It implements suture.Service.
type Pipeline struct {
	cfg       Config
	extractor *features.Extractor
	engine    *anomaly.Engine
	machine   *risk.Machine
	sink      RecordPublisher // optional
	alerts    AlertDeliverer  // optional
	log       zerolog.Logger

	queues []chan *events.Event

	mu      sync.Mutex
	started bool
}

// New assembles a pipeline. sink and alerts may be nil.
func New(cfg Config, extractor *features.Extractor, engine *anomaly.Engine, machine *risk.Machine, sink RecordPublisher, alerts AlertDeliverer, log zerolog.Logger) *Pipeline {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultConfig().QueueCapacity
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}

	queues := make([]chan *events.Event, cfg.Workers)
	for i := range queues {
		queues[i] = make(chan *events.Event, cfg.QueueCapacity)
	}

	return &Pipeline{
		cfg:       cfg,
		extractor: extractor,
		engine:    engine,
		machine:   machine,
		sink:      sink,
		alerts:    alerts,
		log:       log.With().Str("component", "pipeline").Logger(),
		queues:    queues,
	}
}

// partition maps a user to a worker index by FNV-1a hash. All events for
// one user land on the same partition.
func (p *Pipeline) partition(userID string) int {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return int(h.Sum32() % uint32(len(p.queues)))
}

// Enqueue validates an event and queues it for its user's partition.
// Malformed events are rejected immediately; a full partition drops the
// event rather than blocking the caller.
func (p *Pipeline) Enqueue(ev *events.Event) error {
	if err := ev.Validate(); err != nil {
		metrics.RecordEventDropped("malformed")
		p.log.Debug().Err(err).Str("user_id", ev.UserID).Msg("malformed event dropped")
		return fmt.Errorf("%w: %w", events.ErrMalformedEvent, err)
	}

	idx := p.partition(ev.UserID)
	select {
	case p.queues[idx] <- ev:
		metrics.RecordEventIngested(string(ev.Type))
		metrics.QueueDepth.Set(p.depth())
		return nil
	default:
		metrics.RecordEventDropped("saturated")
		p.log.Warn().
			Str("user_id", ev.UserID).
			Int("partition", idx).
			Msg("partition queue saturated, event dropped")
		return ErrQueueSaturated
	}
}

func (p *Pipeline) depth() float64 {
	total := 0
	for _, q := range p.queues {
		total += len(q)
	}
	return float64(total)
}

// Process runs one event through the full synchronous path: extract,
// score and learn, decide, emit. Faults are contained to this event.
func (p *Pipeline) Process(ctx context.Context, ev *events.Event) (*risk.RiskRecord, error) {
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", events.ErrMalformedEvent, err)
	}
	modality, ok := ev.Modality()
	if !ok {
		return nil, fmt.Errorf("%w: no modality for event type %q", events.ErrMalformedEvent, ev.Type)
	}

	start := time.Now()
	result := p.extractor.Extract(ev)
	score := p.engine.ScoreAndLearn(ctx, ev.UserID, modality, result.Vector)

	alert := p.machine.Decide(ctx, ev.UserID, modality, score.Score, score.IsWarmup)

	rec := &risk.RiskRecord{
		Timestamp:    time.Now().UTC(),
		UserID:       ev.UserID,
		SessionID:    ev.SessionID,
		Modality:     modality,
		AnomalyScore: score.Score,
		IsWarmup:     score.IsWarmup,
		SampleCount:  score.SampleCount,
		RiskLevel:    p.machine.SeverityFor(score.Score).String(),
		ActionTaken:  risk.ActionMonitor,
	}
	if alert != nil {
		rec.ActionTaken = alert.Action
	}

	if p.sink != nil {
		// Fire and forget; the sink logs and counts its own failures.
		_ = p.sink.PublishRecord(ctx, rec)
	}
	if alert != nil && p.alerts != nil {
		p.alerts.DeliverAlert(ev.UserID, alert)
	}

	metrics.RecordEventProcessed(string(modality), time.Since(start))
	return rec, nil
}

// RespondToChallenge forwards a challenge response to the risk machine
// and emits an audit record for the resolution, carrying the degraded
// flag when verification fell back to the plausibility check. It runs
// outside the partitioned queues because responses must not wait behind
// queued behavioral events.
func (p *Pipeline) RespondToChallenge(ctx context.Context, userID string, answers []risk.Answer) (risk.Outcome, error) {
	outcome, err := p.machine.Respond(ctx, userID, answers)
	if err != nil {
		return outcome, err
	}

	if p.sink != nil {
		level := risk.SeverityHigh
		if outcome.Success {
			level = risk.SeverityMedium
		}
		rec := &risk.RiskRecord{
			Timestamp:   time.Now().UTC(),
			UserID:      userID,
			RiskLevel:   level.String(),
			ActionTaken: outcome.Action,
			Degraded:    outcome.Degraded,
		}
		_ = p.sink.PublishRecord(ctx, rec)
	}
	return outcome, nil
}

// Serve implements suture.Service. It runs the partition workers and the
// challenge expiry sweep until the context is canceled, then drains the
// queues.
func (p *Pipeline) Serve(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("pipeline already running")
	}
	p.started = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.started = false
		p.mu.Unlock()
	}()

	var wg sync.WaitGroup
	for i, q := range p.queues {
		wg.Add(1)
		go func(idx int, queue chan *events.Event) {
			defer wg.Done()
			p.worker(ctx, idx, queue)
		}(i, q)
	}

	if p.cfg.ExpiryInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.expiryLoop(ctx)
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// String implements fmt.Stringer for supervisor logging.
func (p *Pipeline) String() string { return "pipeline" }

// worker processes one partition in strict FIFO order. On shutdown it
// drains whatever is already queued before returning.
func (p *Pipeline) worker(ctx context.Context, idx int, queue chan *events.Event) {
	for {
		select {
		case ev := <-queue:
			p.handle(ctx, ev)
			metrics.QueueDepth.Set(p.depth())
		case <-ctx.Done():
			p.drain(queue)
			return
		}
	}
}

func (p *Pipeline) drain(queue chan *events.Event) {
	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-queue:
			p.handle(drainCtx, ev)
		default:
			return
		}
	}
}

// handle wraps Process with panic containment so one poisoned event
// cannot take down a partition.
func (p *Pipeline) handle(ctx context.Context, ev *events.Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordEventDropped("panic")
			p.log.Error().
				Interface("panic", r).
				Str("user_id", ev.UserID).
				Str("event_id", ev.EventID).
				Msg("event processing panicked")
		}
	}()

	if _, err := p.Process(ctx, ev); err != nil {
		p.log.Debug().Err(err).Str("event_id", ev.EventID).Msg("event processing failed")
	}
}

// expiryLoop sweeps pending challenges for timeouts and delivers the
// resulting forced logout alerts.
func (p *Pipeline) expiryLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ExpiryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, alert := range p.machine.ExpireChallenges() {
				if p.alerts != nil {
					p.alerts.DeliverAlert(alert.UserID, alert)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
