// Custodian - Continuous Behavioral Authentication Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

// Package sink publishes risk decision records to an external message
// broker for downstream SIEM and analytics consumers. Delivery is best
// effort: a failed publish is counted and logged but never blocks the
// scoring pipeline.
package sink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/custodian/internal/metrics"
	"github.com/tomtom215/custodian/internal/risk"
)

// Config controls the risk record sink.
type Config struct {
	// Topic is the subject risk records are published to.
	Topic string

	// MaxReconnects and ReconnectWait tune the underlying NATS client.
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig returns production sink defaults.
func DefaultConfig() Config {
	return Config{
		Topic:         "custodian.risk",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// Sink serializes risk records and hands them to a Watermill publisher.
// Publishes are wrapped in a circuit breaker so a dead broker degrades
// to counted drops instead of per-record connection timeouts.
type Sink struct {
	cfg     Config
	pub     message.Publisher
	breaker *gobreaker.CircuitBreaker[any]
	log     zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// New wraps an existing Watermill publisher. The caller keeps ownership
// of nothing: Close shuts the publisher down.
func New(cfg Config, pub message.Publisher, log zerolog.Logger) *Sink {
	if cfg.Topic == "" {
		cfg.Topic = DefaultConfig().Topic
	}
	s := &Sink{
		cfg: cfg,
		pub: pub,
		log: log.With().Str("component", "sink").Logger(),
	}
	s.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "risk-sink",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.SetCircuitBreakerState(name, int(to))
			s.log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("sink circuit breaker state changed")
		},
	})
	return s
}

// NewNATS connects to a NATS server and returns a sink publishing to it.
func NewNATS(cfg Config, url string, log zerolog.Logger) (*Sink, error) {
	wmLogger := watermill.NopLogger{}
	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("sink NATS disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("sink NATS reconnected")
		}),
	}

	pub, err := wmnats.NewPublisher(wmnats.PublisherConfig{
		URL:         url,
		NatsOptions: natsOpts,
		Marshaler:   &wmnats.NATSMarshaler{},
		JetStream: wmnats.JetStreamConfig{
			Disabled: true,
		},
	}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("create NATS publisher: %w", err)
	}

	return New(cfg, pub, log), nil
}

// PublishRecord serializes and publishes a single risk record. Errors
// are returned for the caller's accounting but should not stop event
// processing.
func (s *Sink) PublishRecord(ctx context.Context, rec *risk.RiskRecord) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("sink is closed")
	}
	s.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal risk record: %w", err)
	}

	msg := message.NewMessage(uuid.New().String(), data)
	msg.Metadata.Set("user_id", rec.UserID)
	msg.Metadata.Set("modality", string(rec.Modality))
	msg.Metadata.Set("risk_level", rec.RiskLevel)
	msg.SetContext(ctx)

	_, err = s.breaker.Execute(func() (any, error) {
		return nil, s.pub.Publish(s.cfg.Topic, msg)
	})
	if err != nil {
		metrics.SinkPublishErrors.Inc()
		s.log.Warn().Err(err).
			Str("user_id", rec.UserID).
			Str("modality", string(rec.Modality)).
			Msg("risk record publish failed")
		return err
	}

	metrics.SinkPublished.Inc()
	return nil
}

// Close shuts the underlying publisher down. Safe to call twice.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.pub.Close()
}
