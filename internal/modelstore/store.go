// Custodian - Continuous Behavioral Authentication Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

// Package modelstore persists per-(user, modality) anomaly model states in
// BadgerDB. It implements the engine's Store and HistorySource contracts:
// load-or-create, idempotent save, bounded vector history for pretraining,
// and lightweight metadata records. All I/O runs behind a circuit breaker
// so a failing disk degrades the engine to in-memory scoring instead of
// stalling the pipeline.
package modelstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/custodian/internal/anomaly"
	"github.com/tomtom215/custodian/internal/events"
	"github.com/tomtom215/custodian/internal/logging"
	"github.com/tomtom215/custodian/internal/metrics"
)

// Key prefixes for BadgerDB storage.
const (
	modelKeyPrefix   = "model:"
	historyKeyPrefix = "hist:"
	metaKeyPrefix    = "meta:"
)

// historyCap bounds the persisted vector history per key.
const historyCap = 50

// ErrStoreUnavailable wraps any persistence failure, including an open
// circuit breaker.
var ErrStoreUnavailable = errors.New("model store unavailable")

// Metadata is the small per-key record kept beside the full model state.
type Metadata struct {
	UserID          string          `json:"user_id"`
	Modality        events.Modality `json:"modality"`
	SampleCount     int             `json:"sample_count"`
	WarmupThreshold int             `json:"warmup_threshold"`
	AvgRecentScore  float64         `json:"avg_recent_score"`
	LastScore       float64         `json:"last_score"`
	LastUpdated     time.Time       `json:"last_updated"`
}

// Store is a Badger-backed model store.
type Store struct {
	db      *badger.DB
	breaker *gobreaker.CircuitBreaker[interface{}]
}

// Open opens (or creates) the Badger database at path. An empty path opens
// an in-memory database, used by tests.
func Open(path string, syncWrites bool) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).
		WithSyncWrites(syncWrites).
		WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", path, err)
	}
	return db, nil
}

// New creates a store over an open Badger database.
func New(db *badger.DB) *Store {
	breaker := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        "modelstore",
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.SetCircuitBreakerState("model", int(to))
			logging.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("model store circuit breaker state change")
		},
	})
	return &Store{db: db, breaker: breaker}
}

func modelKey(userID string, m events.Modality) []byte {
	return []byte(modelKeyPrefix + userID + ":" + string(m))
}

func historyKey(userID string, m events.Modality) []byte {
	return []byte(historyKeyPrefix + userID + ":" + string(m))
}

func metaKey(userID string, m events.Modality) []byte {
	return []byte(metaKeyPrefix + userID + ":" + string(m))
}

// LoadOrCreate returns the persisted state for a key, or a freshly created
// one when the key has never been seen. Creation does not write; the state
// first reaches disk on Save, which keeps LoadOrCreate idempotent. A state
// persisted under an unknown serialization version is discarded and
// recreated.
func (s *Store) LoadOrCreate(ctx context.Context, userID string, modality events.Modality, create func() *anomaly.ModelState) (*anomaly.ModelState, bool, error) {
	start := time.Now()
	out, err := s.breaker.Execute(func() (interface{}, error) {
		var state *anomaly.ModelState
		err := s.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(modelKey(userID, modality))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("get model: %w", err)
			}
			return item.Value(func(val []byte) error {
				var loaded anomaly.ModelState
				if err := json.Unmarshal(val, &loaded); err != nil {
					return fmt.Errorf("unmarshal model: %w", err)
				}
				if loaded.Version != anomaly.StateVersion {
					logging.Warn().Str("user_id", userID).Str("modality", string(modality)).
						Int("version", loaded.Version).Msg("discarding model with unknown version")
					return nil
				}
				state = &loaded
				return nil
			})
		})
		return state, err
	})
	metrics.RecordStoreOperation("model", "load", time.Since(start), err)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if state, ok := out.(*anomaly.ModelState); ok && state != nil {
		return state, false, nil
	}
	return create(), true, nil
}

// Save overwrites the snapshot for the state's key and refreshes its
// metadata record in the same transaction. Idempotent.
func (s *Store) Save(ctx context.Context, state *anomaly.ModelState) error {
	start := time.Now()
	_, err := s.breaker.Execute(func() (interface{}, error) {
		data, err := json.Marshal(state)
		if err != nil {
			return nil, fmt.Errorf("marshal model: %w", err)
		}
		var avg, last float64
		if n := len(state.RecentScores); n > 0 {
			for _, s := range state.RecentScores {
				avg += s
			}
			avg /= float64(n)
			last = state.RecentScores[n-1]
		}
		meta, err := json.Marshal(Metadata{
			UserID:          state.UserID,
			Modality:        state.Modality,
			SampleCount:     state.SampleCount,
			WarmupThreshold: state.WarmupThreshold,
			AvgRecentScore:  avg,
			LastScore:       last,
			LastUpdated:     state.LastUpdated,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		return nil, s.db.Update(func(txn *badger.Txn) error {
			if err := txn.Set(modelKey(state.UserID, state.Modality), data); err != nil {
				return fmt.Errorf("set model: %w", err)
			}
			if err := txn.Set(metaKey(state.UserID, state.Modality), meta); err != nil {
				return fmt.Errorf("set metadata: %w", err)
			}
			return nil
		})
	})
	metrics.RecordStoreOperation("model", "save", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// LoadMetadata returns the metadata record for a key, or nil when absent.
func (s *Store) LoadMetadata(ctx context.Context, userID string, modality events.Modality) (*Metadata, error) {
	var meta *Metadata
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(userID, modality))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get metadata: %w", err)
		}
		return item.Value(func(val []byte) error {
			var m Metadata
			if err := json.Unmarshal(val, &m); err != nil {
				return fmt.Errorf("unmarshal metadata: %w", err)
			}
			meta = &m
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return meta, nil
}

// RecentVectors returns up to limit historical feature vectors for a key,
// oldest first.
func (s *Store) RecentVectors(ctx context.Context, userID string, modality events.Modality, limit int) ([][]float64, error) {
	var vectors [][]float64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(historyKey(userID, modality))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get history: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &vectors)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if limit > 0 && len(vectors) > limit {
		vectors = vectors[len(vectors)-limit:]
	}
	return vectors, nil
}

// AppendVector appends a raw feature vector to the key's bounded history.
func (s *Store) AppendVector(ctx context.Context, userID string, modality events.Modality, values []float64) error {
	start := time.Now()
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.db.Update(func(txn *badger.Txn) error {
			key := historyKey(userID, modality)
			var vectors [][]float64
			item, err := txn.Get(key)
			if err == nil {
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &vectors)
				}); err != nil {
					return fmt.Errorf("unmarshal history: %w", err)
				}
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("get history: %w", err)
			}

			cp := make([]float64, len(values))
			copy(cp, values)
			vectors = append(vectors, cp)
			if len(vectors) > historyCap {
				vectors = vectors[len(vectors)-historyCap:]
			}
			data, err := json.Marshal(vectors)
			if err != nil {
				return fmt.Errorf("marshal history: %w", err)
			}
			return txn.Set(key, data)
		})
	})
	metrics.RecordStoreOperation("model", "append_history", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// RunGC runs Badger value-log garbage collection until the context ends.
func (s *Store) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// ErrNoRewrite just means there was nothing to collect.
			if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				logging.Debug().Err(err).Msg("badger gc pass failed")
			}
		}
	}
}
