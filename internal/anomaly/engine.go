// Custodian - Continuous Behavioral Authentication Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

// Package anomaly implements the per-user online anomaly engine: min-max
// normalization, a streaming half-space forest, a statistical deviation
// scorer, warmup gating, and the blend that combines them into one bounded
// severity signal. Scoring always happens before learning on the same
// observation.
package anomaly

import (
	"context"
	"math"
	"sync"

	"github.com/tomtom215/custodian/internal/events"
	"github.com/tomtom215/custodian/internal/features"
	"github.com/tomtom215/custodian/internal/logging"
	"github.com/tomtom215/custodian/internal/metrics"
)

// Blend constants. Below coldForestFloor the forest has not seen enough
// data to be trusted and the statistical score stands alone.
const (
	coldForestFloor = 0.02
	statWeight      = 0.6
	forestWeight    = 0.4
)

// Warmup baseline: a small monotonically increasing score returned while
// the per-user baseline is still forming, capped well below the alert
// threshold.
const (
	warmupBase = 0.05
	warmupStep = 0.015
	warmupCap  = 0.15
)

// pretrainLimit bounds historical replay when recreating a lost model.
const pretrainLimit = 50

// Config holds the engine's tunables. Zero values fall back to defaults.
type Config struct {
	ForestTrees     int
	ForestHeight    int
	ForestWindow    int
	ForestSeed      int64
	StatWindow      int
	ScoreHistoryCap int
	GeoMinSamples   int

	// WarmupThresholds overrides the per-modality warmup sample counts.
	WarmupThresholds map[events.Modality]int
}

// DefaultConfig returns the standard engine parameters.
func DefaultConfig() Config {
	return Config{
		ForestTrees:     25,
		ForestHeight:    3,
		ForestWindow:    30,
		ForestSeed:      42,
		StatWindow:      15,
		ScoreHistoryCap: 100,
		GeoMinSamples:   5,
	}
}

// warmupFor returns the warmup threshold for a modality. Device signals
// are meaningful immediately; geo needs only its minimum sample count.
func (c Config) warmupFor(m events.Modality) int {
	if c.WarmupThresholds != nil {
		if v, ok := c.WarmupThresholds[m]; ok {
			return v
		}
	}
	switch m {
	case events.ModalityGeo:
		if c.GeoMinSamples > 0 {
			return c.GeoMinSamples
		}
		return 5
	case events.ModalityDevice:
		return 0
	default:
		return 20
	}
}

// Store persists model states. Implementations must make LoadOrCreate
// idempotent: two calls without an intervening Save return equivalent state.
type Store interface {
	LoadOrCreate(ctx context.Context, userID string, modality events.Modality, create func() *ModelState) (state *ModelState, created bool, err error)
	Save(ctx context.Context, state *ModelState) error
}

// HistorySource supplies bounded historical feature vectors for pretraining
// a recreated model, so a returning user skips the full cold warmup.
type HistorySource interface {
	RecentVectors(ctx context.Context, userID string, modality events.Modality, limit int) ([][]float64, error)
	AppendVector(ctx context.Context, userID string, modality events.Modality, values []float64) error
}

// Result is the outcome of one score-and-learn call.
type Result struct {
	Score       float64
	IsWarmup    bool
	SampleCount int
}

// Engine scores feature vectors against per-(user, modality) online models.
// The model map is guarded for concurrent lookups from multiple partitions;
// each ModelState is single-writer because the pipeline routes all of a
// user's events to one partition.
type Engine struct {
	cfg     Config
	store   Store
	history HistorySource // optional

	mu     sync.Mutex
	models map[string]*ModelState
}

// NewEngine creates an engine backed by the given store. history may be nil.
func NewEngine(cfg Config, store Store, history HistorySource) *Engine {
	if cfg.ForestTrees == 0 {
		cfg = DefaultConfig()
	}
	return &Engine{
		cfg:     cfg,
		store:   store,
		history: history,
		models:  make(map[string]*ModelState),
	}
}

func modelKey(userID string, m events.Modality) string {
	return userID + "\x00" + string(m)
}

// ScoreAndLearn scores a feature vector and then folds it into the model,
// in that order. Degenerate (empty or all-zero) vectors short-circuit to
// score 0 and leave the model untouched. Persistence failures are logged
// and non-fatal: the in-memory model keeps serving.
func (e *Engine) ScoreAndLearn(ctx context.Context, userID string, modality events.Modality, fv features.FeatureVector) Result {
	fv.Sanitize()
	if fv.IsDegenerate() {
		// Warmup status from the resident model if one exists; a never-seen
		// key reports warmup so no alert can fire on garbage input.
		e.mu.Lock()
		s, ok := e.models[modelKey(userID, modality)]
		e.mu.Unlock()
		if ok {
			return Result{Score: 0, IsWarmup: s.IsWarmup(), SampleCount: s.SampleCount}
		}
		return Result{Score: 0, IsWarmup: true}
	}

	state := e.loadOrCreate(ctx, userID, modality)
	values := fv.Values(modality)

	var score float64
	isWarmup := state.IsWarmup()

	switch modality {
	case events.ModalityGeo:
		score = e.scoreGeo(state, values, isWarmup)
	case events.ModalityDevice:
		score = deviceScore(values[0], values[1], values[2])
		isWarmup = false
	default:
		score = e.scoreBehavioral(state, values, isWarmup)
	}

	state.SampleCount++
	state.recordScore(score, e.cfg.ScoreHistoryCap)
	state.LastUpdated = nowUTC()

	if isWarmup {
		metrics.WarmupGated.Inc()
	}
	metrics.RecordAnomalyScore(string(modality), score)

	e.persist(ctx, state, values)

	return Result{Score: score, IsWarmup: isWarmup, SampleCount: state.SampleCount}
}

// scoreBehavioral runs the normalize/score/learn sequence for tap, swipe,
// and typing modalities.
func (e *Engine) scoreBehavioral(state *ModelState, values []float64, isWarmup bool) float64 {
	state.Normalizer.Update(values)
	normalized := state.Normalizer.Normalize(values)
	forest := state.Forest(e.cfg)

	var score float64
	if isWarmup {
		score = warmupBaseline(state.SampleCount)
	} else {
		forestScore := forest.Score(normalized)
		statScore := state.Stat.Score(values)
		score = blend(statScore, forestScore)
	}

	// Learn strictly after scoring.
	forest.Learn(normalized)
	state.Stat.Learn(values)
	return score
}

// scoreGeo scores a location fix by Mahalanobis distance from the running
// location cluster, then learns it.
func (e *Engine) scoreGeo(state *ModelState, values []float64, isWarmup bool) float64 {
	lat, lon := values[0], values[1]
	var score float64
	if isWarmup {
		score = warmupBaseline(state.SampleCount)
	} else {
		score = state.Geo.Score(lat, lon, e.cfg.GeoMinSamples)
	}
	state.Geo.Learn(lat, lon)
	return score
}

// loadOrCreate returns the resident model for a key, loading it from the
// store or creating it on first sight. A freshly created model is pretrained
// from bounded history when a history source is configured.
func (e *Engine) loadOrCreate(ctx context.Context, userID string, modality events.Modality) *ModelState {
	key := modelKey(userID, modality)
	e.mu.Lock()
	if s, ok := e.models[key]; ok {
		e.mu.Unlock()
		return s
	}
	e.mu.Unlock()

	state, created, err := e.store.LoadOrCreate(ctx, userID, modality, func() *ModelState {
		return NewModelState(e.cfg, userID, modality)
	})
	if err != nil {
		logging.Err(err).Str("user_id", userID).Str("modality", string(modality)).
			Msg("model store unavailable, continuing in-memory only")
		state = NewModelState(e.cfg, userID, modality)
		created = true
	}

	if created && e.history != nil {
		e.pretrain(ctx, state)
	}

	e.mu.Lock()
	e.models[key] = state
	metrics.ActiveModels.Set(float64(len(e.models)))
	e.mu.Unlock()
	return state
}

// pretrain replays historical vectors through learn only, no scoring, so a
// returning user whose model record was lost does not restart cold.
func (e *Engine) pretrain(ctx context.Context, state *ModelState) {
	vectors, err := e.history.RecentVectors(ctx, state.UserID, state.Modality, pretrainLimit)
	if err != nil || len(vectors) == 0 {
		return
	}
	for _, values := range vectors {
		switch state.Modality {
		case events.ModalityGeo:
			if len(values) >= 2 {
				state.Geo.Learn(values[0], values[1])
			}
		case events.ModalityDevice:
			// Device scoring is stateless.
		default:
			state.Normalizer.Update(values)
			state.Forest(e.cfg).Learn(state.Normalizer.Normalize(values))
			state.Stat.Learn(values)
		}
		state.SampleCount++
	}
	logging.Debug().Str("user_id", state.UserID).Str("modality", string(state.Modality)).
		Int("replayed", len(vectors)).Msg("pretrained model from history")
}

// persist saves the updated state and appends the raw vector to history.
// Both are best-effort; failures never interrupt the pipeline.
func (e *Engine) persist(ctx context.Context, state *ModelState, values []float64) {
	state.syncWindow()
	if err := e.store.Save(ctx, state); err != nil {
		logging.Err(err).Str("user_id", state.UserID).Str("modality", string(state.Modality)).
			Msg("model save failed, in-memory state retained")
	}
	if e.history != nil {
		if err := e.history.AppendVector(ctx, state.UserID, state.Modality, values); err != nil {
			logging.Debug().Err(err).Msg("history append failed")
		}
	}
}

// warmupBaseline returns the monotonically non-decreasing placeholder score
// emitted during warmup. It stays far below the alert threshold.
func warmupBaseline(sampleCount int) float64 {
	return math.Min(warmupBase+float64(sampleCount)*warmupStep, warmupCap)
}

// blend combines the statistical and forest scores into [0,1]. A cold
// forest defers entirely to the statistical scorer; otherwise the
// statistical scorer dominates because it is meaningful with far less
// per-user data.
func blend(statScore, forestScore float64) float64 {
	var score float64
	if forestScore < coldForestFloor {
		score = statScore
	} else {
		score = statWeight*statScore + forestWeight*math.Min(forestScore, 1.0)
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
