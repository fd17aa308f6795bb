// Custodian - Continuous Behavioral Authentication Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package anomaly

import (
	"time"

	"github.com/tomtom215/custodian/internal/events"
	"github.com/tomtom215/custodian/internal/features"
)

func nowUTC() time.Time { return time.Now().UTC() }

// StateVersion is the serialization version of ModelState. Bump on any
// breaking layout change; the store rejects unknown versions.
const StateVersion = 1

// ModelState is the complete per-(user, modality) model: normalization
// ranges, the forest's sliding window, the statistical scorer's windows,
// geo statistics, and bounded score history. The forest's tree structure
// is not persisted; it is rebuilt deterministically from the seed.
//
// A ModelState is exclusively owned by the worker processing its user
// partition. It is never deleted; updates replace it in place.
type ModelState struct {
	Version         int              `json:"version"`
	UserID          string           `json:"user_id"`
	Modality        events.Modality  `json:"modality"`
	SampleCount     int              `json:"sample_count"`
	WarmupThreshold int              `json:"warmup_threshold"`
	Seed            int64            `json:"seed"`
	Normalizer      *rangeNormalizer `json:"normalizer"`
	ForestWindow    [][]float64      `json:"forest_window"`
	Stat            *statScorer      `json:"stat"`
	Geo             *geoScorer       `json:"geo,omitempty"`
	RecentScores    []float64        `json:"recent_scores"`
	LastUpdated     time.Time        `json:"last_updated"`

	forest *Forest
}

// NewModelState creates a fresh model for a never-seen (user, modality) key.
func NewModelState(cfg Config, userID string, modality events.Modality) *ModelState {
	dims := len(features.Names(modality))
	s := &ModelState{
		Version:         StateVersion,
		UserID:          userID,
		Modality:        modality,
		WarmupThreshold: cfg.warmupFor(modality),
		Seed:            cfg.ForestSeed,
		Normalizer:      newRangeNormalizer(dims),
		Stat:            newStatScorer(dims, cfg.StatWindow),
		LastUpdated:     time.Now().UTC(),
	}
	if modality == events.ModalityGeo {
		s.Geo = &geoScorer{}
	}
	return s
}

// Forest returns the runtime forest, rebuilding it from the persisted
// window on first access after deserialization.
func (s *ModelState) Forest(cfg Config) *Forest {
	if s.forest == nil {
		dims := len(features.Names(s.Modality))
		s.forest = NewForest(s.Seed, cfg.ForestTrees, cfg.ForestHeight, cfg.ForestWindow, dims)
		if len(s.ForestWindow) > 0 {
			s.forest.Restore(s.ForestWindow)
		}
	}
	return s.forest
}

// syncWindow copies the runtime forest window into the serializable field.
// Called before every save.
func (s *ModelState) syncWindow() {
	if s.forest != nil {
		s.ForestWindow = s.forest.Window()
	}
}

// IsWarmup reports whether the model is still establishing its baseline.
func (s *ModelState) IsWarmup() bool {
	return s.SampleCount < s.WarmupThreshold
}

// recordScore appends to the bounded score history.
func (s *ModelState) recordScore(score float64, limit int) {
	s.RecentScores = append(s.RecentScores, score)
	if limit > 0 && len(s.RecentScores) > limit {
		s.RecentScores = s.RecentScores[len(s.RecentScores)-limit:]
	}
}
