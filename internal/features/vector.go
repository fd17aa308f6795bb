// Custodian - Continuous Behavioral Authentication Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

// Package features turns raw behavioral events into per-modality feature
// vectors while maintaining rolling per-client state (time windows,
// categorical histograms, running means). Extraction is side-effecting on
// the state but never errors: missing payload fields coerce to zero.
package features

import (
	"math"

	"github.com/tomtom215/custodian/internal/events"
)

// FeatureVector maps a named feature to its numeric value.
// All values are finite; NaN and Inf inputs are coerced to 0.
type FeatureVector map[string]float64

// Feature name lists, one per modality, in the order the anomaly engine
// normalizes them. The order is part of model state compatibility.
var (
	TypingFeatures = []string{
		"typing_event_rate",
		"inter_typing_variability",
		"avg_user_typing_wpm",
		"avg_user_typing_duration",
		"avg_user_typing_length",
		"characters_per_second",
		"wpm_deviation",
		"duration_deviation",
		"length_deviation",
	}
	TapFeatures = []string{
		"tap_event_rate",
		"inter_tap_variability",
		"avg_user_tap_duration",
		"tap_region_entropy",
		"tap_pressure",
		"distance_from_user_mean",
		"normalized_x",
		"normalized_y",
		"is_near_edge",
		"tap_pressure_deviation",
	}
	SwipeFeatures = []string{
		"swipe_event_rate",
		"inter_swipe_variability",
		"avg_user_swipe_speed",
		"avg_user_swipe_distance",
		"swipe_direction_entropy",
		"swipe_direction_consistency",
		"distance",
		"duration",
		"angle",
	}
	GeoFeatures = []string{
		"latitude",
		"longitude",
	}
	DeviceFeatures = []string{
		"emulator_flag",
		"os_drift",
		"env_score",
	}
)

// Names returns the ordered feature list for a modality.
func Names(m events.Modality) []string {
	switch m {
	case events.ModalityTyping:
		return TypingFeatures
	case events.ModalityTap:
		return TapFeatures
	case events.ModalitySwipe:
		return SwipeFeatures
	case events.ModalityGeo:
		return GeoFeatures
	case events.ModalityDevice:
		return DeviceFeatures
	default:
		return nil
	}
}

// Get returns the value for a feature, or 0 when absent.
func (fv FeatureVector) Get(name string) float64 {
	return fv[name]
}

// Sanitize coerces NaN and Inf values to 0 in place.
func (fv FeatureVector) Sanitize() {
	for k, v := range fv {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			fv[k] = 0
		}
	}
}

// IsDegenerate reports whether every value is zero. Degenerate vectors
// short-circuit scoring and leave the model untouched.
func (fv FeatureVector) IsDegenerate() bool {
	if len(fv) == 0 {
		return true
	}
	for _, v := range fv {
		if v != 0 {
			return false
		}
	}
	return true
}

// Values returns the vector's values in the modality's canonical order,
// defaulting absent features to 0.
func (fv FeatureVector) Values(m events.Modality) []float64 {
	names := Names(m)
	out := make([]float64, len(names))
	for i, n := range names {
		out[i] = fv[n]
	}
	return out
}
