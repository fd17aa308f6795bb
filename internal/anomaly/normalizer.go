// Custodian - Continuous Behavioral Authentication Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package anomaly

// rangeNormalizer maintains per-feature running (min, max) for one
// (user, modality) and min-max normalizes vectors into [0,1].
type rangeNormalizer struct {
	Mins []float64 `json:"mins"`
	Maxs []float64 `json:"maxs"`
	Seen bool      `json:"seen"`
}

func newRangeNormalizer(dims int) *rangeNormalizer {
	return &rangeNormalizer{
		Mins: make([]float64, dims),
		Maxs: make([]float64, dims),
	}
}

// Update widens the running ranges to cover the vector.
func (n *rangeNormalizer) Update(values []float64) {
	if !n.Seen {
		copy(n.Mins, values)
		copy(n.Maxs, values)
		n.Seen = true
		return
	}
	for i, v := range values {
		if i >= len(n.Mins) {
			break
		}
		if v < n.Mins[i] {
			n.Mins[i] = v
		}
		if v > n.Maxs[i] {
			n.Maxs[i] = v
		}
	}
}

// Normalize maps each value through (v-min)/(max-min). A collapsed range
// (min == max) yields 0.5, neutral rather than biased toward zero.
func (n *rangeNormalizer) Normalize(values []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		if i >= len(n.Mins) {
			out[i] = 0.5
			continue
		}
		span := n.Maxs[i] - n.Mins[i]
		if span == 0 {
			out[i] = 0.5
			continue
		}
		x := (v - n.Mins[i]) / span
		if x < 0 {
			x = 0
		} else if x > 1 {
			x = 1
		}
		out[i] = x
	}
	return out
}
