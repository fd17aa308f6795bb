// Custodian - Continuous Behavioral Authentication Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package anomaly

import "math"

// stdEpsilon floors the running standard deviation so a perfectly constant
// history cannot divide by zero.
const stdEpsilon = 1e-6

// defaultStatScore is returned when no feature has enough history to
// produce a z-score.
const defaultStatScore = 0.1

// statScorer maintains a bounded per-feature observation window and scores
// new vectors by their worst per-feature z-score contribution. The maximum
// is taken rather than the mean: behavioral attacks typically manifest in
// one channel at a time, and averaging would dilute a single wild feature.
type statScorer struct {
	WindowCap int         `json:"window_cap"`
	Windows   [][]float64 `json:"windows"` // per feature, most recent last
}

func newStatScorer(dims, windowCap int) *statScorer {
	return &statScorer{
		WindowCap: windowCap,
		Windows:   make([][]float64, dims),
	}
}

// Score computes the blended statistical contribution for a raw vector
// against the current windows, without learning from it.
func (s *statScorer) Score(values []float64) float64 {
	best := -1.0
	for i, v := range values {
		if i >= len(s.Windows) {
			break
		}
		win := s.Windows[i]
		if len(win) < 2 {
			continue
		}
		mean, std := meanStd(win)
		if std < stdEpsilon {
			std = stdEpsilon
		}
		z := math.Abs(v-mean) / std
		c := zContribution(z)
		if c > best {
			best = c
		}
	}
	if best < 0 {
		return defaultStatScore
	}
	return best
}

// Learn appends the vector to the per-feature windows, evicting the oldest
// entries beyond the cap.
func (s *statScorer) Learn(values []float64) {
	for i, v := range values {
		if i >= len(s.Windows) {
			break
		}
		s.Windows[i] = append(s.Windows[i], v)
		if len(s.Windows[i]) > s.WindowCap {
			s.Windows[i] = s.Windows[i][len(s.Windows[i])-s.WindowCap:]
		}
	}
}

// zContribution maps a z-score to a bounded anomaly contribution.
// Near-zero below half a deviation, rising through suspicious territory,
// saturating at 1.0 past extreme deviations.
func zContribution(z float64) float64 {
	switch {
	case z <= 0.5:
		return z * 0.2
	case z <= 1.0:
		return 0.1 + (z-0.5)*0.3
	case z <= 2.0:
		return 0.25 + (z-1.0)*0.35
	default:
		return 0.6 + math.Min((z-2.0)*0.25, 0.4)
	}
}

func meanStd(samples []float64) (mean, std float64) {
	n := float64(len(samples))
	if n == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range samples {
		sum += v
	}
	mean = sum / n
	ss := 0.0
	for _, v := range samples {
		d := v - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / n)
}
