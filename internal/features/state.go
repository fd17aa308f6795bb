// Custodian - Continuous Behavioral Authentication Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package features

import (
	"math"
	"time"

	"github.com/tomtom215/custodian/internal/events"
)

// historyCap bounds every fixed-length sample list in client state.
const historyCap = 20

// runningMean is an incrementally updated arithmetic mean.
type runningMean struct {
	Sum   float64 `json:"sum"`
	Count int     `json:"count"`
}

func (r *runningMean) Add(v float64) {
	r.Sum += v
	r.Count++
}

func (r *runningMean) Mean() float64 {
	if r.Count == 0 {
		return 0
	}
	return r.Sum / float64(r.Count)
}

// Deviation returns |v - mean|, or 0 before the first sample.
func (r *runningMean) Deviation(v float64) float64 {
	if r.Count == 0 {
		return 0
	}
	return math.Abs(v - r.Mean())
}

// boundedLabels is a fixed-length list of recent categorical labels.
// Histograms are computed over the retained labels, which keeps per-client
// memory constant regardless of label cardinality.
type boundedLabels struct {
	Labels []string `json:"labels"`
}

func (b *boundedLabels) Add(label string) {
	b.Labels = append(b.Labels, label)
	if len(b.Labels) > historyCap {
		b.Labels = b.Labels[len(b.Labels)-historyCap:]
	}
}

// Histogram returns label counts over the retained window.
func (b *boundedLabels) Histogram() map[string]int {
	h := make(map[string]int, len(b.Labels))
	for _, l := range b.Labels {
		h[l]++
	}
	return h
}

// Entropy returns the Shannon entropy (base 2) of the retained labels.
func (b *boundedLabels) Entropy() float64 {
	return shannonEntropy(b.Histogram())
}

// Consistency returns the share of the most common label, or 0 when empty.
func (b *boundedLabels) Consistency() float64 {
	h := b.Histogram()
	if len(b.Labels) == 0 {
		return 0
	}
	best := 0
	for _, c := range h {
		if c > best {
			best = c
		}
	}
	return float64(best) / float64(len(b.Labels))
}

// modalityWindow tracks recent event timestamps and inter-event deltas
// for one modality on one client.
type modalityWindow struct {
	Timestamps []time.Time `json:"timestamps"`
	LastEvent  time.Time   `json:"last_event"`
	Deltas     []float64   `json:"deltas"` // seconds, bounded
}

// Observe records an event time, prunes the rate window, and appends the
// inter-event delta. windowSec bounds the rate window.
func (w *modalityWindow) Observe(ts time.Time, windowSec int) {
	if !w.LastEvent.IsZero() {
		delta := ts.Sub(w.LastEvent).Seconds()
		if delta >= 0 {
			w.Deltas = append(w.Deltas, delta)
			if len(w.Deltas) > historyCap {
				w.Deltas = w.Deltas[len(w.Deltas)-historyCap:]
			}
		}
	}
	w.LastEvent = ts

	w.Timestamps = append(w.Timestamps, ts)
	cutoff := ts.Add(-time.Duration(windowSec) * time.Second)
	keep := w.Timestamps[:0]
	for _, t := range w.Timestamps {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	w.Timestamps = keep
}

// Rate returns events per second over the window.
func (w *modalityWindow) Rate(windowSec int) float64 {
	if windowSec <= 0 {
		return 0
	}
	return float64(len(w.Timestamps)) / float64(windowSec)
}

// Variability returns the standard deviation of inter-event deltas.
func (w *modalityWindow) Variability() float64 {
	return stddev(w.Deltas)
}

// ClientState holds all rolling aggregates for one (user, client) pair.
// It is mutated only by the worker that owns the user's partition.
type ClientState struct {
	UserID   string `json:"user_id"`
	ClientID string `json:"client_id"`

	Windows map[events.Modality]*modalityWindow `json:"windows"`

	// Categorical histograms.
	TapRegions      boundedLabels `json:"tap_regions"`
	SwipeDirections boundedLabels `json:"swipe_directions"`
	FocusedFields   boundedLabels `json:"focused_fields"`
	ModalitySeq     boundedLabels `json:"modality_seq"`

	// Per-user running aggregates.
	TapX        runningMean `json:"tap_x"`
	TapY        runningMean `json:"tap_y"`
	TapDuration runningMean `json:"tap_duration"`
	TapPressure runningMean `json:"tap_pressure"`

	SwipeSpeed    runningMean `json:"swipe_speed"`
	SwipeDistance runningMean `json:"swipe_distance"`
	SwipeStartX   runningMean `json:"swipe_start_x"`
	SwipeStartY   runningMean `json:"swipe_start_y"`

	TypingWPM      runningMean `json:"typing_wpm"`
	TypingDuration runningMean `json:"typing_duration"`
	TypingLength   runningMean `json:"typing_length"`
}

// NewClientState returns an empty state for a (user, client) pair.
func NewClientState(userID, clientID string) *ClientState {
	return &ClientState{
		UserID:   userID,
		ClientID: clientID,
		Windows:  make(map[events.Modality]*modalityWindow),
	}
}

func (s *ClientState) window(m events.Modality) *modalityWindow {
	w, ok := s.Windows[m]
	if !ok {
		w = &modalityWindow{}
		s.Windows[m] = w
	}
	return w
}

// shannonEntropy computes base-2 entropy over a categorical histogram.
func shannonEntropy(hist map[string]int) float64 {
	total := 0
	for _, c := range hist {
		total += c
	}
	if total == 0 {
		return 0
	}
	entropy := 0.0
	for _, c := range hist {
		if c == 0 {
			continue
		}
		p := float64(c) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// stddev computes the population standard deviation of samples.
func stddev(samples []float64) float64 {
	n := len(samples)
	if n < 2 {
		return 0
	}
	sum := 0.0
	for _, v := range samples {
		sum += v
	}
	mean := sum / float64(n)
	ss := 0.0
	for _, v := range samples {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(n))
}
