// Custodian - Continuous Behavioral Authentication Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package features

import (
	"math"
	"sync"

	"github.com/tomtom215/custodian/internal/events"
)

// Config controls extraction thresholds.
type Config struct {
	WindowSec       int     // sliding rate window, seconds
	RateThreshold   float64 // events/second above which frequency is unusual
	EdgeThresholdPx float64 // pixels from a screen boundary that count as "near edge"
	WPMLowerBound   float64
	WPMUpperBound   float64
}

// DefaultConfig returns the standard extraction thresholds.
func DefaultConfig() Config {
	return Config{
		WindowSec:       5,
		RateThreshold:   5.0,
		EdgeThresholdPx: 10,
		WPMLowerBound:   10,
		WPMUpperBound:   120,
	}
}

// Aux carries contextual signals that accompany a vector but do not feed
// the anomaly model, keeping model input dimensionality fixed. They
// surface in logs and risk records.
type Aux struct {
	IsUnusualFrequency bool
	IsUnusualWPM       bool
	SequenceEntropy    float64
	FieldEntropy       float64

	// Tap: distance from the screen center, normalized to the half
	// diagonal. Zero when screen dimensions are unknown.
	DistanceFromCenter float64

	// Swipe: quadrant transition and shape flags.
	StartRegion      string
	EndRegion        string
	RegionTransition string
	IsCrossScreen    bool
	IsDiagonal       bool
	// StartDeviation is the distance of the swipe origin from the
	// user's running mean start location, zero on the first swipe.
	StartDeviation float64
}

// Result is one extraction outcome.
type Result struct {
	Modality events.Modality
	Vector   FeatureVector
	Aux      Aux
}

// Extractor converts events into feature vectors, maintaining rolling state
// per (user, client). The states map is guarded for concurrent lookups from
// multiple partitions; each ClientState itself is single-writer because the
// pipeline routes all of a user's events to one partition.
type Extractor struct {
	cfg Config

	mu     sync.Mutex
	states map[string]*ClientState
}

// NewExtractor creates an extractor with the given thresholds.
func NewExtractor(cfg Config) *Extractor {
	if cfg.WindowSec <= 0 {
		cfg.WindowSec = 5
	}
	if cfg.RateThreshold <= 0 {
		cfg.RateThreshold = 5.0
	}
	return &Extractor{cfg: cfg, states: make(map[string]*ClientState)}
}

// StateFor returns the rolling state for a (user, client) pair,
// creating it on first use.
func (e *Extractor) StateFor(userID, clientID string) *ClientState {
	key := userID + "\x00" + clientID
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.states[key]
	if !ok {
		s = NewClientState(userID, clientID)
		e.states[key] = s
	}
	return s
}

// Extract computes the feature vector for an event and updates rolling state.
// It never fails: missing payload fields coerce to zero and the returned
// vector is always sanitized.
func (e *Extractor) Extract(ev *events.Event) Result {
	modality, _ := ev.Modality()
	state := e.StateFor(ev.UserID, ev.ClientID)

	w := state.window(modality)
	w.Observe(ev.Timestamp, e.cfg.WindowSec)
	state.ModalitySeq.Add(string(modality))

	var fv FeatureVector
	aux := Aux{SequenceEntropy: state.ModalitySeq.Entropy()}

	switch modality {
	case events.ModalityTap:
		fv = e.extractTap(ev, state, w, &aux)
	case events.ModalitySwipe:
		fv = e.extractSwipe(ev, state, w, &aux)
	case events.ModalityTyping:
		fv = e.extractTyping(ev, state, w, &aux)
	case events.ModalityGeo:
		fv = extractGeo(ev)
	case events.ModalityDevice:
		fv = extractDevice(ev)
	default:
		fv = FeatureVector{}
	}

	rate := w.Rate(e.cfg.WindowSec)
	aux.IsUnusualFrequency = rate > e.cfg.RateThreshold
	aux.FieldEntropy = state.FocusedFields.Entropy()

	fv.Sanitize()
	return Result{Modality: modality, Vector: fv, Aux: aux}
}

func (e *Extractor) extractTap(ev *events.Event, s *ClientState, w *modalityWindow, aux *Aux) FeatureVector {
	p := ev.Tap
	if p == nil {
		p = &events.TapPayload{}
	}

	// Pressure proxy from duration when the platform reports none.
	pressure := p.Pressure
	if pressure == 0 && p.DurationMs > 0 {
		pressure = math.Min(p.DurationMs/500.0, 1.0)
	}

	var normX, normY float64
	nearEdge := 0.0
	if p.ScreenWidth > 0 && p.ScreenHeight > 0 {
		normX = p.X / p.ScreenWidth
		normY = p.Y / p.ScreenHeight
		if p.X <= e.cfg.EdgeThresholdPx || p.Y <= e.cfg.EdgeThresholdPx ||
			p.ScreenWidth-p.X <= e.cfg.EdgeThresholdPx || p.ScreenHeight-p.Y <= e.cfg.EdgeThresholdPx {
			nearEdge = 1.0
		}
		halfDiag := math.Hypot(p.ScreenWidth/2, p.ScreenHeight/2)
		aux.DistanceFromCenter = math.Hypot(p.X-p.ScreenWidth/2, p.Y-p.ScreenHeight/2) / halfDiag
	}
	s.TapRegions.Add(quadrant(p.X, p.Y, p.ScreenWidth, p.ScreenHeight))

	// Deviations are measured against the mean of prior samples.
	distFromMean := 0.0
	if s.TapX.Count > 0 {
		dx := p.X - s.TapX.Mean()
		dy := p.Y - s.TapY.Mean()
		distFromMean = math.Hypot(dx, dy)
	}
	pressureDev := s.TapPressure.Deviation(pressure)

	s.TapX.Add(p.X)
	s.TapY.Add(p.Y)
	s.TapDuration.Add(p.DurationMs)
	s.TapPressure.Add(pressure)

	return FeatureVector{
		"tap_event_rate":          w.Rate(e.cfg.WindowSec),
		"inter_tap_variability":   w.Variability(),
		"avg_user_tap_duration":   s.TapDuration.Mean(),
		"tap_region_entropy":      s.TapRegions.Entropy(),
		"tap_pressure":            pressure,
		"distance_from_user_mean": distFromMean,
		"normalized_x":            normX,
		"normalized_y":            normY,
		"is_near_edge":            nearEdge,
		"tap_pressure_deviation":  pressureDev,
	}
}

func (e *Extractor) extractSwipe(ev *events.Event, s *ClientState, w *modalityWindow, aux *Aux) FeatureVector {
	p := ev.Swipe
	if p == nil {
		p = &events.SwipePayload{}
	}

	dx := p.EndX - p.StartX
	dy := p.EndY - p.StartY
	distance := p.DistancePx
	if distance == 0 {
		distance = math.Hypot(dx, dy)
	}
	durationSec := p.DurationMs / 1000.0
	speed := 0.0
	if durationSec > 0 {
		speed = distance / durationSec
	}
	angle := math.Atan2(dy, dx) * 180 / math.Pi

	direction := p.Direction
	if direction == "" {
		direction = cardinalDirection(dx, dy)
	}
	s.SwipeDirections.Add(direction)

	// Both axes contributing comparably marks a diagonal gesture.
	if dx != 0 || dy != 0 {
		lo, hi := math.Abs(dx), math.Abs(dy)
		if lo > hi {
			lo, hi = hi, lo
		}
		aux.IsDiagonal = lo/hi > 0.5
	}

	aux.StartRegion = quadrant(p.StartX, p.StartY, p.ScreenWidth, p.ScreenHeight)
	aux.EndRegion = quadrant(p.EndX, p.EndY, p.ScreenWidth, p.ScreenHeight)
	aux.RegionTransition = aux.StartRegion + "->" + aux.EndRegion
	if p.ScreenWidth > 0 && p.ScreenHeight > 0 {
		aux.IsCrossScreen = math.Abs(dx) > p.ScreenWidth/2 || math.Abs(dy) > p.ScreenHeight/2
	}

	// Start-location drift against the user's running mean origin.
	if s.SwipeStartX.Count > 0 {
		aux.StartDeviation = math.Hypot(p.StartX-s.SwipeStartX.Mean(), p.StartY-s.SwipeStartY.Mean())
	}

	s.SwipeSpeed.Add(speed)
	s.SwipeDistance.Add(distance)
	s.SwipeStartX.Add(p.StartX)
	s.SwipeStartY.Add(p.StartY)

	return FeatureVector{
		"swipe_event_rate":            w.Rate(e.cfg.WindowSec),
		"inter_swipe_variability":     w.Variability(),
		"avg_user_swipe_speed":        s.SwipeSpeed.Mean(),
		"avg_user_swipe_distance":     s.SwipeDistance.Mean(),
		"swipe_direction_entropy":     s.SwipeDirections.Entropy(),
		"swipe_direction_consistency": s.SwipeDirections.Consistency(),
		"distance":                    distance,
		"duration":                    p.DurationMs,
		"angle":                       angle,
	}
}

func (e *Extractor) extractTyping(ev *events.Event, s *ClientState, w *modalityWindow, aux *Aux) FeatureVector {
	p := ev.Typing
	if p == nil {
		p = &events.TypingPayload{}
	}

	if p.Field != "" {
		s.FocusedFields.Add(p.Field)
	} else {
		s.FocusedFields.Add("unknown")
	}

	cps := 0.0
	if p.DurationMs > 0 {
		cps = float64(p.Length) / (p.DurationMs / 1000.0)
	}
	aux.IsUnusualWPM = p.WPM > 0 && (p.WPM < e.cfg.WPMLowerBound || p.WPM > e.cfg.WPMUpperBound)

	wpmDev := s.TypingWPM.Deviation(p.WPM)
	durDev := s.TypingDuration.Deviation(p.DurationMs)
	lenDev := s.TypingLength.Deviation(float64(p.Length))

	s.TypingWPM.Add(p.WPM)
	s.TypingDuration.Add(p.DurationMs)
	s.TypingLength.Add(float64(p.Length))

	return FeatureVector{
		"typing_event_rate":        w.Rate(e.cfg.WindowSec),
		"inter_typing_variability": w.Variability(),
		"avg_user_typing_wpm":      s.TypingWPM.Mean(),
		"avg_user_typing_duration": s.TypingDuration.Mean(),
		"avg_user_typing_length":   s.TypingLength.Mean(),
		"characters_per_second":    cps,
		"wpm_deviation":            wpmDev,
		"duration_deviation":       durDev,
		"length_deviation":         lenDev,
	}
}

func extractGeo(ev *events.Event) FeatureVector {
	p := ev.Geo
	if p == nil {
		p = &events.GeoPayload{}
	}
	return FeatureVector{
		"latitude":  p.Latitude,
		"longitude": p.Longitude,
	}
}

func extractDevice(ev *events.Event) FeatureVector {
	p := ev.Device
	if p == nil {
		p = &events.DevicePayload{}
	}
	emulator := 0.0
	if p.EmulatorFlag {
		emulator = 1.0
	}
	return FeatureVector{
		"emulator_flag": emulator,
		"os_drift":      p.OSDrift,
		"env_score":     p.EnvScore,
	}
}

// quadrant maps a point to a screen quadrant label. Unknown screen
// dimensions produce "unknown" rather than a misleading region.
func quadrant(x, y, width, height float64) string {
	if width <= 0 || height <= 0 {
		return "unknown"
	}
	left := x < width/2
	top := y < height/2
	switch {
	case top && left:
		return "top_left"
	case top && !left:
		return "top_right"
	case !top && left:
		return "bottom_left"
	default:
		return "bottom_right"
	}
}

// cardinalDirection maps a displacement to one of four directions by the
// dominant axis. Screen coordinates grow downward.
func cardinalDirection(dx, dy float64) string {
	if dx == 0 && dy == 0 {
		return "none"
	}
	if math.Abs(dx) >= math.Abs(dy) {
		if dx > 0 {
			return "right"
		}
		return "left"
	}
	if dy > 0 {
		return "down"
	}
	return "up"
}
