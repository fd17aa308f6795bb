// Custodian - Continuous Behavioral Authentication Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package anomaly

import "math"

// geoMinSamplesDefault is the number of location fixes needed before the
// Mahalanobis distance is meaningful.
const geoMinSamplesDefault = 5

// geoDistanceScale converts a Mahalanobis distance to a [0,1] score.
const geoDistanceScale = 10.0

// geoScorer tracks a running bivariate mean/covariance of (latitude,
// longitude) and scores new fixes by Mahalanobis distance from the
// established location cluster.
type geoScorer struct {
	N     int     `json:"n"`
	SumX  float64 `json:"sum_x"`
	SumY  float64 `json:"sum_y"`
	SumXX float64 `json:"sum_xx"`
	SumYY float64 `json:"sum_yy"`
	SumXY float64 `json:"sum_xy"`
}

// Score returns min(mahalanobis/10, 1) for a fix, or 0 before enough
// samples have accumulated.
func (g *geoScorer) Score(lat, lon float64, minSamples int) float64 {
	if minSamples <= 0 {
		minSamples = geoMinSamplesDefault
	}
	if g.N < minSamples {
		return 0
	}
	n := float64(g.N)
	meanX := g.SumX / n
	meanY := g.SumY / n
	varX := g.SumXX/n - meanX*meanX
	varY := g.SumYY/n - meanY*meanY
	covXY := g.SumXY/n - meanX*meanY

	// Regularize a degenerate covariance (all fixes identical).
	if varX < 1e-9 {
		varX = 1e-9
	}
	if varY < 1e-9 {
		varY = 1e-9
	}
	det := varX*varY - covXY*covXY
	if det < 1e-18 {
		det = 1e-18
	}

	dx := lat - meanX
	dy := lon - meanY
	// Inverse of the 2x2 covariance applied to the deviation.
	d2 := (varY*dx*dx - 2*covXY*dx*dy + varX*dy*dy) / det
	if d2 < 0 {
		d2 = 0
	}
	dist := math.Sqrt(d2)
	return math.Min(dist/geoDistanceScale, 1.0)
}

// Learn folds a fix into the running statistics.
func (g *geoScorer) Learn(lat, lon float64) {
	g.N++
	g.SumX += lat
	g.SumY += lon
	g.SumXX += lat * lat
	g.SumYY += lon * lon
	g.SumXY += lat * lon
}

// deviceScore maps device drift signals to a [0,1] score as the fraction of
// raised flags: emulator detected, OS drift beyond 0.2, environment score
// below 0.4.
func deviceScore(emulatorFlag, osDrift, envScore float64) float64 {
	flags := 0.0
	if emulatorFlag >= 1 {
		flags++
	}
	if osDrift > 0.2 {
		flags++
	}
	if envScore < 0.4 {
		flags++
	}
	return flags / 3.0
}
