// Custodian - Continuous Behavioral Authentication Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package anomaly

import (
	"math/rand"
)

// Forest is a streaming half-space tree ensemble over normalized feature
// vectors in [0,1]^d. Tree structure is fixed at construction from the seed;
// only the sliding window of recent points changes. Scoring a point measures
// how isolated it is from the windowed mass across the ensemble.
//
// Determinism: the same seed, dimensionality, and insertion sequence always
// produce the same scores.
type Forest struct {
	seed      int64
	dims      int
	height    int
	windowCap int

	trees  []*hsTree
	window [][]float64 // ring of most recent points, oldest first
}

// hsTree is one randomized space-partitioning tree. Internal nodes are
// stored as a heap array; leaves carry the mass of windowed points routed
// to them.
type hsTree struct {
	splitDim []int     // per internal node
	splitVal []float64 // per internal node
	mass     []int     // per leaf
	height   int
}

// NewForest builds a seeded ensemble. dims must match the modality's
// feature-vector length.
func NewForest(seed int64, trees, height, windowCap, dims int) *Forest {
	f := &Forest{
		seed:      seed,
		dims:      dims,
		height:    height,
		windowCap: windowCap,
		trees:     make([]*hsTree, trees),
	}
	for i := range f.trees {
		f.trees[i] = newHSTree(rand.New(rand.NewSource(seed+int64(i))), height, dims)
	}
	return f
}

func newHSTree(rng *rand.Rand, height, dims int) *hsTree {
	internal := (1 << height) - 1
	t := &hsTree{
		splitDim: make([]int, internal),
		splitVal: make([]float64, internal),
		mass:     make([]int, 1<<height),
		height:   height,
	}
	for i := 0; i < internal; i++ {
		t.splitDim[i] = rng.Intn(dims)
		t.splitVal[i] = rng.Float64()
	}
	return t
}

// leaf routes a point to its leaf index.
func (t *hsTree) leaf(point []float64) int {
	node := 0
	for depth := 0; depth < t.height; depth++ {
		d := t.splitDim[node]
		v := 0.0
		if d < len(point) {
			v = point[d]
		}
		if v < t.splitVal[node] {
			node = 2*node + 1
		} else {
			node = 2*node + 2
		}
	}
	return node - ((1 << t.height) - 1)
}

// Score returns an isolation score in [0,1] for a point against the current
// window. Higher means more isolated. An empty window scores 0, which the
// blend treats as a cold forest.
func (f *Forest) Score(point []float64) float64 {
	n := len(f.window)
	if n == 0 {
		return 0
	}
	total := 0.0
	for _, t := range f.trees {
		mass := t.mass[t.leaf(point)]
		total += 1.0 - float64(mass)/float64(n)
	}
	score := total / float64(len(f.trees))
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// Learn inserts a point into the sliding window, evicting the oldest when
// the window is full, and updates per-tree leaf masses incrementally.
func (f *Forest) Learn(point []float64) {
	if len(f.window) == f.windowCap {
		oldest := f.window[0]
		f.window = f.window[1:]
		for _, t := range f.trees {
			t.mass[t.leaf(oldest)]--
		}
	}
	cp := make([]float64, len(point))
	copy(cp, point)
	f.window = append(f.window, cp)
	for _, t := range f.trees {
		t.mass[t.leaf(cp)]++
	}
}

// Window returns the current window contents, oldest first. The returned
// slices are live; callers must not mutate them.
func (f *Forest) Window() [][]float64 {
	return f.window
}

// WindowSize returns the number of points currently windowed.
func (f *Forest) WindowSize() int {
	return len(f.window)
}

// Restore replaces the window with persisted points, replaying leaf masses.
// Points beyond the window capacity keep only the most recent.
func (f *Forest) Restore(points [][]float64) {
	f.window = nil
	for _, t := range f.trees {
		for i := range t.mass {
			t.mass[i] = 0
		}
	}
	start := 0
	if len(points) > f.windowCap {
		start = len(points) - f.windowCap
	}
	for _, p := range points[start:] {
		f.Learn(p)
	}
}
