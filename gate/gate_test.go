// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package gate

// Tests for the gate scorers.
//
// Testing philosophy: drive the scorers through their exported surface with
// known weights, so expected scores can be written down by hand. Random
// initialization is only exercised where its statistical properties are the
// contract (orthogonality, norm).

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fumi-engineer/moe-routing/tensor"
)

// Linear scorer with a known weight matrix: logits = x @ W^T.
func TestLinearScoreKnownWeights(t *testing.T) {
	l := NewLinear(2, 3)
	copy(l.weight.DataPtr(), []float32{
		1, 0,
		0, 1,
		1, 1,
	})

	input := tensor.FromSlice([]float32{1, 2, 3, 4}, tensor.NewShape(2, 2))
	out := l.Score(input)

	require.True(t, out.Shape().Equal(tensor.NewShape(2, 3)), "got shape %v", out.Shape())
	assert.Equal(t, []float32{1, 2, 3, 3, 4, 7}, out.Data())
}

func TestLinearParameters(t *testing.T) {
	l := NewLinear(4, 2)
	params := l.Parameters()
	require.Len(t, params, 1)
	assert.True(t, params[0].Shape().Equal(tensor.NewShape(2, 4)))
}

// Kaiming init: weight std should be near sqrt(2/in).
func TestLinearInitScale(t *testing.T) {
	l := NewLinear(512, 64)
	data := l.weight.DataPtr()
	sumSq := float32(0)
	for _, v := range data {
		sumSq += v * v
	}
	std := tensor.SqrtF32(sumSq / float32(len(data)))
	want := tensor.SqrtF32(2.0 / 512)
	assert.InDelta(t, want, std, float64(want)*0.15)
}

func TestLinearRejectsBadDims(t *testing.T) {
	assert.Panics(t, func() { NewLinear(0, 4) })
	assert.Panics(t, func() { NewLinear(4, 0) })
}

func TestLinearRejectsShapeMismatch(t *testing.T) {
	l := NewLinear(4, 2)
	assert.Panics(t, func() {
		l.Score(tensor.FromSlice([]float32{1, 2, 3}, tensor.NewShape(1, 3)))
	})
	assert.Panics(t, func() {
		l.Score(tensor.FromSlice([]float32{1, 2, 3, 4}, tensor.NewShape(4)))
	})
}

// Orthogonal init: direction rows mutually orthogonal, each with norm equal
// to the init gain.
func TestCosineDirectionsOrthogonal(t *testing.T) {
	c := NewCosine(32, 4)
	d := c.directions.DataPtr()

	for i := 0; i < 4; i++ {
		normSq := float32(0)
		for k := 0; k < reducedDim; k++ {
			normSq += d[i*reducedDim+k] * d[i*reducedDim+k]
		}
		assert.InDelta(t, directionGain, tensor.SqrtF32(normSq), 1e-3, "row %d norm", i)

		for j := i + 1; j < 4; j++ {
			dot := float32(0)
			for k := 0; k < reducedDim; k++ {
				dot += d[i*reducedDim+k] * d[j*reducedDim+k]
			}
			assert.InDelta(t, 0, dot, 1e-4, "rows %d and %d not orthogonal", i, j)
		}
	}
}

// Cosine scorer with known reduction and directions. The reduction maps
// x -> (x0, x1, 0, ...); directions are axis-aligned, so after unit
// normalization the scores are just the reduced coordinates.
func TestCosineScoreKnownDirections(t *testing.T) {
	c := NewCosine(2, 2)
	// reduction weight is [reducedDim, 2]: row 0 picks x0, row 1 picks x1.
	w := c.reduction.weight.DataPtr()
	for i := range w {
		w[i] = 0
	}
	w[0] = 1 // row 0 <- x0
	w[3] = 1 // row 1 <- x1
	// directions: expert 0 along axis 0 (scaled), expert 1 along -axis 1.
	d := c.directions.DataPtr()
	for i := range d {
		d[i] = 0
	}
	d[0] = 2
	d[reducedDim+1] = -3

	input := tensor.FromSlice([]float32{5, 7, -1, 4}, tensor.NewShape(2, 2))
	out := c.Score(input)

	require.True(t, out.Shape().Equal(tensor.NewShape(2, 2)), "got shape %v", out.Shape())
	got := out.Data()
	assert.InDelta(t, 5, got[0], 1e-5)
	assert.InDelta(t, -7, got[1], 1e-5)
	assert.InDelta(t, -1, got[2], 1e-5)
	assert.InDelta(t, -4, got[3], 1e-5)
}

// Renormalize rescales each direction row to the target norm without
// changing its orientation.
func TestCosineRenormalize(t *testing.T) {
	c := NewCosine(8, 3)
	d := c.directions.DataPtr()
	for i := range d {
		d[i] = 0
	}
	d[0] = 4                  // expert 0: norm 4 along axis 0
	d[reducedDim+1] = -0.001  // expert 1: tiny norm
	d[2*reducedDim+2] = 1.5   // expert 2: already at target

	c.Renormalize()

	assert.InDelta(t, directionScale, d[0], 1e-5)
	assert.InDelta(t, -directionScale, d[reducedDim+1], 1e-5)
	assert.InDelta(t, directionScale, d[2*reducedDim+2], 1e-5)
}

// A zero direction row has no orientation to preserve; Renormalize must
// leave it untouched rather than erupt in NaNs.
func TestCosineRenormalizeZeroRow(t *testing.T) {
	c := NewCosine(8, 2)
	d := c.directions.DataPtr()
	for i := range d {
		d[i] = 0
	}
	d[reducedDim] = 1

	c.Renormalize()

	for k := 0; k < reducedDim; k++ {
		assert.Equal(t, float32(0), d[k], "zero row changed at %d", k)
	}
	assert.InDelta(t, directionScale, d[reducedDim], 1e-5)
}

// Overflowing inputs produce non-finite scores; the scorer must repair them
// to finite values so downstream softmax never sees NaN.
func TestCosineScoreRepairsNonFinite(t *testing.T) {
	c := NewCosine(2, 2)
	w := c.reduction.weight.DataPtr()
	for i := range w {
		w[i] = 3.0e38 // reduction overflows float32 for any non-tiny input
	}

	input := tensor.FromSlice([]float32{1e5, 1e5, 1, 1}, tensor.NewShape(2, 2))
	out := c.Score(input).Data()

	for i, v := range out {
		assert.True(t, v == v, "NaN at %d", i)
		assert.False(t, v > math.MaxFloat32 || v < -math.MaxFloat32, "Inf at %d: %g", i, v)
	}
}

func TestCosineParameters(t *testing.T) {
	c := NewCosine(16, 4)
	params := c.Parameters()
	require.Len(t, params, 2)
	assert.True(t, params[0].Shape().Equal(tensor.NewShape(reducedDim, 16)))
	assert.True(t, params[1].Shape().Equal(tensor.NewShape(4, reducedDim)))
}
