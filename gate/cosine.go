// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package gate

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/mat"

	"github.com/fumi-engineer/moe-routing/tensor"
)

const (
	// reducedDim is the fixed low-rank projection width for cosine scoring.
	reducedDim = 16
	// directionScale is the target L2 norm Renormalize imposes on each
	// expert direction row.
	directionScale = 1.5
	// normEps is the smallest norm used when unit-normalizing directions.
	normEps = 1e-4
	// directionGain scales the orthogonal initialization of the directions.
	directionGain = 0.32
)

// Cosine scores tokens by cosine similarity in a reduced space: embeddings
// are projected to reducedDim, then multiplied against unit-normalized
// per-expert direction rows. The low-rank bottleneck keeps routing decisions
// from keying on raw embedding magnitude.
//
// The stored direction matrix drifts in scale as the optimizer updates it;
// Renormalize rescales it back. Call Renormalize once per optimizer step
// (or before every Score to reproduce the self-normalizing training recipe).
// Score itself never mutates state.
type Cosine struct {
	reduction  *Linear
	directions *tensor.Tensor // [experts, reducedDim]
	experts    int
}

// NewCosine creates a cosine scorer with an orthogonally-initialized
// direction matrix.
func NewCosine(inFeatures, experts int) *Cosine {
	if experts <= 0 {
		panic(fmt.Sprintf("invalid expert count %d", experts))
	}
	return &Cosine{
		reduction:  NewLinear(inFeatures, reducedDim),
		directions: orthogonal(experts, reducedDim, directionGain),
		experts:    experts,
	}
}

// Renormalize rescales every expert direction row to L2 norm 1.5 in place.
// Zero rows are left untouched.
func (c *Cosine) Renormalize() {
	data := c.directions.DataPtr()
	for e := 0; e < c.experts; e++ {
		row := blas32.Vector{N: reducedDim, Inc: 1, Data: data[e*reducedDim : (e+1)*reducedDim]}
		norm := blas32.Nrm2(row)
		if norm == 0 {
			continue
		}
		blas32.Scal(directionScale/norm, row)
	}
}

// Score projects a [tokens, in_features] batch into the reduced space and
// returns [tokens, experts] cosine logits. Only the direction rows are
// unit-normalized (on a copy, with the norm clamped to normEps); the
// projected embeddings keep their magnitude. Non-finite scores are replaced
// by the minimum finite score in the batch so the downstream arg-max stays
// well-defined.
func (c *Cosine) Score(input *tensor.Tensor) *tensor.Tensor {
	reduced := c.reduction.Score(input)

	unit := c.directions.Clone()
	data := unit.DataPtr()
	for e := 0; e < c.experts; e++ {
		row := blas32.Vector{N: reducedDim, Inc: 1, Data: data[e*reducedDim : (e+1)*reducedDim]}
		norm := blas32.Nrm2(row)
		if norm < normEps {
			norm = normEps
		}
		blas32.Scal(1/norm, row)
	}

	logits := tensor.MatmulTransposedB(reduced, unit)
	repairNonFinite(logits)
	return logits
}

// Parameters returns the reduction weight and the direction matrix.
func (c *Cosine) Parameters() []*tensor.Tensor {
	return append(c.reduction.Parameters(), c.directions)
}

// repairNonFinite replaces NaN/Inf entries with the minimum finite value in
// the batch (0 if the whole batch is non-finite). NaNs here would break the
// assignment algorithm.
func repairNonFinite(logits *tensor.Tensor) {
	data := logits.DataPtr()
	minFinite := float32(math.MaxFloat32)
	bad := 0
	for _, v := range data {
		if isFinite(v) {
			if v < minFinite {
				minFinite = v
			}
		} else {
			bad++
		}
	}
	if bad == 0 {
		return
	}
	if bad == len(data) {
		minFinite = 0
	}
	for i, v := range data {
		if !isFinite(v) {
			data[i] = minFinite
		}
	}
	slog.Debug("repaired non-finite gate scores", "count", bad, "fill", minFinite)
}

func isFinite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// orthogonal returns a [rows, cols] float32 matrix whose rows (if rows <=
// cols) or columns (otherwise) are orthonormal before scaling by gain.
// Computed as the reduced QR of a random normal matrix in the tall
// orientation, with signs corrected from R's diagonal for uniqueness.
func orthogonal(rows, cols int, gain float32) *tensor.Tensor {
	m, n := rows, cols
	if m < n {
		m, n = n, m
	}
	src := mat.NewDense(m, n, nil)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			src.Set(i, j, rand.NormFloat64())
		}
	}
	var qr mat.QR
	qr.Factorize(src)
	var q, r mat.Dense
	qr.QTo(&q)
	qr.RTo(&r)

	out := tensor.New(tensor.NewShape(rows, cols), tensor.F32)
	data := out.DataPtr()
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			v := q.At(i, j)
			if r.At(j, j) < 0 {
				v = -v
			}
			if rows >= cols {
				data[i*cols+j] = float32(v) * gain
			} else {
				data[j*cols+i] = float32(v) * gain
			}
		}
	}
	return out
}
