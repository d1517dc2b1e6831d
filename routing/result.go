// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package routing

import (
	"github.com/fumi-engineer/moe-routing/tensor"
)

// DenseRouting is the dense encoding of a routing decision: a combine
// tensor plus the boolean dispatch mask derived from it. A token dropped by
// capacity (or flagged as padding) has an all-zero combine slab, so the
// expert outputs it would have mixed simply contribute nothing.
type DenseRouting struct {
	// Loss is the load-balancing auxiliary loss for this batch.
	Loss float32
	// CombineWeights has shape [tokens, experts, capacity]: the gate weight
	// at each admitted (token, expert, slot) cell, zero elsewhere.
	CombineWeights *tensor.Tensor
	// Dispatch flags which (token, expert, slot) cells carry a real
	// assignment, flat in the row-major order of CombineWeights.
	Dispatch []bool
	// Stats carries the per-call diagnostics.
	Stats Metadata
}

// DispatchAt reports whether token s occupies slot c of expert e.
func (d *DenseRouting) DispatchAt(s, e, c int) bool {
	shape := d.CombineWeights.Shape()
	return d.Dispatch[(s*shape.At(1)+e)*shape.At(2)+c]
}

// SparseRouting is the compact encoding consumed by an external dispatch
// engine: per-rank index, location, and weight lists. Locations are raw
// running counts and may meet or exceed Capacity; enforcing the capacity
// cut is the consumer's job, which is what makes the encoding cheap to
// produce.
type SparseRouting struct {
	// Loss is the load-balancing auxiliary loss for this batch.
	Loss float32
	// Stats carries the per-call diagnostics.
	Stats Metadata
	// Capacity is the per-expert slot budget the consumer must enforce.
	Capacity int
	// NumExperts is the expert count the indices refer to.
	NumExperts int
	// Indices[r][s] is token s's rank-r expert choice. Padded tokens keep
	// their raw arg-max here; their weight is what removes them.
	Indices [][]int32
	// Locations[r][s] is token s's raw slot within the chosen expert's
	// buffer, 0 for tokens with no rank-r assignment.
	Locations [][]int32
	// Weights[r][s] is the gate weight of the assignment, 0 where the
	// token has none.
	Weights [][]float32
}

// rank bundles one choice level's admission products for dense encoding.
type rank struct {
	mask      *tensor.Tensor // capacity-filtered one-hot
	locations *tensor.Tensor // slot locations, read at mask cells only
	gates     []float32      // per-token weight for this rank
}

// buildDense scatters each surviving assignment's gate weight into the
// [tokens, experts, capacity] combine tensor and derives the dispatch mask:
//
//	combine[s][e][c] = sum_r gates_r[s] * mask_r[s][e] * (locations_r[s][e] == c)
//	dispatch[s][e][c] = combine[s][e][c] != 0
func buildDense(loss float32, stats Metadata, capacity int, ranks []rank) *DenseRouting {
	shape := ranks[0].mask.Shape()
	numTokens, numExperts := shape.At(0), shape.At(1)

	combine := tensor.New(tensor.NewShape(numTokens, numExperts, capacity), tensor.F32)
	data := combine.DataPtr()
	for _, r := range ranks {
		m, loc := r.mask.DataPtr(), r.locations.DataPtr()
		for s := 0; s < numTokens; s++ {
			off := s * numExperts
			for e := 0; e < numExperts; e++ {
				if m[off+e] == 0 {
					continue
				}
				data[(off+e)*capacity+int(loc[off+e])] += r.gates[s]
			}
		}
	}

	dispatch := make([]bool, len(data))
	for i, v := range data {
		dispatch[i] = v != 0
	}
	return &DenseRouting{Loss: loss, CombineWeights: combine, Dispatch: dispatch, Stats: stats}
}
