// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package routing

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/fumi-engineer/moe-routing/tensor"
)

// Machine epsilons clamping renormalization denominators, per precision.
const (
	epsF32 = float32(1.1920929e-07)
	epsF64 = 2.220446049250313e-16
)

// tinyF32 is the smallest positive normal float32. It is added to sorted
// histogram percentages so log-scale dashboards never receive an exact zero.
const tinyF32 = float32(1.1754944e-38)

// softmaxGates converts a [tokens, experts] logit matrix to row
// probabilities. The float32 path reuses the tensor softmax; the elevated
// path accumulates in float64 and rounds back on store.
func softmaxGates(logits *tensor.Tensor, fp64 bool) *tensor.Tensor {
	gates := tensor.New(logits.Shape(), tensor.F32)
	if fp64 {
		softmaxRows64(gates.DataPtr(), logits.DataPtr(), logits.Shape().At(-1))
	} else {
		logits.SoftmaxInto(gates)
	}
	return gates
}

// softmaxRows64 is the float64-accumulation softmax over contiguous rows of
// width lastDim.
func softmaxRows64(dst, src []float32, lastDim int) {
	row := make([]float64, lastDim)
	for off := 0; off < len(src); off += lastDim {
		maxVal := src[off]
		for i := 1; i < lastDim; i++ {
			if src[off+i] > maxVal {
				maxVal = src[off+i]
			}
		}
		sum := 0.0
		for i := 0; i < lastDim; i++ {
			e := math.Exp(float64(src[off+i]) - float64(maxVal))
			row[i] = e
			sum += e
		}
		inv := 1.0 / sum
		for i := 0; i < lastDim; i++ {
			dst[off+i] = float32(row[i] * inv)
		}
	}
}

// entropyMean returns the batch-mean Shannon entropy (nats) of the gate
// rows. The elevated path hands each row to gonum's entropy; the float32
// path accumulates with the pure-float32 log.
func entropyMean(gates *tensor.Tensor, fp64 bool) float32 {
	numTokens, numExperts := gates.Shape().At(0), gates.Shape().At(1)
	data := gates.DataPtr()
	if fp64 {
		row := make([]float64, numExperts)
		total := 0.0
		for s := 0; s < numTokens; s++ {
			for e := 0; e < numExperts; e++ {
				row[e] = float64(data[s*numExperts+e])
			}
			total += stat.Entropy(row)
		}
		return float32(total / float64(numTokens))
	}
	total := float32(0)
	for s := 0; s < numTokens; s++ {
		for e := 0; e < numExperts; e++ {
			p := data[s*numExperts+e]
			if p > 0 {
				total -= p * tensor.LogF32(p)
			}
		}
	}
	return total / float32(numTokens)
}

// argmaxRow returns the index of the row maximum, first occurrence winning
// ties.
func argmaxRow(row []float32) int {
	best, bestVal := 0, row[0]
	for i := 1; i < len(row); i++ {
		if row[i] > bestVal {
			best, bestVal = i, row[i]
		}
	}
	return best
}

// oneHot expands per-token expert indices into a float32 indicator matrix.
func oneHot(indices []int32, numExperts int) *tensor.Tensor {
	out := tensor.New(tensor.NewShape(len(indices), numExperts), tensor.F32)
	data := out.DataPtr()
	for s, e := range indices {
		data[s*numExperts+int(e)] = 1
	}
	return out
}

// zeroPaddedRows clears the mask rows of tokens flagged as padding.
func zeroPaddedRows(mask *tensor.Tensor, padding []bool) {
	if padding == nil {
		return
	}
	numExperts := mask.Shape().At(1)
	data := mask.DataPtr()
	for s, pad := range padding {
		if !pad {
			continue
		}
		row := data[s*numExperts : (s+1)*numExperts]
		for i := range row {
			row[i] = 0
		}
	}
}

// cumsumExclusive computes, per expert column, the running count of
// assignments strictly above each row: out[s][e] = sum(mask[0..s-1][e]).
// Values are only meaningful where the mask itself is set; every consumer
// reads locations through a mask.
func cumsumExclusive(mask *tensor.Tensor) *tensor.Tensor {
	numTokens, numExperts := mask.Shape().At(0), mask.Shape().At(1)
	out := tensor.New(mask.Shape(), tensor.F32)
	src, dst := mask.DataPtr(), out.DataPtr()
	counts := make([]float32, numExperts)
	for s := 0; s < numTokens; s++ {
		off := s * numExperts
		for e := 0; e < numExperts; e++ {
			dst[off+e] = counts[e]
			counts[e] += src[off+e]
		}
	}
	return out
}

// columnSums returns the per-expert totals of a [tokens, experts] mask.
func columnSums(mask *tensor.Tensor) []float32 {
	numTokens, numExperts := mask.Shape().At(0), mask.Shape().At(1)
	data := mask.DataPtr()
	sums := make([]float32, numExperts)
	for s := 0; s < numTokens; s++ {
		off := s * numExperts
		for e := 0; e < numExperts; e++ {
			sums[e] += data[off+e]
		}
	}
	return sums
}

// addColumnOffset shifts every location in column e by offsets[e]. Offsets
// apply to empty cells too; that is harmless because locations are only
// read at mask cells.
func addColumnOffset(locations *tensor.Tensor, offsets []float32) {
	numExperts := locations.Shape().At(1)
	data := locations.DataPtr()
	for i := range data {
		data[i] += offsets[i%numExperts]
	}
}

// applyCapacity zeroes mask cells whose slot location reached capacity.
func applyCapacity(mask, locations *tensor.Tensor, capacity int) {
	m, loc := mask.DataPtr(), locations.DataPtr()
	for i := range m {
		if m[i] != 0 && int(loc[i]) >= capacity {
			m[i] = 0
		}
	}
}

// gatherGate extracts the per-token probability selected by a one-hot mask:
// out[s] = sum_e gates[s][e] * mask[s][e].
func gatherGate(gates, mask *tensor.Tensor) []float32 {
	numTokens, numExperts := gates.Shape().At(0), gates.Shape().At(1)
	g, m := gates.DataPtr(), mask.DataPtr()
	out := make([]float32, numTokens)
	for s := 0; s < numTokens; s++ {
		off := s * numExperts
		acc := float32(0)
		for e := 0; e < numExperts; e++ {
			acc += g[off+e] * m[off+e]
		}
		out[s] = acc
	}
	return out
}

// maskedLocations reduces a [tokens, experts] location matrix to per-token
// scalars: the location where the mask is set, 0 for unassigned tokens.
func maskedLocations(locations, mask *tensor.Tensor) []int32 {
	numTokens, numExperts := locations.Shape().At(0), locations.Shape().At(1)
	loc, m := locations.DataPtr(), mask.DataPtr()
	out := make([]int32, numTokens)
	for s := 0; s < numTokens; s++ {
		off := s * numExperts
		for e := 0; e < numExperts; e++ {
			if m[off+e] != 0 {
				out[s] = int32(loc[off+e])
			}
		}
	}
	return out
}

// renormPair rescales gate pairs to sum to 1, clamping the denominator to
// the active precision's machine epsilon so a fully-dropped token divides
// by eps instead of zero and comes out 0.
func renormPair(g1, g2 []float32, fp64 bool) {
	if fp64 {
		for i := range g1 {
			denom := float64(g1[i]) + float64(g2[i])
			if denom < epsF64 {
				denom = epsF64
			}
			g1[i] = float32(float64(g1[i]) / denom)
			g2[i] = float32(float64(g2[i]) / denom)
		}
		return
	}
	for i := range g1 {
		denom := g1[i] + g2[i]
		if denom < epsF32 {
			denom = epsF32
		}
		g1[i] /= denom
		g2[i] /= denom
	}
}

// balanceLoss computes the load-balancing auxiliary loss
//
//	l_aux = mean_e(me_e * ce_e) * E^2
//
// where me_e is the mean gate probability of expert e over the whole batch
// (padded tokens included) and ce_e is the fraction of tokens whose first
// choice was expert e after padding removal. Perfectly uniform routing with
// uniform probabilities yields the minimum value 1.
func balanceLoss(gates, mask1 *tensor.Tensor, fp64 bool) float32 {
	numTokens, numExperts := gates.Shape().At(0), gates.Shape().At(1)
	g, m := gates.DataPtr(), mask1.DataPtr()
	if fp64 {
		me := make([]float64, numExperts)
		ce := make([]float64, numExperts)
		for s := 0; s < numTokens; s++ {
			off := s * numExperts
			for e := 0; e < numExperts; e++ {
				me[e] += float64(g[off+e])
				ce[e] += float64(m[off+e])
			}
		}
		inv := 1.0 / float64(numTokens)
		total := 0.0
		for e := 0; e < numExperts; e++ {
			total += me[e] * inv * ce[e] * inv
		}
		return float32(total * float64(numExperts))
	}
	me := make([]float32, numExperts)
	ce := make([]float32, numExperts)
	for s := 0; s < numTokens; s++ {
		off := s * numExperts
		for e := 0; e < numExperts; e++ {
			me[e] += g[off+e]
			ce[e] += m[off+e]
		}
	}
	inv := 1 / float32(numTokens)
	total := float32(0)
	for e := 0; e < numExperts; e++ {
		total += me[e] * inv * ce[e] * inv
	}
	return total * float32(numExperts)
}
