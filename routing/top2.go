// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package routing

import (
	"cmp"

	"github.com/emirpasic/gods/v2/queues/priorityqueue"

	"github.com/fumi-engineer/moe-routing/gate"
	"github.com/fumi-engineer/moe-routing/tensor"
)

// ---------------------------------------------------------------------------
// Top-2 routing
// ---------------------------------------------------------------------------

// top2State carries the intermediates shared by the dense and sparse top-2
// encodings. Both mask generations are kept: the sparse encoding reads slot
// locations through the raw masks, the dense one through the filtered masks.
type top2State struct {
	capacity   int
	gates      *tensor.Tensor
	mask1Raw   *tensor.Tensor // padding removed, pre-capacity
	mask2Raw   *tensor.Tensor
	mask1      *tensor.Tensor // capacity-filtered
	mask2      *tensor.Tensor
	locations1 *tensor.Tensor
	locations2 *tensor.Tensor
	indices1   []int32
	indices2   []int32
	gates1     []float32 // renormalized per the configured order
	gates2     []float32
	loss       float32
	stats      Metadata
}

// top2Assign runs the full shared top-2 pipeline. The exact operation order
// matters and is covered by tests; in particular the (g1, g2) pair is
// extracted before padding removal, the random-policy draw sees the
// possibly-renormalized g2, and the rank-2 slot offset counts every raw
// first-choice claim, dropped ones included.
func top2Assign(logits *tensor.Tensor, padding []bool, cfg Config, noise *NoiseContext) *top2State {
	numTokens, numExperts := checkRoutingInput(logits, padding, cfg)
	if numExperts < 2 {
		panic("top-2 routing needs at least 2 experts")
	}

	st := &top2State{stats: make(Metadata)}
	st.gates = softmaxGates(logits, cfg.UseFP64)
	st.stats["entropy_gating"] = entropyMean(st.gates, cfg.UseFP64)
	st.capacity = cfg.capacityTop2(numTokens)

	g := st.gates.DataPtr()
	st.indices1 = make([]int32, numTokens)
	for s := range st.indices1 {
		st.indices1[s] = int32(argmaxRow(g[s*numExperts : (s+1)*numExperts]))
	}
	mask1 := oneHot(st.indices1, numExperts)

	// Second choice: arg-max over the logits with each token's first choice
	// forced to -inf. The sampling policy perturbs the logits with
	// Gumbel(0,1) noise first, which draws the runner-up from the softmax
	// distribution over the remaining experts.
	scored := logits.Clone()
	if cfg.secondPolicy() == PolicySampling {
		if noise == nil {
			panic("sampling policy needs a NoiseContext")
		}
		addGumbel(scored, noise, cfg.device())
	}
	excludeChoice(scored, st.indices1)
	sd := scored.DataPtr()
	st.indices2 = make([]int32, numTokens)
	for s := range st.indices2 {
		st.indices2[s] = int32(argmaxRow(sd[s*numExperts : (s+1)*numExperts]))
	}
	mask2 := oneHot(st.indices2, numExperts)

	st.gates1 = gatherGate(st.gates, mask1)
	st.gates2 = gatherGate(st.gates, mask2)
	if cfg.NormalizeBeforeDrop {
		renormPair(st.gates1, st.gates2, cfg.UseFP64)
	}

	if cfg.secondPolicy() == PolicyRandom {
		if noise == nil {
			panic("random policy needs a NoiseContext")
		}
		dropSecondRandom(mask2, st.gates2, noise, cfg.device())
	}

	zeroPaddedRows(mask1, padding)
	zeroPaddedRows(mask2, padding)

	if cfg.BatchPrioritized {
		order := confidenceOrder(st.gates)
		st.locations1 = prioritizedLocations(mask1, order)
		st.locations2 = prioritizedLocations(mask2, order)
	} else {
		st.locations1 = cumsumExclusive(mask1)
		st.locations2 = cumsumExclusive(mask2)
	}
	// Rank-2 slots start after every raw first-choice claim on the expert,
	// including claims the capacity cut is about to drop.
	addColumnOffset(st.locations2, columnSums(mask1))

	st.loss = balanceLoss(st.gates, mask1, cfg.UseFP64)

	st.stats["overflow_expert1"] = overflowPercent(mask1, st.locations1, st.capacity)
	st.stats["overflow_expert2"] = overflowPercent(mask2, st.locations2, st.capacity)

	st.mask1Raw, st.mask2Raw = mask1, mask2
	st.mask1, st.mask2 = mask1.Clone(), mask2.Clone()
	applyCapacity(st.mask1, st.locations1, st.capacity)
	applyCapacity(st.mask2, st.locations2, st.capacity)

	recordBalance(st.stats, 1, expertHistogram(st.indices1, numExperts))
	recordBalance(st.stats, 2, expertHistogram(st.indices2, numExperts))

	// Without early normalization the weights come from the filtered masks,
	// so a token whose second choice was dropped pushes its full weight
	// onto the surviving first choice (and vice versa).
	if !cfg.NormalizeBeforeDrop {
		st.gates1 = gatherGate(st.gates, st.mask1)
		st.gates2 = gatherGate(st.gates, st.mask2)
		renormPair(st.gates1, st.gates2, cfg.UseFP64)
	}
	return st
}

// addGumbel perturbs every logit with Gumbel(0,1) noise in place.
func addGumbel(logits *tensor.Tensor, noise *NoiseContext, dev Device) {
	data := logits.DataPtr()
	draws := make([]float32, len(data))
	noise.Gumbel(dev, draws)
	for i := range data {
		data[i] += draws[i]
	}
}

// excludeChoice forces each token's chosen expert to -inf so the next
// arg-max lands elsewhere. This is what keeps the two selection masks
// disjoint even when scores tie.
func excludeChoice(logits *tensor.Tensor, indices []int32) {
	numExperts := logits.Shape().At(1)
	data := logits.DataPtr()
	for s, e := range indices {
		data[s*numExperts+int(e)] = tensor.NegInf
	}
}

// dropSecondRandom keeps each second-choice assignment with probability
// min(1, 2*g2): one uniform draw per token, the mask row zeroed when the
// draw wins. Doubling g2 keeps the expected second-expert contribution
// equal to the full soft weight.
func dropSecondRandom(mask2 *tensor.Tensor, gates2 []float32, noise *NoiseContext, dev Device) {
	draws := make([]float32, len(gates2))
	noise.Uniform(dev, draws)
	numExperts := mask2.Shape().At(1)
	data := mask2.DataPtr()
	for s, g := range gates2 {
		if 2*g > draws[s] {
			continue
		}
		row := data[s*numExperts : (s+1)*numExperts]
		for i := range row {
			row[i] = 0
		}
	}
}

// tokenRank pairs a token with its routing confidence for priority
// ordering.
type tokenRank struct {
	index int
	score float32
}

// confidenceOrder returns token indices sorted by descending top-1
// probability. Ties keep sequence order, so equal-confidence tokens never
// leapfrog each other.
func confidenceOrder(gates *tensor.Tensor) []int {
	numTokens, numExperts := gates.Shape().At(0), gates.Shape().At(1)
	data := gates.DataPtr()
	q := priorityqueue.NewWith(func(a, b tokenRank) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return cmp.Compare(a.index, b.index)
	})
	for s := 0; s < numTokens; s++ {
		row := data[s*numExperts : (s+1)*numExperts]
		q.Enqueue(tokenRank{index: s, score: row[argmaxRow(row)]})
	}
	order := make([]int, 0, numTokens)
	for {
		tr, ok := q.Dequeue()
		if !ok {
			break
		}
		order = append(order, tr.index)
	}
	return order
}

// prioritizedLocations computes slot locations with tokens admitted in the
// given order instead of sequence order: per-expert counts advance through
// the permutation, and each token reads its count back at its original row.
// Cells without an assignment stay 0.
func prioritizedLocations(mask *tensor.Tensor, order []int) *tensor.Tensor {
	numExperts := mask.Shape().At(1)
	out := tensor.New(mask.Shape(), tensor.F32)
	m, dst := mask.DataPtr(), out.DataPtr()
	counts := make([]float32, numExperts)
	for _, s := range order {
		off := s * numExperts
		for e := 0; e < numExperts; e++ {
			if m[off+e] != 0 {
				dst[off+e] = counts[e]
				counts[e]++
			}
		}
	}
	return out
}

// Top2 routes each token to its top expert plus a policy-chosen second
// expert, subject to capacity, and returns the dense encoding.
//
// Training capacity is 2*ceil(S/E) regardless of CapacityFactor;
// evaluation mode with a positive EvalCapacityFraction uses
// ceil(fraction * S). The noise context feeds the sampling and random
// policies and may be nil for PolicyDeterministic.
func Top2(logits *tensor.Tensor, padding []bool, cfg Config, noise *NoiseContext) *DenseRouting {
	st := top2Assign(logits, padding, cfg, noise)
	return buildDense(st.loss, st.stats, st.capacity, []rank{
		{mask: st.mask1, locations: st.locations1, gates: st.gates1},
		{mask: st.mask2, locations: st.locations2, gates: st.gates2},
	})
}

// Top2Sparse routes like Top2 but returns the sparse encoding: raw index,
// location, and weight lists per choice rank, capacity cut deferred to the
// consuming dispatch engine. Weights still honor the configured
// normalization order, so with late normalization they already reflect
// capacity drops.
func Top2Sparse(logits *tensor.Tensor, padding []bool, cfg Config, noise *NoiseContext) *SparseRouting {
	st := top2Assign(logits, padding, cfg, noise)
	return &SparseRouting{
		Loss:       st.loss,
		Stats:      st.stats,
		Capacity:   st.capacity,
		NumExperts: cfg.NumExperts,
		Indices:    [][]int32{st.indices1, st.indices2},
		Locations: [][]int32{
			maskedLocations(st.locations1, st.mask1Raw),
			maskedLocations(st.locations2, st.mask2Raw),
		},
		Weights: [][]float32{st.gates1, st.gates2},
	}
}

// ---------------------------------------------------------------------------
// Top-2 router
// ---------------------------------------------------------------------------

// Top2Router bundles a gate scorer, a routing configuration, and the noise
// context behind the stochastic policies.
type Top2Router struct {
	scorer   gate.Scorer
	cfg      Config
	noise    *NoiseContext
	training bool
}

// NewTop2Router creates a top-2 router owning a freshly initialized scorer.
// A nil noise context gets a private fixed-seed one; inject a shared
// context to control or correlate the noise streams across routers.
func NewTop2Router(modelDim int, cfg Config, noise *NoiseContext) (*Top2Router, error) {
	if err := cfg.validateTop2(); err != nil {
		return nil, err
	}
	if noise == nil {
		noise = NewNoiseContext(defaultNoiseSeed)
	}
	return &Top2Router{scorer: newScorer(modelDim, cfg), cfg: cfg, noise: noise, training: true}, nil
}

// NewTop2RouterWith wraps an externally-owned scorer.
func NewTop2RouterWith(scorer gate.Scorer, cfg Config, noise *NoiseContext) (*Top2Router, error) {
	if err := cfg.validateTop2(); err != nil {
		return nil, err
	}
	if noise == nil {
		noise = NewNoiseContext(defaultNoiseSeed)
	}
	return &Top2Router{scorer: scorer, cfg: cfg, noise: noise, training: true}, nil
}

// SetTraining switches between the training and evaluation capacity
// formulas for subsequent calls. Routers start in training mode.
func (r *Top2Router) SetTraining(training bool) { r.training = training }

// Route scores the [tokens, model_dim] batch and runs dense top-2 routing.
func (r *Top2Router) Route(input *tensor.Tensor, padding []bool) *DenseRouting {
	return Top2(r.scorer.Score(input), padding, r.callConfig(), r.noise)
}

// RouteSparse scores the batch and runs sparse top-2 routing.
func (r *Top2Router) RouteSparse(input *tensor.Tensor, padding []bool) *SparseRouting {
	return Top2Sparse(r.scorer.Score(input), padding, r.callConfig(), r.noise)
}

// Renormalize forwards to the scorer's weight renormalization when it has
// one. Call it after each optimizer step when using the cosine gate.
func (r *Top2Router) Renormalize() {
	if c, ok := r.scorer.(*gate.Cosine); ok {
		c.Renormalize()
	}
}

// Parameters returns the scorer's learnable tensors.
func (r *Top2Router) Parameters() []*tensor.Tensor { return r.scorer.Parameters() }

func (r *Top2Router) callConfig() Config {
	cfg := r.cfg
	cfg.EvalMode = !r.training
	return cfg
}
