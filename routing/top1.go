// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package routing implements capacity-constrained token-to-expert
// assignment for sparsely-gated Mixture-of-Experts layers.
//
// Two strategies are provided. Top-1 sends each token to its
// highest-probability expert; Top-2 adds a second expert chosen by a
// configurable policy. Both enforce a hard per-expert capacity, emit a
// load-balancing auxiliary loss, and report diagnostics. Every strategy
// comes in two encodings: dense combine/dispatch tensors for a
// matmul-style dispatcher, and sparse index/location/weight lists for an
// external scatter/gather engine.
//
// The routing functions are pure: logits in, fresh result out, no state
// shared between calls. The router types layer a gate scorer, a validated
// configuration, and a training/eval switch on top of them.
package routing

import (
	"fmt"

	"github.com/fumi-engineer/moe-routing/gate"
	"github.com/fumi-engineer/moe-routing/tensor"
)

// ---------------------------------------------------------------------------
// Shared input validation
// ---------------------------------------------------------------------------

// checkRoutingInput validates a routing call. Shape or configuration misuse
// is a programmer error and panics, matching how the tensor layer treats
// mismatched operands.
func checkRoutingInput(logits *tensor.Tensor, padding []bool, cfg Config) (numTokens, numExperts int) {
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	if logits.Shape().NDim() != 2 {
		panic(fmt.Sprintf("expected 2D routing logits, got %v", logits.Shape()))
	}
	numTokens, numExperts = logits.Shape().At(0), logits.Shape().At(1)
	if numTokens == 0 {
		panic("routing requires a non-empty batch")
	}
	if numExperts != cfg.NumExperts {
		panic(fmt.Sprintf("logits carry %d experts, config says %d", numExperts, cfg.NumExperts))
	}
	if padding != nil && len(padding) != numTokens {
		panic(fmt.Sprintf("padding length %d does not match %d tokens", len(padding), numTokens))
	}
	return numTokens, numExperts
}

// newScorer builds the gate scorer a router constructor was configured for.
func newScorer(modelDim int, cfg Config) gate.Scorer {
	if cfg.CosineGate {
		return gate.NewCosine(modelDim, cfg.NumExperts)
	}
	return gate.NewLinear(modelDim, cfg.NumExperts)
}

// ---------------------------------------------------------------------------
// Top-1 routing
// ---------------------------------------------------------------------------

// top1State carries the intermediates shared by the dense and sparse top-1
// encodings.
type top1State struct {
	capacity  int
	gates     *tensor.Tensor // [tokens, experts] probabilities
	mask1     *tensor.Tensor // one-hot first choice, padding removed, unfiltered
	locations *tensor.Tensor // exclusive running counts per expert column
	indices   []int32        // raw arg-max per token
	gates1    []float32      // first-choice probability per token
	loss      float32
	stats     Metadata
}

// top1Assign runs the strategy-independent part of top-1 routing:
// probabilities, first choices, padding removal, diagnostics, slot
// locations, and the balance loss. Capacity is computed but not yet
// enforced, because the sparse encoding hands raw locations downstream.
func top1Assign(logits *tensor.Tensor, padding []bool, cfg Config) *top1State {
	numTokens, numExperts := checkRoutingInput(logits, padding, cfg)

	st := &top1State{stats: make(Metadata)}
	st.gates = softmaxGates(logits, cfg.UseFP64)
	st.stats["entropy_gating"] = entropyMean(st.gates, cfg.UseFP64)
	st.capacity = cfg.capacityTop1(numTokens)

	g := st.gates.DataPtr()
	st.indices = make([]int32, numTokens)
	for s := 0; s < numTokens; s++ {
		st.indices[s] = int32(argmaxRow(g[s*numExperts : (s+1)*numExperts]))
	}
	st.mask1 = oneHot(st.indices, numExperts)
	zeroPaddedRows(st.mask1, padding)

	recordBalance(st.stats, 1, expertHistogram(st.indices, numExperts))

	st.gates1 = gatherGate(st.gates, st.mask1)
	st.locations = cumsumExclusive(st.mask1)
	st.loss = balanceLoss(st.gates, st.mask1, cfg.UseFP64)
	return st
}

// Top1 routes each token to its highest-probability expert, subject to
// capacity, and returns the dense encoding.
//
// Training capacity is int(CapacityFactor * ceil(S/E)) for S tokens over E
// experts; evaluation mode with a positive EvalCapacityFraction uses
// ceil(fraction * S) instead. Tokens whose slot ran past capacity are
// dropped: their combine slab stays zero while the loss and histograms
// still count their raw choice.
func Top1(logits *tensor.Tensor, padding []bool, cfg Config) *DenseRouting {
	st := top1Assign(logits, padding, cfg)
	applyCapacity(st.mask1, st.locations, st.capacity)
	return buildDense(st.loss, st.stats, st.capacity, []rank{{
		mask:      st.mask1,
		locations: st.locations,
		gates:     st.gates1,
	}})
}

// Top1Sparse routes like Top1 but returns the sparse encoding: raw index,
// location, and weight lists whose capacity cut is deferred to the
// consuming dispatch engine.
func Top1Sparse(logits *tensor.Tensor, padding []bool, cfg Config) *SparseRouting {
	st := top1Assign(logits, padding, cfg)
	return &SparseRouting{
		Loss:       st.loss,
		Stats:      st.stats,
		Capacity:   st.capacity,
		NumExperts: cfg.NumExperts,
		Indices:    [][]int32{st.indices},
		Locations:  [][]int32{maskedLocations(st.locations, st.mask1)},
		Weights:    [][]float32{st.gates1},
	}
}

// ---------------------------------------------------------------------------
// Top-1 router
// ---------------------------------------------------------------------------

// Top1Router bundles a gate scorer with a routing configuration, covering
// the usual MoE layer flow: token embeddings in, routing decision out.
type Top1Router struct {
	scorer   gate.Scorer
	cfg      Config
	training bool
}

// NewTop1Router creates a top-1 router owning a freshly initialized scorer:
// linear by default, reduced-cosine when cfg.CosineGate is set.
func NewTop1Router(modelDim int, cfg Config) (*Top1Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Top1Router{scorer: newScorer(modelDim, cfg), cfg: cfg, training: true}, nil
}

// NewTop1RouterWith wraps an externally-owned scorer, for callers that
// share gate weights or load them from a checkpoint.
func NewTop1RouterWith(scorer gate.Scorer, cfg Config) (*Top1Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Top1Router{scorer: scorer, cfg: cfg, training: true}, nil
}

// SetTraining switches between the training and evaluation capacity
// formulas for subsequent calls. Routers start in training mode.
func (r *Top1Router) SetTraining(training bool) { r.training = training }

// Route scores the [tokens, model_dim] batch and runs dense top-1 routing.
func (r *Top1Router) Route(input *tensor.Tensor, padding []bool) *DenseRouting {
	return Top1(r.scorer.Score(input), padding, r.callConfig())
}

// RouteSparse scores the batch and runs sparse top-1 routing.
func (r *Top1Router) RouteSparse(input *tensor.Tensor, padding []bool) *SparseRouting {
	return Top1Sparse(r.scorer.Score(input), padding, r.callConfig())
}

// Renormalize forwards to the scorer's weight renormalization when it has
// one. Call it after each optimizer step when using the cosine gate.
func (r *Top1Router) Renormalize() {
	if c, ok := r.scorer.(*gate.Cosine); ok {
		c.Renormalize()
	}
}

// Parameters returns the scorer's learnable tensors.
func (r *Top1Router) Parameters() []*tensor.Tensor { return r.scorer.Parameters() }

func (r *Top1Router) callConfig() Config {
	cfg := r.cfg
	cfg.EvalMode = !r.training
	return cfg
}
