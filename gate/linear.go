// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package gate

import (
	"fmt"

	"github.com/fumi-engineer/moe-routing/tensor"
)

// Linear scores tokens with a learned bias-free projection: logits = x @ W^T.
//
// Weight shape: [experts, in_features] (transposed layout so that
// MatmulTransposedB can be used, avoiding a separate transpose allocation).
type Linear struct {
	weight  *tensor.Tensor
	inFeat  int
	outFeat int
}

// NewLinear creates a linear scorer with Kaiming initialization: N(0, sqrt(2/in)).
func NewLinear(inFeatures, outFeatures int) *Linear {
	if inFeatures <= 0 || outFeatures <= 0 {
		panic(fmt.Sprintf("invalid linear dimensions %dx%d", inFeatures, outFeatures))
	}
	std := tensor.SqrtF32(2.0 / float32(inFeatures))
	return &Linear{
		weight:  tensor.RandnWithStd(tensor.NewShape(outFeatures, inFeatures), tensor.F32, std),
		inFeat:  inFeatures,
		outFeat: outFeatures,
	}
}

// Score projects a [tokens, in_features] batch to [tokens, out_features] logits.
func (l *Linear) Score(input *tensor.Tensor) *tensor.Tensor {
	if input.Shape().NDim() != 2 {
		panic(fmt.Sprintf("expected 2D input, got %v", input.Shape()))
	}
	if input.Shape().At(1) != l.inFeat {
		panic(fmt.Sprintf("input features %d != scorer features %d", input.Shape().At(1), l.inFeat))
	}
	return tensor.MatmulTransposedB(input, l.weight)
}

// Parameters returns the projection weight.
func (l *Linear) Parameters() []*tensor.Tensor { return []*tensor.Tensor{l.weight} }
