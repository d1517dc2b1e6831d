// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package gate implements the scoring modules that map token embeddings to
// per-expert routing logits. A scorer is a leaf dependency of a router: it
// owns the learned projection weights and nothing else.
package gate

import "github.com/fumi-engineer/moe-routing/tensor"

// Scorer maps a [tokens, model_dim] embedding batch to [tokens, experts]
// routing logits.
type Scorer interface {
	Score(input *tensor.Tensor) *tensor.Tensor
	Parameters() []*tensor.Tensor
}
