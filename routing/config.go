// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package routing

import (
	"fmt"
	"math"
)

// Policy selects how top-2 routing picks the second expert.
type Policy string

const (
	// PolicySampling adds Gumbel(0,1) noise to the logits before taking the
	// runner-up arg-max: a stochastic soft top-2 via the Gumbel-max trick.
	PolicySampling Policy = "sampling"
	// PolicyRandom takes the deterministic runner-up but keeps the
	// assignment only with probability min(1, 2*gate2), so the second
	// expert's expected contribution is preserved while half the traffic
	// is saved.
	PolicyRandom Policy = "random"
	// PolicyDeterministic always takes the runner-up, no randomness.
	PolicyDeterministic Policy = "deterministic"
)

// EvalCapacityTokenFraction is the default share of the batch one expert
// may absorb in evaluation mode.
const EvalCapacityTokenFraction = 0.25

// Config collects the routing options for one router instance. Construct it
// once, validate it, and reuse it for every call; per-call variation is
// limited to the inputs themselves.
//
// Option interactions:
//   - EvalMode swaps the capacity formula to ceil(EvalCapacityFraction*S).
//     Router types derive EvalMode from their training flag; the field is
//     read directly only by the plain routing functions.
//   - CapacityFactor scales top-1 training capacity only. Top-2 always
//     reserves 2*ceil(S/E) slots in training mode.
//   - NormalizeBeforeDrop fixes the (g1, g2) weights before the capacity
//     filter, so a choice dropped later still dilutes the survivor.
//   - BatchPrioritized admits tokens by descending routing confidence
//     instead of sequence order.
type Config struct {
	// NumExperts is E, the width of the score matrix.
	NumExperts int
	// UseFP64 runs softmax, renormalization, and loss accumulation in
	// float64 regardless of tensor precision; results are rounded back to
	// float32 on output.
	UseFP64 bool
	// CapacityFactor scales the top-1 training capacity
	// int(factor*ceil(S/E)).
	CapacityFactor float32
	// EvalCapacityFraction caps an expert at ceil(fraction*S) tokens in
	// eval mode. Zero or negative disables the eval formula entirely.
	EvalCapacityFraction float32
	// EvalMode selects the evaluation capacity formula.
	EvalMode bool
	// SecondPolicy picks the second-expert policy (top-2 only). Empty means
	// PolicySampling.
	SecondPolicy Policy
	// NormalizeBeforeDrop renormalizes (g1, g2) before capacity dropping
	// (top-2 only).
	NormalizeBeforeDrop bool
	// BatchPrioritized switches admission to confidence order (top-2 only).
	BatchPrioritized bool
	// CosineGate makes router constructors build the reduced-cosine scorer
	// instead of the linear one.
	CosineGate bool
	// Device keys the noise streams used by the stochastic policies.
	// Empty means DeviceCPU.
	Device Device
}

// DefaultConfig returns the standard training configuration for an expert
// count: unit capacity factor, sampling second-expert policy, eval capacity
// fraction 0.25.
func DefaultConfig(numExperts int) Config {
	return Config{
		NumExperts:           numExperts,
		CapacityFactor:       1.0,
		EvalCapacityFraction: EvalCapacityTokenFraction,
		SecondPolicy:         PolicySampling,
	}
}

// Validate reports whether the configuration is usable by any router.
func (c Config) Validate() error {
	if c.NumExperts < 1 {
		return fmt.Errorf("routing: NumExperts must be at least 1, got %d", c.NumExperts)
	}
	if c.CapacityFactor <= 0 {
		return fmt.Errorf("routing: CapacityFactor must be positive, got %g", c.CapacityFactor)
	}
	switch c.secondPolicy() {
	case PolicySampling, PolicyRandom, PolicyDeterministic:
	default:
		return fmt.Errorf("routing: unknown second-expert policy %q", c.SecondPolicy)
	}
	return nil
}

// validateTop2 adds the top-2 requirements on top of Validate.
func (c Config) validateTop2() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.NumExperts < 2 {
		return fmt.Errorf("routing: top-2 routing needs at least 2 experts, got %d", c.NumExperts)
	}
	return nil
}

// capacityTop1 computes the per-expert slot budget for top-1 routing.
// Truncation is deliberate: a factor below 1 can produce capacity 0, which
// drops the whole batch rather than erroring.
func (c Config) capacityTop1(numTokens int) int {
	if c.EvalMode && c.EvalCapacityFraction > 0 {
		return int(math.Ceil(float64(c.EvalCapacityFraction) * float64(numTokens)))
	}
	perExpert := math.Ceil(float64(numTokens) / float64(c.NumExperts))
	return int(c.CapacityFactor * float32(perExpert))
}

// capacityTop2 computes the per-expert slot budget for top-2 routing:
// two slots per expected token share.
func (c Config) capacityTop2(numTokens int) int {
	if c.EvalMode && c.EvalCapacityFraction > 0 {
		return int(math.Ceil(float64(c.EvalCapacityFraction) * float64(numTokens)))
	}
	return 2 * int(math.Ceil(float64(numTokens)/float64(c.NumExperts)))
}

// secondPolicy returns the configured policy, defaulting to PolicySampling.
func (c Config) secondPolicy() Policy {
	if c.SecondPolicy == "" {
		return PolicySampling
	}
	return c.SecondPolicy
}

// device returns the configured device, defaulting to DeviceCPU.
func (c Config) device() Device {
	if c.Device == "" {
		return DeviceCPU
	}
	return c.Device
}
