// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package routing

import (
	"hash/fnv"
	"sync"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Device identifies an execution device for noise-sampler caching. A pure-Go
// deployment only ever sees DeviceCPU, but routers embedded in multi-device
// models key their noise streams the same way they key their tensors.
type Device string

// DeviceCPU is the default device.
const DeviceCPU Device = "cpu"

// defaultNoiseSeed seeds the private context a router creates when the
// caller does not inject one.
const defaultNoiseSeed = 42

// NoiseContext owns the per-device noise samplers behind the stochastic
// second-expert policies. Samplers are created lazily on first use and
// cached per device. The context is injected into routers (or passed to the
// routing functions) by whoever owns the execution environment; there is no
// process-global instance, so tests and concurrent models get independent,
// reproducible streams.
type NoiseContext struct {
	seed     uint64
	mu       sync.RWMutex
	samplers map[Device]*deviceSampler
}

// deviceSampler bundles one device's distributions. Draws are serialized
// because the shared source is stateful.
type deviceSampler struct {
	mu      sync.Mutex
	gumbel  distuv.GumbelRight
	uniform distuv.Uniform
}

// NewNoiseContext creates a context whose device streams derive from seed.
// Equal seeds reproduce equal draw sequences per device.
func NewNoiseContext(seed uint64) *NoiseContext {
	return &NoiseContext{seed: seed, samplers: make(map[Device]*deviceSampler)}
}

// sampler returns the device's sampler, creating it on first use. The
// device name is folded into the seed so distinct devices get distinct
// streams from the same context.
func (n *NoiseContext) sampler(dev Device) *deviceSampler {
	n.mu.RLock()
	s := n.samplers[dev]
	n.mu.RUnlock()
	if s != nil {
		return s
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if s = n.samplers[dev]; s == nil {
		h := fnv.New64a()
		h.Write([]byte(dev))
		src := rand.NewSource(n.seed ^ h.Sum64())
		s = &deviceSampler{
			gumbel:  distuv.GumbelRight{Mu: 0, Beta: 1, Src: src},
			uniform: distuv.Uniform{Min: 0, Max: 1, Src: src},
		}
		n.samplers[dev] = s
	}
	return s
}

// Gumbel fills dst with Gumbel(0,1) draws from the device's stream.
func (n *NoiseContext) Gumbel(dev Device, dst []float32) {
	s := n.sampler(dev)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range dst {
		dst[i] = float32(s.gumbel.Rand())
	}
}

// Uniform fills dst with U[0,1) draws from the device's stream.
func (n *NoiseContext) Uniform(dev Device, dst []float32) {
	s := n.sampler(dev)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range dst {
		dst[i] = float32(s.uniform.Rand())
	}
}
