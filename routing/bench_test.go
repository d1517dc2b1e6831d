// SPDX-License-Identifier: CC-BY-4.0
// Copyright (c) 2025-2026 fumi-engineer

package routing

import (
	"fmt"
	"testing"

	"github.com/fumi-engineer/moe-routing/tensor"
)

type benchSize struct {
	tokens  int
	experts int
}

func (s benchSize) String() string {
	return fmt.Sprintf("%dx%d", s.tokens, s.experts)
}

var benchSizes = []benchSize{
	{256, 8},
	{1024, 16},
	{4096, 64},
}

func BenchmarkTop1(b *testing.B) {
	for _, sz := range benchSizes {
		b.Run(sz.String(), func(b *testing.B) {
			logits := tensor.Randn(tensor.NewShape(sz.tokens, sz.experts), tensor.F32)
			cfg := DefaultConfig(sz.experts)
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				Top1(logits, nil, cfg)
			}
		})
	}
}

func BenchmarkTop1Sparse(b *testing.B) {
	for _, sz := range benchSizes {
		b.Run(sz.String(), func(b *testing.B) {
			logits := tensor.Randn(tensor.NewShape(sz.tokens, sz.experts), tensor.F32)
			cfg := DefaultConfig(sz.experts)
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				Top1Sparse(logits, nil, cfg)
			}
		})
	}
}

func BenchmarkTop2(b *testing.B) {
	for _, sz := range benchSizes {
		b.Run(sz.String(), func(b *testing.B) {
			logits := tensor.Randn(tensor.NewShape(sz.tokens, sz.experts), tensor.F32)
			cfg := DefaultConfig(sz.experts)
			cfg.SecondPolicy = PolicyDeterministic
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				Top2(logits, nil, cfg, nil)
			}
		})
	}
}

func BenchmarkTop2Sampling(b *testing.B) {
	for _, sz := range benchSizes {
		b.Run(sz.String(), func(b *testing.B) {
			logits := tensor.Randn(tensor.NewShape(sz.tokens, sz.experts), tensor.F32)
			cfg := DefaultConfig(sz.experts)
			noise := NewNoiseContext(defaultNoiseSeed)
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				Top2(logits, nil, cfg, noise)
			}
		})
	}
}

func BenchmarkTop2BatchPrioritized(b *testing.B) {
	for _, sz := range benchSizes {
		b.Run(sz.String(), func(b *testing.B) {
			logits := tensor.Randn(tensor.NewShape(sz.tokens, sz.experts), tensor.F32)
			cfg := DefaultConfig(sz.experts)
			cfg.SecondPolicy = PolicyDeterministic
			cfg.BatchPrioritized = true
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				Top2(logits, nil, cfg, nil)
			}
		})
	}
}

func BenchmarkCosineGate(b *testing.B) {
	for _, sz := range benchSizes {
		b.Run(sz.String(), func(b *testing.B) {
			input := tensor.Randn(tensor.NewShape(sz.tokens, 512), tensor.F32)
			cfg := DefaultConfig(sz.experts)
			cfg.CosineGate = true
			router, err := NewTop1Router(512, cfg)
			if err != nil {
				b.Fatal(err)
			}
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				router.Route(input, nil)
			}
		})
	}
}
