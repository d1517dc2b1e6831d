// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package tensor

import (
	"fmt"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType identifies the interchange format a tensor was decoded from or
// should be encoded to. Compute always happens on the float32 storage;
// F16 and BF16 exist so callers embedded in half-precision models can
// hand batches across without converting on their side.
type DType uint8

const (
	F32 DType = iota
	F16
	BF16
)

// Size returns the byte width of one element in the interchange format.
func (d DType) Size() int {
	switch d {
	case F16, BF16:
		return 2
	default:
		return 4
	}
}

// String returns a human-readable name for the data type.
func (d DType) String() string {
	names := [...]string{"f32", "f16", "bf16"}
	if int(d) < len(names) {
		return names[d]
	}
	return "unknown"
}

// FromFloat16 decodes IEEE 754 half-precision bit patterns into a tensor.
// The result carries dtype F16 but stores widened float32 values.
func FromFloat16(bits []uint16, shape Shape) *Tensor {
	if len(bits) != shape.Numel() {
		panic(fmt.Sprintf("data length %d != shape numel %d", len(bits), shape.Numel()))
	}
	t := New(shape, F16)
	for i, h := range bits {
		t.data[i] = float16.Frombits(h).Float32()
	}
	return t
}

// Float16 encodes the tensor's values as IEEE 754 half-precision bit
// patterns, using round-to-nearest-even.
func (t *Tensor) Float16() []uint16 {
	out := make([]uint16, len(t.data))
	for i, v := range t.data {
		out[i] = float16.Fromfloat32(v).Bits()
	}
	return out
}

// FromBFloat16 decodes bfloat16 bit patterns into a tensor.
// The result carries dtype BF16 but stores widened float32 values.
func FromBFloat16(bits []uint16, shape Shape) *Tensor {
	if len(bits) != shape.Numel() {
		panic(fmt.Sprintf("data length %d != shape numel %d", len(bits), shape.Numel()))
	}
	t := New(shape, BF16)
	for i, h := range bits {
		t.data[i] = bfloat16.ToFloat32(bfloat16.BF16(h))
	}
	return t
}

// BFloat16 encodes the tensor's values as bfloat16 bit patterns.
func (t *Tensor) BFloat16() []uint16 {
	out := make([]uint16, len(t.data))
	for i, v := range t.data {
		out[i] = uint16(bfloat16.FromFloat32(v))
	}
	return out
}
