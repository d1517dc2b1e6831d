// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package tensor implements the numeric substrate for expert routing.
//
// All tensor storage uses flat []float32 slices in row-major order.
// Matrix multiplication is delegated to gonum's float32 BLAS (blas32).
// Half-precision formats are interchange-only; compute stays in float32.
package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

// NegInf is the most negative finite float32, used as -infinity when
// masking scores before an arg-max (avoids math.Inf which returns float64).
const NegInf = -float32(math.MaxFloat32)

// ---------------------------------------------------------------------------
// Pure-float32 math functions
//
// These avoid float64 casts to keep the default compute path in float32,
// matching what the float32 BLAS operates on. Each uses standard
// numerical techniques: range reduction, Horner polynomials, and
// fast inverse sqrt.
// ---------------------------------------------------------------------------

// ExpF32 computes exp(x) in pure float32.
//
// Algorithm: range reduction x = k*ln2 + r, then Horner polynomial on r.
//   exp(x) = 2^k * (1 + r + r^2/2! + r^3/3! + r^4/4! + r^5/5!)
//
// Clamps to 0 / +Inf outside the representable range of float32.
func ExpF32(x float32) float32 {
	if x > 88.72 {
		return float32(math.Inf(1))
	}
	if x < -87.33 {
		return 0
	}
	const (
		invLn2 = float32(1.4426950)
		ln2Hi  = float32(0.6931458)
		ln2Lo  = float32(1.4286068e-06)
	)
	var k int32
	if x >= 0 {
		k = int32(x*invLn2 + 0.5)
	} else {
		k = int32(x*invLn2 - 0.5)
	}
	kf := float32(k)
	r := x - kf*ln2Hi - kf*ln2Lo
	r2 := r * r
	p := float32(1) + r + r2*(0.5+r*(0.16666667+r*(0.04166668+r*0.008333334)))
	// Reconstruct 2^k by shifting into the IEEE 754 exponent field.
	return p * math.Float32frombits(uint32(127+k)<<23)
}

// SqrtF32 computes sqrt(x) via the fast inverse square root trick
// (Quake III style) followed by two Newton-Raphson refinement steps.
//
//	y_0 = magic(x)          -- initial estimate of 1/sqrt(x)
//	y_{n+1} = y_n * (1.5 - 0.5*x*y_n^2)   -- Newton step
//	sqrt(x) = x * y_final                  -- invert
func SqrtF32(x float32) float32 {
	if x <= 0 {
		return 0
	}
	bits := math.Float32bits(x)
	bits = 0x5f3759df - (bits >> 1)
	y := math.Float32frombits(bits)
	half := 0.5 * x
	y = y * (1.5 - half*y*y)
	y = y * (1.5 - half*y*y)
	return x * y
}

// LogF32 computes ln(x) via IEEE 754 decomposition: x = 2^e * m,
// then atanh-series polynomial on s = (m-1)/(m+1).
//
//	ln(x) = e*ln(2) + 2*s*(1 + s^2/3 + s^4/5 + s^6/7)
func LogF32(x float32) float32 {
	if x <= 0 {
		return NegInf
	}
	bits := math.Float32bits(x)
	e := int32((bits>>23)&0xFF) - 127
	bits = (bits & 0x007FFFFF) | 0x3F800000
	m := math.Float32frombits(bits)
	s := (m - 1) / (m + 1)
	s2 := s * s
	p := 2.0 * s * (1 + s2*(0.33333334+s2*(0.2+s2*0.14285715)))
	return float32(e)*0.6931472 + p
}

// ---------------------------------------------------------------------------
// Tensor
// ---------------------------------------------------------------------------

// Tensor represents a multi-dimensional array backed by flat float32 storage.
type Tensor struct {
	data  []float32
	shape Shape
	dtype DType
}

// New creates a zero-filled tensor with the given shape and dtype.
func New(shape Shape, dtype DType) *Tensor {
	return &Tensor{
		data:  make([]float32, shape.Numel()),
		shape: shape,
		dtype: dtype,
	}
}

// Zeros creates a zero-filled tensor.
func Zeros(shape Shape, dtype DType) *Tensor {
	return New(shape, dtype)
}

// Ones creates a ones-filled tensor.
func Ones(shape Shape, dtype DType) *Tensor {
	t := New(shape, dtype)
	for i := range t.data {
		t.data[i] = 1.0
	}
	return t
}

// FromSlice creates a float32 tensor from a copy of data.
func FromSlice(data []float32, shape Shape) *Tensor {
	if len(data) != shape.Numel() {
		panic(fmt.Sprintf("data length %d != shape numel %d", len(data), shape.Numel()))
	}
	d := make([]float32, len(data))
	copy(d, data)
	return &Tensor{data: d, shape: shape, dtype: F32}
}

// FromSliceNoCopy wraps data directly without copying. The caller must not
// reuse the slice afterwards.
func FromSliceNoCopy(data []float32, shape Shape) *Tensor {
	if len(data) != shape.Numel() {
		panic(fmt.Sprintf("data length %d != shape numel %d", len(data), shape.Numel()))
	}
	return &Tensor{data: data, shape: shape, dtype: F32}
}

// Randn creates a tensor with standard normal random values.
func Randn(shape Shape, dtype DType) *Tensor {
	return RandnWithStd(shape, dtype, 1.0)
}

// RandnWithStd creates a tensor with normal random values of the given std.
func RandnWithStd(shape Shape, dtype DType, std float32) *Tensor {
	t := New(shape, dtype)
	for i := range t.data {
		t.data[i] = float32(rand.NormFloat64()) * std
	}
	return t
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() Shape { return t.shape }

// DType returns the tensor's interchange dtype.
func (t *Tensor) DType() DType { return t.dtype }

// Data returns a copy of the underlying data.
func (t *Tensor) Data() []float32 {
	d := make([]float32, len(t.data))
	copy(d, t.data)
	return d
}

// DataPtr returns the underlying data slice (use with caution).
func (t *Tensor) DataPtr() []float32 { return t.data }

// At returns the value at the given indices.
func (t *Tensor) At(indices ...int) float32 {
	return t.data[t.flatIndex(indices)]
}

// Set sets the value at the given indices.
func (t *Tensor) Set(value float32, indices ...int) {
	t.data[t.flatIndex(indices)] = value
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != t.shape.NDim() {
		panic(fmt.Sprintf("expected %d indices, got %d", t.shape.NDim(), len(indices)))
	}
	idx := 0
	strides := t.shape.Strides()
	for i, index := range indices {
		if index < 0 || index >= t.shape.At(i) {
			panic(fmt.Sprintf("index %d out of bounds for dim %d with size %d", index, i, t.shape.At(i)))
		}
		idx += index * strides[i]
	}
	return idx
}

// Clone creates a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	d := make([]float32, len(t.data))
	copy(d, t.data)
	return &Tensor{data: d, shape: t.shape, dtype: t.dtype}
}

// Reshape returns a view with a new shape (must have the same numel).
// The storage is shared with the receiver.
func (t *Tensor) Reshape(newShape Shape) *Tensor {
	if t.shape.Numel() != newShape.Numel() {
		panic(fmt.Sprintf("cannot reshape %v to %v: different numel", t.shape, newShape))
	}
	return &Tensor{data: t.data, shape: newShape, dtype: t.dtype}
}

// Softmax applies softmax along the last dimension and returns a new tensor.
func (t *Tensor) Softmax() *Tensor {
	result := New(t.shape, t.dtype)
	t.SoftmaxInto(result)
	return result
}

// SoftmaxInto applies softmax along the last dimension, writing into dst.
// dst must have the same shape as the receiver.
func (t *Tensor) SoftmaxInto(dst *Tensor) {
	if t.shape.NDim() < 1 {
		panic("softmax requires at least 1 dimension")
	}
	if !t.shape.Equal(dst.shape) {
		panic(fmt.Sprintf("shape mismatch: %v vs %v", t.shape, dst.shape))
	}
	softmaxCore(dst.data, t.data, t.shape.At(-1))
}

// softmaxCore computes row-wise softmax over vectors of length lastDim,
// entirely in float32: shift by the row max, exponentiate, normalize.
func softmaxCore(dst, src []float32, lastDim int) {
	numVectors := len(src) / lastDim
	for v := 0; v < numVectors; v++ {
		offset := v * lastDim
		maxVal := src[offset]
		for i := 1; i < lastDim; i++ {
			if src[offset+i] > maxVal {
				maxVal = src[offset+i]
			}
		}
		sum := float32(0)
		for i := 0; i < lastDim; i++ {
			e := ExpF32(src[offset+i] - maxVal)
			dst[offset+i] = e
			sum += e
		}
		inv := 1.0 / sum
		for i := 0; i < lastDim; i++ {
			dst[offset+i] *= inv
		}
	}
}

// Matmul performs 2-D matrix multiplication: [M, K] x [K, N] -> [M, N].
func Matmul(a, b *Tensor) *Tensor {
	if a.shape.NDim() != 2 || b.shape.NDim() != 2 {
		panic("matmul requires 2D tensors")
	}
	m, k := a.shape.At(0), a.shape.At(1)
	bK, n := b.shape.At(0), b.shape.At(1)
	if k != bK {
		panic(fmt.Sprintf("matmul dimension mismatch: %d vs %d", k, bK))
	}
	result := New(NewShape(m, n), a.dtype)
	sgemm(false, false, m, n, k, 1.0, a.data, k, b.data, n, 0.0, result.data, n)
	return result
}

// MatmulTransposedB computes [M, K] x [N, K]^T -> [M, N] without
// materializing the transpose. This is the layout used by projection
// weights stored as [out_features, in_features].
func MatmulTransposedB(a, b *Tensor) *Tensor {
	if a.shape.NDim() != 2 || b.shape.NDim() != 2 {
		panic("matmul requires 2D tensors")
	}
	m, k := a.shape.At(0), a.shape.At(1)
	n, bK := b.shape.At(0), b.shape.At(1)
	if k != bK {
		panic(fmt.Sprintf("matmul dimension mismatch: %d vs %d", k, bK))
	}
	result := New(NewShape(m, n), a.dtype)
	sgemm(false, true, m, n, k, 1.0, a.data, k, b.data, k, 0.0, result.data, n)
	return result
}

// Sum returns the sum of all elements.
func (t *Tensor) Sum() float32 {
	sum := float32(0)
	for _, v := range t.data {
		sum += v
	}
	return sum
}

// Mean returns the mean of all elements.
func (t *Tensor) Mean() float32 {
	if len(t.data) == 0 {
		return 0
	}
	return t.Sum() / float32(len(t.data))
}
