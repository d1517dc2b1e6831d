// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package tensor

// Tests for the tensor substrate.
//
// Testing philosophy: test module boundaries and exported behavior, not internals.
// The type system enforces most invariants (shapes, dtypes); tests focus on
// numerical correctness at the seams: the float32 math kernels, the BLAS bridge,
// the softmax kernel, and the half-precision interchange codecs.

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestShape(t *testing.T) {
	s := NewShape(2, 3, 4)
	if s.NDim() != 3 {
		t.Errorf("expected 3 dims, got %d", s.NDim())
	}
	if s.Numel() != 24 {
		t.Errorf("expected 24 elements, got %d", s.Numel())
	}
	if s.At(0) != 2 || s.At(1) != 3 || s.At(2) != 4 {
		t.Errorf("unexpected dims: %v", s.Dims())
	}
}

// Negative indices address dims from the end, like At(-1) for the last dim.
func TestShapeNegativeIndex(t *testing.T) {
	s := NewShape(5, 7)
	if s.At(-1) != 7 {
		t.Errorf("expected At(-1) == 7, got %d", s.At(-1))
	}
	if s.At(-2) != 5 {
		t.Errorf("expected At(-2) == 5, got %d", s.At(-2))
	}
}

func TestShapeStrides(t *testing.T) {
	s := NewShape(2, 3, 4)
	strides := s.Strides()
	if len(strides) != 3 {
		t.Fatalf("expected 3 strides, got %d", len(strides))
	}
	// Row-major: [12, 4, 1]
	if strides[0] != 12 || strides[1] != 4 || strides[2] != 1 {
		t.Errorf("unexpected strides: %v", strides)
	}
}

func TestShapeEqual(t *testing.T) {
	if !NewShape(2, 3).Equal(NewShape(2, 3)) {
		t.Error("expected equal shapes")
	}
	if NewShape(2, 3).Equal(NewShape(3, 2)) {
		t.Error("expected unequal shapes")
	}
	if NewShape(2, 3).Equal(NewShape(2, 3, 1)) {
		t.Error("expected unequal ranks")
	}
}

func TestTensorZeros(t *testing.T) {
	tensor := Zeros(NewShape(2, 3), F32)
	if tensor.Shape().Numel() != 6 {
		t.Errorf("expected 6 elements, got %d", tensor.Shape().Numel())
	}
	for _, v := range tensor.Data() {
		if v != 0 {
			t.Errorf("expected 0, got %f", v)
		}
	}
}

func TestTensorOnes(t *testing.T) {
	tensor := Ones(NewShape(2, 3), F32)
	for _, v := range tensor.Data() {
		if v != 1 {
			t.Errorf("expected 1, got %f", v)
		}
	}
}

func TestTensorFromSlice(t *testing.T) {
	data := []float32{1, 2, 3, 4, 5, 6}
	tensor := FromSlice(data, NewShape(2, 3))
	if tensor.At(0, 0) != 1 || tensor.At(1, 2) != 6 {
		t.Errorf("unexpected values")
	}
	// FromSlice copies: mutating the source must not touch the tensor.
	data[0] = 99
	if tensor.At(0, 0) != 1 {
		t.Error("expected FromSlice to copy its input")
	}
}

func TestTensorFromSliceNoCopy(t *testing.T) {
	data := []float32{1, 2}
	tensor := FromSliceNoCopy(data, NewShape(2))
	data[0] = 99
	if tensor.At(0) != 99 {
		t.Error("expected FromSliceNoCopy to share storage")
	}
}

// Clone must produce independent storage.
func TestTensorClone(t *testing.T) {
	a := FromSlice([]float32{1, 2, 3}, NewShape(3))
	b := a.Clone()
	b.DataPtr()[0] = 42
	if a.At(0) != 1 {
		t.Errorf("expected clone independence, original got %f", a.At(0))
	}
}

// Reshape shares storage with the source tensor.
func TestTensorReshape(t *testing.T) {
	a := FromSlice([]float32{1, 2, 3, 4, 5, 6}, NewShape(2, 3))
	b := a.Reshape(NewShape(3, 2))
	if !b.Shape().Equal(NewShape(3, 2)) {
		t.Fatalf("unexpected shape: %v", b.Shape())
	}
	b.Set(42, 0, 0)
	if a.At(0, 0) != 42 {
		t.Error("expected reshape to share storage")
	}
}

// ExpF32 against the float64 reference over a wide range.
func TestExpF32(t *testing.T) {
	for x := float32(-20); x <= 20; x += 0.37 {
		got := float64(ExpF32(x))
		want := math.Exp(float64(x))
		rel := math.Abs(got-want) / want
		if rel > 1e-5 {
			t.Fatalf("ExpF32(%f) = %g, want %g (rel err %g)", x, got, want, rel)
		}
	}
	if ExpF32(0) != 1 {
		t.Errorf("expected ExpF32(0) == 1, got %f", ExpF32(0))
	}
}

// LogF32 against the float64 reference; LogF32(ExpF32(x)) ~= x.
func TestLogF32(t *testing.T) {
	for _, x := range []float32{1e-6, 0.01, 0.5, 1, 2, 10, 1000, 1e6} {
		got := float64(LogF32(x))
		want := math.Log(float64(x))
		if math.Abs(got-want) > 1e-5*(1+math.Abs(want)) {
			t.Fatalf("LogF32(%g) = %g, want %g", x, got, want)
		}
	}
	for x := float32(-5); x <= 5; x += 1.1 {
		back := LogF32(ExpF32(x))
		if math.Abs(float64(back-x)) > 1e-4 {
			t.Fatalf("LogF32(ExpF32(%f)) = %f", x, back)
		}
	}
}

func TestSqrtF32(t *testing.T) {
	for _, x := range []float32{1e-8, 0.25, 1, 2, 100, 65536, 1e10} {
		got := float64(SqrtF32(x))
		want := math.Sqrt(float64(x))
		rel := math.Abs(got-want) / want
		if rel > 1e-5 {
			t.Fatalf("SqrtF32(%g) = %g, want %g (rel err %g)", x, got, want, rel)
		}
	}
	if SqrtF32(0) != 0 {
		t.Errorf("expected SqrtF32(0) == 0, got %f", SqrtF32(0))
	}
}

func TestTensorSoftmax(t *testing.T) {
	a := FromSlice([]float32{1, 2, 3}, NewShape(1, 3))
	c := a.Softmax()
	data := c.Data()
	sum := data[0] + data[1] + data[2]
	if math.Abs(float64(sum)-1.0) > 0.001 {
		t.Errorf("expected sum 1, got %f", sum)
	}
	// Should be monotonically increasing
	if data[0] >= data[1] || data[1] >= data[2] {
		t.Errorf("expected monotonic increase: %v", data)
	}
}

// Softmax over a row containing the -inf sentinel assigns it zero probability.
func TestSoftmaxNegInfMasking(t *testing.T) {
	a := FromSlice([]float32{1, NegInf, 2}, NewShape(1, 3))
	out := a.Softmax().Data()
	if out[1] != 0 {
		t.Errorf("expected masked position to get probability 0, got %g", out[1])
	}
	sum := out[0] + out[1] + out[2]
	if math.Abs(float64(sum)-1.0) > 1e-5 {
		t.Errorf("expected masked row to still sum to 1, got %f", sum)
	}
}

// SoftmaxInto writes each row independently for multi-row input.
func TestSoftmaxInto(t *testing.T) {
	a := FromSlice([]float32{1, 1, 1, 0, 10, 0}, NewShape(2, 3))
	out := New(NewShape(2, 3), F32)
	a.SoftmaxInto(out)

	data := out.Data()
	for r := 0; r < 2; r++ {
		sum := data[r*3] + data[r*3+1] + data[r*3+2]
		if math.Abs(float64(sum)-1.0) > 1e-5 {
			t.Errorf("row %d: expected sum 1, got %f", r, sum)
		}
	}
	// Uniform first row, peaked second row.
	if math.Abs(float64(data[0])-1.0/3.0) > 1e-5 {
		t.Errorf("expected uniform first row, got %f", data[0])
	}
	if data[4] < 0.99 {
		t.Errorf("expected peaked second row, got %f", data[4])
	}
}

func TestMatmul(t *testing.T) {
	// [2, 3] x [3, 4] -> [2, 4]
	a := FromSlice([]float32{1, 2, 3, 4, 5, 6}, NewShape(2, 3))
	b := FromSlice([]float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, NewShape(3, 4))
	c := Matmul(a, b)

	if !c.Shape().Equal(NewShape(2, 4)) {
		t.Errorf("unexpected shape: %v", c.Shape())
	}

	// c[0,0] = 1*1 + 2*5 + 3*9 = 38
	if c.At(0, 0) != 38 {
		t.Errorf("expected 38, got %f", c.At(0, 0))
	}
	// c[1,3] = 4*4 + 5*8 + 6*12 = 128
	if c.At(1, 3) != 128 {
		t.Errorf("expected 128, got %f", c.At(1, 3))
	}
}

// MatmulTransposedB computes a @ b^T without materializing the transpose.
func TestMatmulTransposedB(t *testing.T) {
	a := FromSlice([]float32{1, 2, 3, 4}, NewShape(2, 2))
	b := FromSlice([]float32{
		1, 0,
		0, 1,
		1, 1,
	}, NewShape(3, 2))
	c := MatmulTransposedB(a, b)

	if !c.Shape().Equal(NewShape(2, 3)) {
		t.Fatalf("expected shape [2, 3], got %v", c.Shape())
	}
	want := []float32{1, 2, 3, 3, 4, 7}
	got := c.Data()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("index %d: expected %f, got %f", i, want[i], got[i])
		}
	}
}

// Against a naive triple loop on a larger, non-square problem.
func TestMatmulAgainstNaive(t *testing.T) {
	m, k, n := 5, 7, 3
	a := Randn(NewShape(m, k), F32)
	b := Randn(NewShape(k, n), F32)
	c := Matmul(a, b)

	ad, bd, cd := a.Data(), b.Data(), c.Data()
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			acc := float32(0)
			for p := 0; p < k; p++ {
				acc += ad[i*k+p] * bd[p*n+j]
			}
			if math.Abs(float64(cd[i*n+j]-acc)) > 1e-4 {
				t.Fatalf("c[%d,%d] = %f, naive %f", i, j, cd[i*n+j], acc)
			}
		}
	}
}

func TestSumMean(t *testing.T) {
	a := FromSlice([]float32{1, 2, 3, 4}, NewShape(2, 2))
	if a.Sum() != 10 {
		t.Errorf("expected sum 10, got %f", a.Sum())
	}
	if a.Mean() != 2.5 {
		t.Errorf("expected mean 2.5, got %f", a.Mean())
	}
}

func TestDType(t *testing.T) {
	if F32.Size() != 4 {
		t.Errorf("expected F32 size 4, got %d", F32.Size())
	}
	if F16.Size() != 2 || BF16.Size() != 2 {
		t.Errorf("expected half-precision size 2, got %d and %d", F16.Size(), BF16.Size())
	}
	if F32.String() != "f32" {
		t.Errorf("expected 'f32', got '%s'", F32.String())
	}
	if F16.String() != "f16" || BF16.String() != "bf16" {
		t.Errorf("unexpected names: '%s', '%s'", F16.String(), BF16.String())
	}
}

// Round-trip through the f16 codec with exactly-representable values.
func TestFloat16RoundTrip(t *testing.T) {
	want := []float32{0, 1, -1, 0.5, -0.25, 1.5, 2048, -6.25}
	src := FromSlice(want, NewShape(2, 4))

	back := FromFloat16(src.Float16(), NewShape(2, 4))
	if back.DType() != F16 {
		t.Errorf("expected dtype f16, got %v", back.DType())
	}
	if diff := cmp.Diff(want, back.Data()); diff != "" {
		t.Errorf("f16 round trip mismatch (-want +got):\n%s", diff)
	}
}

// Round-trip through the bf16 codec with exactly-representable values.
func TestBFloat16RoundTrip(t *testing.T) {
	want := []float32{0, 1, -2, 0.5, 3, -0.125, 64, 1.25}
	src := FromSlice(want, NewShape(8))

	back := FromBFloat16(src.BFloat16(), NewShape(8))
	if back.DType() != BF16 {
		t.Errorf("expected dtype bf16, got %v", back.DType())
	}
	if diff := cmp.Diff(want, back.Data()); diff != "" {
		t.Errorf("bf16 round trip mismatch (-want +got):\n%s", diff)
	}
}

// Half precision truncates: a value needing more mantissa bits comes back
// close but not exact.
func TestBFloat16Truncation(t *testing.T) {
	src := FromSlice([]float32{3.14159265}, NewShape(1))
	back := FromBFloat16(src.BFloat16(), NewShape(1))
	got := back.At(0)
	if got == 3.14159265 {
		t.Error("expected bf16 to lose mantissa bits")
	}
	if math.Abs(float64(got)-3.14159265) > 0.02 {
		t.Errorf("bf16 value too far off: %f", got)
	}
}

func TestRandnWithStd(t *testing.T) {
	a := RandnWithStd(NewShape(1000), F32, 0.02)
	sumSq := float32(0)
	for _, v := range a.Data() {
		sumSq += v * v
	}
	std := SqrtF32(sumSq / 1000)
	if std < 0.015 || std > 0.025 {
		t.Errorf("expected sample std near 0.02, got %f", std)
	}
}
