// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package tensor

// BLAS bridge for float32 matrix multiplication.
//
// Routing workloads multiply short-and-wide batches ([tokens, dim] against
// [experts, dim] projections), which gonum's pure-Go float32 BLAS handles
// without any cgo crossing cost. Callers that need a vendor BLAS can swap
// the implementation process-wide via blas32.Use.

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// sgemm computes C = alpha*op(A)@op(B) + beta*C in float32.
//
// m, n, k are the dimensions of the PRODUCT: op(A) is [m, k], op(B) is
// [k, n], C is [m, n]. lda/ldb/ldc are leading dimensions (stride in
// elements between rows) of the stored matrices, so strided views into a
// larger buffer multiply without copying.
//
// The early return on zero dimensions keeps degenerate shapes (an empty
// batch, a zero-capacity buffer) from reaching the BLAS stride checks.
func sgemm(transA, transB bool, m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) {
	if m == 0 || n == 0 || k == 0 {
		return
	}

	ta, ga := blas.NoTrans, blas32.General{Rows: m, Cols: k, Stride: lda, Data: a}
	if transA {
		ta, ga.Rows, ga.Cols = blas.Trans, k, m
	}
	tb, gb := blas.NoTrans, blas32.General{Rows: k, Cols: n, Stride: ldb, Data: b}
	if transB {
		tb, gb.Rows, gb.Cols = blas.Trans, n, k
	}

	blas32.Gemm(ta, tb, alpha, ga, gb, beta, blas32.General{
		Rows:   m,
		Cols:   n,
		Stride: ldc,
		Data:   c,
	})
}
