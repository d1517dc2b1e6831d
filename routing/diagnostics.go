// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package routing

import (
	"cmp"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/emirpasic/gods/v2/queues/priorityqueue"

	"github.com/fumi-engineer/moe-routing/tensor"
)

// SampleFraction sizes the balance diagnostics: the top and bottom
// max(ceil(E*SampleFraction), 1) experts of the sorted histogram are
// summarized.
const SampleFraction = 0.2

// Metadata carries one routing call's diagnostics under stable keys
// (entropy_gating, expert1_balance_top, overflow_expert2, ...). Values are
// observational only and never feed back into routing decisions.
type Metadata map[string]float32

// LogValue renders the metadata as a key-sorted slog group, so a routing
// result can be attached to a structured log record without manual
// unpacking.
func (m Metadata) LogValue() slog.Value {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]slog.Attr, len(keys))
	for i, k := range keys {
		attrs[i] = slog.Float64(k, float64(m[k]))
	}
	return slog.GroupValue(attrs...)
}

// expertHistogram computes the percentage of tokens whose rank-r choice was
// each expert. Padded tokens count too: the histogram reflects raw arg-max
// decisions, not admission.
func expertHistogram(indices []int32, numExperts int) []float32 {
	hist := make([]float32, numExperts)
	for _, e := range indices {
		hist[e]++
	}
	scale := 100 / float32(len(indices))
	for i := range hist {
		hist[i] *= scale
	}
	return hist
}

// recordBalance folds one choice rank's histogram into the metadata: the
// count of experts no token chose, then the combined share of the busiest
// and idlest expert samples. Sorted entries get the smallest positive
// normal added so log-scale consumers never see an exact zero.
func recordBalance(md Metadata, choiceRank int, hist []float32) {
	unused := 0
	for _, h := range hist {
		if h == 0 {
			unused++
		}
	}
	md[fmt.Sprintf("unused_expert%d_count", choiceRank)] = float32(unused)

	sorted := sortDescending(hist)
	for i := range sorted {
		sorted[i] += tinyF32
	}
	sampleCount := int(math.Ceil(float64(len(hist)) * SampleFraction))
	if sampleCount < 1 {
		sampleCount = 1
	}
	top, bottom := float32(0), float32(0)
	for i := 0; i < sampleCount; i++ {
		top += sorted[i]
		bottom += sorted[len(sorted)-1-i]
	}
	md[fmt.Sprintf("expert%d_balance_top", choiceRank)] = top
	md[fmt.Sprintf("expert%d_balance_bottom", choiceRank)] = bottom
}

// sortDescending returns the values in descending order, drained through a
// max-priority queue.
func sortDescending(values []float32) []float32 {
	q := priorityqueue.NewWith(func(a, b float32) int {
		return cmp.Compare(b, a)
	})
	for _, v := range values {
		q.Enqueue(v)
	}
	out := make([]float32, 0, len(values))
	for {
		v, ok := q.Dequeue()
		if !ok {
			break
		}
		out = append(out, v)
	}
	return out
}

// overflowPercent reports what share of a rank's assignments landed at or
// beyond the capacity boundary. A rank with no assignments at all reports 0.
func overflowPercent(mask, locations *tensor.Tensor, capacity int) float32 {
	m, loc := mask.DataPtr(), locations.DataPtr()
	over, total := float32(0), float32(0)
	for i := range m {
		if m[i] == 0 {
			continue
		}
		total++
		if int(loc[i]) >= capacity {
			over++
		}
	}
	if total == 0 {
		return 0
	}
	return 100 * over / total
}
