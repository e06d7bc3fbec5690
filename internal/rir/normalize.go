package rir

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strconv"
)

type blockStep struct {
	size   uint64
	prefix int
	// align is the next larger block size; widening stops once curr reaches it.
	align uint64
}

var (
	// Widening toward the middle of a range: single addresses up to a /24
	// boundary, /24s up to a /16 boundary, /16s up to a /8 boundary.
	wideningSteps = []blockStep{
		{size: 1, prefix: 32, align: 1 << 8},
		{size: 1 << 8, prefix: 24, align: 1 << 16},
		{size: 1 << 16, prefix: 16, align: 1 << 24},
	}
	// Narrowing toward the end of a range, largest blocks first.
	narrowingSteps = []blockStep{
		{size: 1 << 24, prefix: 8},
		{size: 1 << 16, prefix: 16},
		{size: 1 << 8, prefix: 24},
		{size: 1, prefix: 32},
	}
)

// Validate rejects intervals whose end lies before their start.
func Validate(intervals []Interval) error {
	for i, iv := range intervals {
		if iv.End < uint64(iv.Start) {
			return fmt.Errorf("%w: #%d start %d end %d (%s)", ErrInvalidInterval, i, iv.Start, iv.End, iv.Country)
		}
	}
	return nil
}

// Merge sorts intervals by start address and glues together runs that are
// contiguous and belong to the same country. The input slice is not modified.
//
// Intervals with equal start addresses keep their feed order, so for a feed
// that repeats a start address the earlier line is the one considered for
// merging with its predecessor.
func Merge(intervals []Interval) []Interval {
	if len(intervals) == 0 {
		return nil
	}

	sorted := make([]Interval, len(intervals))
	copy(sorted, intervals)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Start < sorted[j].Start
	})

	merged := make([]Interval, 0, len(sorted))
	acc := sorted[0]
	for _, next := range sorted[1:] {
		if acc.End == uint64(next.Start) && acc.Country == next.Country {
			acc.End = next.End
			continue
		}
		merged = append(merged, acc)
		acc = next
	}
	return append(merged, acc)
}

// Decompose splits one interval into /32, /24, /16 and /8 blocks covering
// exactly [Start, End) and calls fn for each block in ascending order.
// End values past the top of the address space are clamped to 2^32.
func Decompose(iv Interval, codec Codec, fn func(Record) error) error {
	if iv.End < uint64(iv.Start) {
		return fmt.Errorf("%w: start %d end %d (%s)", ErrInvalidInterval, iv.Start, iv.End, iv.Country)
	}
	if codec == nil {
		codec = DefaultCodec
	}
	return decompose(uint64(iv.Start), clampEnd(iv.End), func(start uint64, prefix int) error {
		return fn(Record{
			CIDR:    codec.FormatIPv4(uint32(start)) + "/" + strconv.Itoa(prefix),
			Kind:    KindIPv4,
			Country: iv.Country,
		})
	})
}

func decompose(curr, end uint64, emit func(start uint64, prefix int) error) error {
	for _, step := range wideningSteps {
		for curr%step.align != 0 && curr+step.size <= end {
			if err := emit(curr, step.prefix); err != nil {
				return err
			}
			curr += step.size
		}
	}

	for _, step := range narrowingSteps {
		for curr+step.size <= end {
			if err := emit(curr, step.prefix); err != nil {
				return err
			}
			curr += step.size
		}
	}
	return nil
}

// Normalize validates, merges and decomposes staged intervals, calling emit
// for every resulting block. Nothing is emitted when validation fails.
//
// Every yieldEvery merged intervals the loop yields the processor and checks
// ctx, so a long feed can be cancelled part way through decomposition.
func Normalize(ctx context.Context, intervals []Interval, emit func(Record) error, opts ...Option) error {
	_, err := normalize(ctx, intervals, emit, newOptions(opts))
	return err
}

func normalize(ctx context.Context, intervals []Interval, emit func(Record) error, o options) (int, error) {
	if err := Validate(intervals); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	merged := Merge(intervals)
	for i, iv := range merged {
		if o.yieldEvery > 0 && i > 0 && i%o.yieldEvery == 0 {
			runtime.Gosched()
			if err := ctx.Err(); err != nil {
				return len(merged), err
			}
		}
		if err := Decompose(iv, o.codec, emit); err != nil {
			return len(merged), err
		}
	}
	return len(merged), nil
}
