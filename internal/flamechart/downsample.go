package flamechart

import (
	"math/bits"

	"github.com/getsentry/callstack/internal/interval"
)

// downsample reduces a contiguous list of intervals covering [lo, hi) to at
// most 2*n states. Lists of up to 2*n intervals are kept as is. Longer ones
// are split in m buckets of equal width, m being n rounded up to a power of
// two, and the intervals starting in the same bucket are merged, keeping
// their label only if they all share it.
//
// Bucket edges at a resolution are edges at every higher resolution, so
// increasing the resolution only ever splits states.
func downsample(intervals []interval.Interval, lo, hi int64, n int) []State {
	if (len(intervals)+1)/2 <= n {
		states := make([]State, 0, len(intervals))
		for _, iv := range intervals {
			states = append(states, State{Start: iv.Start, Duration: iv.Duration(), Label: iv.Label})
		}
		return states
	}

	buckets := uint64(1) << bits.Len64(uint64(n-1))
	width := uint64(hi) - uint64(lo)
	states := make([]State, 0, buckets)
	var (
		current     uint64
		first, last interval.Interval
		homogeneous bool
		count       int
	)
	flush := func() {
		s := State{Start: first.Start, Duration: last.End - first.Start}
		if homogeneous {
			s.Label = first.Label
		}
		states = append(states, s)
	}
	for _, iv := range intervals {
		b := bucket(iv.Start, lo, width, buckets)
		if count > 0 && b != current {
			flush()
			count = 0
		}
		if count == 0 {
			current = b
			first = iv
			homogeneous = true
		} else if iv.Label != first.Label {
			homogeneous = false
		}
		last = iv
		count++
	}
	if count > 0 {
		flush()
	}
	return states
}

// bucket computes floor((t-lo)*n/width) without overflowing.
func bucket(t, lo int64, width, n uint64) uint64 {
	high, low := bits.Mul64(uint64(t)-uint64(lo), n)
	q, _ := bits.Div64(high, low, width)
	return q
}
