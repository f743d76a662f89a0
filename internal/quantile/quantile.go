package quantile

import (
	"math"
	"sort"
)

// Quantile is a collection of data points.
type Quantile struct {
	Xs []float64

	// Sorted indicates that Xs is sorted in ascending order.
	Sorted bool
}

func (q *Quantile) Add(v ...float64) {
	q.Xs = append(q.Xs, v...)
	q.Sorted = false
}

// Sort sorts the data points in place and returns q.
func (q *Quantile) Sort() *Quantile {
	if !q.Sorted && !sort.Float64sAreSorted(q.Xs) {
		sort.Float64s(q.Xs)
	}
	q.Sorted = true
	return q
}

// Bounds returns the minimum and maximum values.
func (q Quantile) Bounds() (float64, float64) {
	if len(q.Xs) == 0 {
		return 0, 0
	}
	if q.Sorted {
		return q.Xs[0], q.Xs[len(q.Xs)-1]
	}
	lo, hi := q.Xs[0], q.Xs[0]
	for _, x := range q.Xs {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	return lo, hi
}

func (q Quantile) Mean() float64 {
	if len(q.Xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range q.Xs {
		sum += x
	}
	return sum / float64(len(q.Xs))
}

// Percentile returns the pctileth value using interpolation method R8 from
// Hyndman and Fan (1996). pctile is capped to [0, 1]. An empty Quantile
// returns 0.
func (q *Quantile) Percentile(pctile float64) float64 {
	if len(q.Xs) == 0 {
		return 0
	}
	if pctile <= 0 {
		lo, _ := q.Bounds()
		return lo
	}
	if pctile >= 1 {
		_, hi := q.Bounds()
		return hi
	}
	q.Sort()

	n := float64(len(q.Xs))
	kf, frac := math.Modf(1/3.0 + pctile*(n+1/3.0))
	k := int(kf)
	switch {
	case k <= 0:
		return q.Xs[0]
	case k >= len(q.Xs):
		return q.Xs[len(q.Xs)-1]
	}
	return q.Xs[k-1] + frac*(q.Xs[k]-q.Xs[k-1])
}
