package routing

import (
	"math"
	"time"
)

// SaturatedRate is returned by Lambda when successive visits share a
// timestamp and the mean interval is zero.
const SaturatedRate = math.MaxFloat64

// Lambda returns the reciprocal of the mean interval between consecutive
// visits, in visits per second. Fewer than two visits yield 0.
func Lambda(visits []time.Time) float64 {
	n := len(visits)
	if n < 2 {
		return 0
	}

	var sum time.Duration
	for i := 1; i < n; i++ {
		sum += visits[i].Sub(visits[i-1])
	}
	mean := sum.Seconds() / float64(n-1)
	if mean <= 0 {
		return SaturatedRate
	}
	return 1 / mean
}
