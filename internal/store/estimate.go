package store

import "math"

// DefaultServingMinutes is used while a business has no completed samples.
const DefaultServingMinutes = 5

// EstimateWait returns the expected wait in minutes for an entry at the
// given 1-based position. activeCounters counts counters that will
// eventually turn over (active or busy); with none open the estimate
// is 0 rather than an error.
func EstimateWait(position, activeCounters int, avgServingMinutes float64) int {
	if position <= 0 || activeCounters <= 0 {
		return 0
	}
	if avgServingMinutes <= 0 {
		avgServingMinutes = DefaultServingMinutes
	}
	return int(math.Ceil(float64(position) / float64(activeCounters) * avgServingMinutes))
}

// ShouldNotify reports whether an entry at position is due a near-turn
// notification: at or below the threshold and not already notified for
// this exact position value.
func ShouldNotify(position, threshold int, notified []int) bool {
	if threshold <= 0 || position <= 0 || position > threshold {
		return false
	}
	for _, p := range notified {
		if p == position {
			return false
		}
	}
	return true
}
