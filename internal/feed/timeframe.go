package feed

import "time"

// supportedIntervals is the enumerated timeframe set, ascending. Bars
// only aggregate cleanly on these boundaries.
var supportedIntervals = []time.Duration{
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
	24 * time.Hour,
}

// NormalizeInterval snaps an arbitrary interval to the nearest
// supported timeframe. Non-positive intervals fall back to one minute.
func NormalizeInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Minute
	}
	best := supportedIntervals[0]
	bestDiff := absDuration(d - best)
	for _, candidate := range supportedIntervals[1:] {
		if diff := absDuration(d - candidate); diff < bestDiff {
			best, bestDiff = candidate, diff
		}
	}
	return best
}

// IntervalName renders the interval in exchange notation (1m, 5m, 15m,
// 1h, 1d).
func IntervalName(d time.Duration) string {
	switch NormalizeInterval(d) {
	case time.Minute:
		return "1m"
	case 5 * time.Minute:
		return "5m"
	case 15 * time.Minute:
		return "15m"
	case time.Hour:
		return "1h"
	default:
		return "1d"
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
