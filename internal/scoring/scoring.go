// Package scoring turns a validated answer into points.
package scoring

import (
	"math"
	"time"
)

const (
	DefaultMaxPoints = 1000
	DefaultMinPoints = 100
)

// Policy awards MaxPoints for an instant correct answer, decaying linearly to
// MinPoints at the end of the question window. Incorrect answers score zero.
type Policy struct {
	MaxPoints int
	MinPoints int
}

// DefaultPolicy returns the stock 1000 -> 100 decay.
func DefaultPolicy() Policy {
	return Policy{MaxPoints: DefaultMaxPoints, MinPoints: DefaultMinPoints}
}

// ClampLatency bounds latency to [0, window].
func ClampLatency(latency, window time.Duration) time.Duration {
	if latency < 0 {
		return 0
	}
	if window > 0 && latency > window {
		return window
	}
	return latency
}

// LatencyFromMillis converts a reported latency in milliseconds, bounding it to
// [0, window] before conversion so out-of-range values cannot overflow.
func LatencyFromMillis(ms int64, window time.Duration) time.Duration {
	if ms <= 0 {
		return 0
	}
	if window > 0 && ms >= window.Milliseconds() {
		return window
	}
	if ms > math.MaxInt64/int64(time.Millisecond) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ms) * time.Millisecond
}

// Score returns the points for one answer. base overrides MaxPoints when positive.
// The result is non-increasing in latency and never below the floor when correct.
func (p Policy) Score(correct bool, latency, window time.Duration, base int) int {
	if !correct {
		return 0
	}
	max := p.MaxPoints
	if base > 0 {
		max = base
	}
	if max <= 0 {
		max = DefaultMaxPoints
	}
	min := p.MinPoints
	if min < 0 {
		min = 0
	}
	if min > max {
		min = max
	}
	if window <= 0 {
		return max
	}
	latency = ClampLatency(latency, window)
	decay := int64(max-min) * int64(latency) / int64(window)
	return max - int(decay)
}
