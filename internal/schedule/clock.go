// Package schedule derives a quiz session's phase purely from its stored start time
// and question timers, so every participant resolving the same inputs agrees on it.
package schedule

import "time"

// Elapsed returns whole seconds since start, clamped at zero before start.
// ok is false when the session has no start time yet.
func Elapsed(start *time.Time, now time.Time) (elapsed time.Duration, ok bool) {
	if start == nil {
		return 0, false
	}
	d := now.Sub(*start)
	if d < 0 {
		return 0, true
	}
	return d.Truncate(time.Second), true
}

// Until returns whole seconds from now until t, clamped at zero once t has passed.
func Until(t, now time.Time) time.Duration {
	d := t.Sub(now)
	if d < 0 {
		return 0
	}
	return d.Truncate(time.Second)
}

func seconds(d time.Duration) int64 { return int64(d / time.Second) }
