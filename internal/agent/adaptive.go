package agent

import "time"

const (
	// MinIntervalSecs is the floor for the poll interval and the minimum gap
	// between two fetch cycles.
	MinIntervalSecs = 10
	// wakeThreshold is the tick gap that indicates the host was suspended.
	wakeThreshold = 30 * time.Second
	// tickQuantum is how often the loop re-evaluates.
	tickQuantum = time.Second
)

// ClampInterval applies the interval floor.
func ClampInterval(secs int) int {
	return max(secs, MinIntervalSecs)
}

// AdaptiveInterval maps a cycle's maximum utilization to a poll interval.
// Band lower bounds are inclusive.
func AdaptiveInterval(maxUtilization float64) int {
	switch {
	case maxUtilization >= 90:
		return 60
	case maxUtilization >= 75:
		return 180
	case maxUtilization >= 50:
		return 300
	default:
		return 600
	}
}

type tickAction int

const (
	tickIdle tickAction = iota
	tickFetch
	tickWake
)

// decideTick reports what one loop iteration should do. A zero lastCheck
// means no fetch has run since Start.
func decideTick(now, lastTick, lastCheck time.Time, interval time.Duration) tickAction {
	if now.Sub(lastTick) > wakeThreshold {
		return tickWake
	}
	if lastCheck.IsZero() || now.Sub(lastCheck) >= interval {
		return tickFetch
	}
	return tickIdle
}
