package tools

import (
	"sync"
	"time"
)

// ToolRateLimiter caps tool executions per session using a sliding hourly
// window, matching config.ToolsConfig.RateLimitPerHour (0 = disabled).
type ToolRateLimiter struct {
	mu        sync.Mutex
	limit     int
	window    time.Duration
	callsBy   map[string][]time.Time
}

// NewToolRateLimiter builds a limiter allowing up to limit calls per hour
// per session key. limit <= 0 disables the limiter (Allow always true).
func NewToolRateLimiter(limit int) *ToolRateLimiter {
	return &ToolRateLimiter{limit: limit, window: time.Hour, callsBy: make(map[string][]time.Time)}
}

// Allow records one call attempt for sessionKey and reports whether it is
// within the limit.
func (rl *ToolRateLimiter) Allow(sessionKey string) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	calls := rl.callsBy[sessionKey]
	cutoff := now.Add(-rl.window)
	kept := calls[:0]
	for _, t := range calls {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= rl.limit {
		rl.callsBy[sessionKey] = kept
		return false
	}
	rl.callsBy[sessionKey] = append(kept, now)
	return true
}

// Remaining reports how many calls sessionKey has left in the current window.
func (rl *ToolRateLimiter) Remaining(sessionKey string) int {
	if rl == nil || rl.limit <= 0 {
		return -1
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-rl.window)
	n := 0
	for _, t := range rl.callsBy[sessionKey] {
		if t.After(cutoff) {
			n++
		}
	}
	if rl.limit-n < 0 {
		return 0
	}
	return rl.limit - n
}
