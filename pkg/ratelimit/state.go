// Package ratelimit tracks upstream cooldowns signalled by 429/503 responses.
// The cooldown is shared by every flow that uses the same Store, so entries
// sharing a session (or a Redis instance) back off together instead of each
// hammering the marketplace on its own schedule.
package ratelimit

import (
	"time"
)

// Redis keys for cooldown state storage.
const (
	RedisKeyCooldownUntil  = "appstore:cooldown:until"
	RedisKeyCooldownReason = "appstore:cooldown:reason"
	RedisKeyLastUpdate     = "appstore:cooldown:last_update"
)

// CooldownState represents the current upstream cooldown.
type CooldownState struct {
	// Until is when requests may resume.
	Until time.Time `json:"until"`

	// Reason is the status that triggered the cooldown (e.g. "429").
	Reason string `json:"reason"`

	// LastUpdate is when this state was last written.
	LastUpdate time.Time `json:"last_update"`
}

// IsStale returns true if the state data is older than the given duration.
func (s *CooldownState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// Active reports whether requests should still wait.
func (s *CooldownState) Active() bool {
	return s != nil && time.Now().Before(s.Until)
}

// Remaining returns the duration until the cooldown ends.
// Returns 0 if the cooldown has already passed.
func (s *CooldownState) Remaining() time.Duration {
	if s == nil {
		return 0
	}
	duration := time.Until(s.Until)
	if duration < 0 {
		return 0
	}
	return duration
}
