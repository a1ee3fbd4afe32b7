// Package ratelimit decodes server rate limit headers into wait durations and
// keeps a per-host gate so that every request to a rate limited host waits
// for the announced reset, not only the request that received the 429.
package ratelimit

import (
	"time"
)

// KeyPrefix namespaces gate entries in shared stores such as Redis.
const KeyPrefix = "fetch:rate_limit:"

// State is the rate limit state of a single host.
type State struct {
	// Host is the key the state is tracked under (host[:port]).
	Host string `json:"host"`

	// BlockedUntil is when requests to Host may resume.
	// Zero when the host has never been rate limited.
	BlockedUntil time.Time `json:"blocked_until"`
}

// IsBlocked returns true if requests to the host must still wait at now.
func (s *State) IsBlocked(now time.Time) bool {
	return now.Before(s.BlockedUntil)
}

// TimeUntilReset returns the remaining wait at now.
// Returns 0 if the reset time has already passed.
func (s *State) TimeUntilReset(now time.Time) time.Duration {
	d := s.BlockedUntil.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
