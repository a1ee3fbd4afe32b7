package ratelimit

import (
	"net/http"
	"strings"
	"time"
)

// DefaultHeaderNames are the rate limit headers checked, in priority order,
// when a client is not configured otherwise.
var DefaultHeaderNames = []string{
	"Retry-After",
	"RateLimit-Reset",
	"X-RateLimit-Reset",
	"X-Rate-Limit-Reset",
}

// FindHeader returns the first of names present in header with a non-empty
// value. Names are matched case-insensitively.
func FindHeader(header http.Header, names []string) (name, value string, ok bool) {
	for _, n := range names {
		if v := strings.TrimSpace(header.Get(n)); v != "" {
			return n, v, true
		}
		// Header maps built by hand may carry non-canonical keys.
		for key, values := range header {
			if strings.EqualFold(key, n) && len(values) > 0 && strings.TrimSpace(values[0]) != "" {
				return n, strings.TrimSpace(values[0]), true
			}
		}
	}
	return "", "", false
}

// Resolve computes how long to wait before retrying a rate limited response.
// found is false when none of names is present; a present but malformed value
// returns found=true together with a *ParseError.
func Resolve(header http.Header, names []string, enc Encoding, now time.Time) (wait time.Duration, found bool, err error) {
	_, value, ok := FindHeader(header, names)
	if !ok {
		return 0, false, nil
	}

	wait, err = ParseHeaderValue(value, enc, ReferenceTime(header, now))
	if err != nil {
		return 0, true, err
	}
	return wait, true, nil
}
