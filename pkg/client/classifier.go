package client

import (
	"net/http"
	"time"

	"github.com/Sternrassler/resilient-fetch/pkg/ratelimit"
)

// Give-up and retry reasons, used in logs and metrics.
const (
	ReasonMaxRetries     = "max_retries"
	ReasonMethod         = "method_not_retryable"
	ReasonStatus         = "status_not_retryable"
	ReasonRateLimit      = "rate_limit"
	ReasonBackoff        = "backoff"
	ReasonNotRecoverable = "not_recoverable"
)

// Decision is the classifier's verdict on a failed attempt.
type Decision struct {
	Retry bool
	Wait  time.Duration

	// Reason names the rule that produced the decision.
	Reason string

	// RateLimited is set when Wait was derived from a rate limit header.
	RateLimited bool

	// ParseErr is set when a rate limit header was present but malformed.
	ParseErr error
}

// Backoff returns the wait before retry n+1: (n+1)^2 seconds.
func Backoff(n int) time.Duration {
	k := time.Duration(n + 1)
	return k * k * time.Second
}

// Decide returns whether a failed attempt should be retried and how long to
// wait first. attempt is the number of failed attempts before this one.
func Decide(cfg Config, o Outcome, attempt int) Decision {
	return decide(newSettings(cfg), o, attempt, time.Now())
}

func decide(s settings, o Outcome, attempt int, now time.Time) Decision {
	if attempt >= s.maxRetries {
		return Decision{Reason: ReasonMaxRetries}
	}

	switch o.Kind {
	case HTTPFailure:
		if o.Response == nil {
			break
		}
		if o.Request != nil {
			if _, ok := s.doNotRetryMethods[o.Request.Method]; ok {
				return Decision{Reason: ReasonMethod}
			}
		}
		if _, ok := s.doNotRetryCodes[o.Response.StatusCode]; ok {
			return Decision{Reason: ReasonStatus}
		}

		var parseErr error
		if o.Response.StatusCode == http.StatusTooManyRequests {
			wait, found, err := ratelimit.Resolve(o.Response.Header, s.headerNames, s.encoding, now)
			if found && err == nil {
				return Decision{Retry: true, Wait: wait, Reason: ReasonRateLimit, RateLimited: true}
			}
			parseErr = err
		}
		return Decision{Retry: true, Wait: Backoff(attempt), Reason: ReasonBackoff, ParseErr: parseErr}

	case Timeout:
		return Decision{Retry: true, Wait: Backoff(attempt), Reason: ReasonBackoff}

	case NetworkFailure:
		if isRecoverableCode(o.Code) {
			return Decision{Retry: true, Wait: Backoff(attempt), Reason: ReasonBackoff}
		}
	}

	return Decision{Reason: ReasonNotRecoverable}
}

func isRecoverableCode(code string) bool {
	switch code {
	case CodeConnRefused, CodeConnReset, CodeConnAborted, CodeDNSTemporary, CodeNetUnreach, CodeTimedOut:
		return true
	}
	return false
}
