package client

import (
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Sternrassler/resilient-fetch/pkg/ratelimit"
	"github.com/rs/zerolog"
)

// Transport performs a single HTTP round trip. *http.Client satisfies it.
type Transport interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds the client configuration. It is copied by New and never
// modified afterwards.
type Config struct {
	// Concurrency
	MaxConcurrency int // Max logical requests in flight

	// Spacing between request starts. When RequestsPerSecond > 0 it takes
	// precedence over MinRequestSpacing.
	MinRequestSpacing time.Duration
	RequestsPerSecond float64

	// Retry
	MaxRetries        int
	DoNotRetryCodes   []int
	DoNotRetryMethods []string

	// Rate limit headers, in priority order
	RateLimitHeaderNames    []string
	RateLimitHeaderEncoding ratelimit.Encoding

	// Per-attempt timeout
	RequestTimeout time.Duration

	// Request defaults
	BaseURL        string
	DefaultHeaders http.Header
	UserAgent      string

	// Transport performs the HTTP calls. Defaults to an *http.Client
	// without a client-level timeout.
	Transport Transport

	// RateLimitStore shares server-announced resets between clients. When
	// nil, resets only affect the request that received them.
	RateLimitStore ratelimit.Store

	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger
}

// DefaultDoNotRetryCodes are client errors that a retry cannot fix.
var DefaultDoNotRetryCodes = []int{400, 401, 403, 404, 422, 451}

// DefaultDoNotRetryMethods are methods whose requests may have side effects.
var DefaultDoNotRetryMethods = []string{http.MethodPost, http.MethodPatch}

// DefaultConfig returns a fresh default configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:          10,
		MaxRetries:              3,
		DoNotRetryCodes:         append([]int(nil), DefaultDoNotRetryCodes...),
		DoNotRetryMethods:       append([]string(nil), DefaultDoNotRetryMethods...),
		RateLimitHeaderNames:    append([]string(nil), ratelimit.DefaultHeaderNames...),
		RateLimitHeaderEncoding: ratelimit.EncodingSeconds,
		RequestTimeout:          30 * time.Second,
	}
}

// Spacing returns the effective minimum time between request starts.
func (c Config) Spacing() time.Duration {
	if c.RequestsPerSecond > 0 {
		return time.Duration(math.Ceil(float64(time.Second) / c.RequestsPerSecond))
	}
	return c.MinRequestSpacing
}

// Validate checks the configuration for values New cannot work with.
func (c Config) Validate() error {
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("max_concurrency must be >= 1 (got %d)", c.MaxConcurrency)
	}
	if c.MinRequestSpacing < 0 {
		return fmt.Errorf("min_request_spacing must be >= 0 (got %v)", c.MinRequestSpacing)
	}
	if c.RequestsPerSecond < 0 || math.IsNaN(c.RequestsPerSecond) || math.IsInf(c.RequestsPerSecond, 0) {
		return fmt.Errorf("requests_per_second must be a finite number >= 0 (got %v)", c.RequestsPerSecond)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0 (got %d)", c.MaxRetries)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be > 0 (got %v)", c.RequestTimeout)
	}
	if _, err := ratelimit.ParseEncoding(string(c.RateLimitHeaderEncoding)); err != nil {
		return err
	}
	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil {
			return fmt.Errorf("invalid base_url: %w", err)
		}
		if !u.IsAbs() {
			return fmt.Errorf("base_url must be absolute (got %q)", c.BaseURL)
		}
	}
	return nil
}

// settings is the immutable form of Config used at request time.
type settings struct {
	maxRetries        int
	doNotRetryCodes   map[int]struct{}
	doNotRetryMethods map[string]struct{}
	headerNames       []string
	encoding          ratelimit.Encoding
	timeout           time.Duration
	baseURL           string
	defaultHeaders    http.Header
	userAgent         string
}

func newSettings(cfg Config) settings {
	s := settings{
		maxRetries:        cfg.MaxRetries,
		doNotRetryCodes:   make(map[int]struct{}, len(cfg.DoNotRetryCodes)),
		doNotRetryMethods: make(map[string]struct{}, len(cfg.DoNotRetryMethods)),
		headerNames:       append([]string(nil), cfg.RateLimitHeaderNames...),
		encoding:          cfg.RateLimitHeaderEncoding,
		timeout:           cfg.RequestTimeout,
		baseURL:           cfg.BaseURL,
		defaultHeaders:    cfg.DefaultHeaders.Clone(),
		userAgent:         cfg.UserAgent,
	}
	for _, code := range cfg.DoNotRetryCodes {
		s.doNotRetryCodes[code] = struct{}{}
	}
	for _, m := range cfg.DoNotRetryMethods {
		s.doNotRetryMethods[strings.ToUpper(m)] = struct{}{}
	}
	if s.defaultHeaders == nil {
		s.defaultHeaders = http.Header{}
	}
	return s
}
