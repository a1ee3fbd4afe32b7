package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Encoding describes how a rate limit header value encodes its reset time.
type Encoding string

const (
	// EncodingDatetime is an HTTP date or an RFC 3339 timestamp.
	EncodingDatetime Encoding = "datetime"

	// EncodingEpoch is an absolute unix timestamp in milliseconds.
	EncodingEpoch Encoding = "epoch"

	// EncodingSeconds is a number of seconds, either relative or an absolute
	// unix timestamp when larger than one year.
	EncodingSeconds Encoding = "seconds"

	// EncodingMilliseconds is a number of milliseconds, either relative or an
	// absolute unix timestamp when larger than one year.
	EncodingMilliseconds Encoding = "milliseconds"

	// EncodingAuto guesses the unit and kind of a numeric value by magnitude.
	EncodingAuto Encoding = "auto"
)

// SafetyMargin is added to every parsed wait to absorb sub-second clock skew
// between client and server.
const SafetyMargin = time.Second

const (
	oneYearSeconds = 365 * 24 * 60 * 60
	oneYearMillis  = oneYearSeconds * 1000

	y2kSeconds     = 946_684_800
	y2kMillis      = 946_684_800_000
	oneHourSeconds = 3_600
)

// maxWaitMillis (about 31 years) keeps the conversion to time.Duration far
// from overflowing.
const maxWaitMillis = 1e12

// ErrMalformedHeader is matched by every ParseError.
var ErrMalformedHeader = errors.New("malformed rate limit header")

// ParseError reports a rate limit header value that could not be decoded.
type ParseError struct {
	Value    string
	Encoding Encoding
	Err      error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s rate limit value %q: %v", e.Encoding, e.Value, e.Err)
}

// Unwrap exposes both ErrMalformedHeader and the underlying cause.
func (e *ParseError) Unwrap() []error {
	return []error{ErrMalformedHeader, e.Err}
}

// ParseEncoding validates an encoding name.
func ParseEncoding(s string) (Encoding, error) {
	switch enc := Encoding(strings.ToLower(strings.TrimSpace(s))); enc {
	case EncodingDatetime, EncodingEpoch, EncodingSeconds, EncodingMilliseconds, EncodingAuto:
		return enc, nil
	default:
		return "", fmt.Errorf("unknown rate limit header encoding %q", s)
	}
}

// ParseHeaderValue decodes a rate limit header value into the time to wait,
// measured from reference. Resets in the past yield only the SafetyMargin.
func ParseHeaderValue(value string, enc Encoding, reference time.Time) (time.Duration, error) {
	value = strings.TrimSpace(value)

	var waitMillis float64
	switch enc {
	case EncodingDatetime:
		at, err := parseDatetime(value)
		if err != nil {
			return 0, &ParseError{Value: value, Encoding: enc, Err: err}
		}
		waitMillis = float64(at.Sub(reference).Milliseconds())
	case EncodingSeconds, EncodingMilliseconds, EncodingEpoch, EncodingAuto:
		n, err := parseNumber(value)
		if err != nil {
			return 0, &ParseError{Value: value, Encoding: enc, Err: err}
		}
		waitMillis = numericWait(n, enc, float64(reference.UnixMilli()))
	default:
		return 0, fmt.Errorf("unknown rate limit header encoding %q", enc)
	}

	if waitMillis > maxWaitMillis {
		return 0, &ParseError{Value: value, Encoding: enc, Err: errors.New("value out of range")}
	}
	if waitMillis < 0 {
		waitMillis = 0
	}

	return time.Duration(math.Round(waitMillis*float64(time.Millisecond))) + SafetyMargin, nil
}

// numericWait converts a numeric header value into milliseconds to wait.
func numericWait(n float64, enc Encoding, refMillis float64) float64 {
	switch enc {
	case EncodingSeconds:
		if n > oneYearSeconds {
			return n*1000 - refMillis
		}
		return n * 1000
	case EncodingMilliseconds:
		if n > oneYearMillis {
			return n - refMillis
		}
		return n
	case EncodingEpoch:
		return n - refMillis
	}

	// auto
	switch {
	case n >= y2kMillis:
		return n - refMillis
	case n >= y2kSeconds:
		return n*1000 - refMillis
	case n >= oneHourSeconds:
		return n
	default:
		return n * 1000
	}
}

// decimalNumber is an optionally negative decimal with an optional exponent.
var decimalNumber = regexp.MustCompile(`^-?(?:[0-9]+(?:\.[0-9]*)?|\.[0-9]+)(?:[eE][+-]?[0-9]+)?$`)

func parseNumber(value string) (float64, error) {
	if value == "" {
		return 0, errors.New("empty value")
	}
	if !decimalNumber.MatchString(value) {
		return 0, errors.New("not a decimal number")
	}
	n, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, errors.New("not a finite number")
	}
	return n, nil
}

func parseDatetime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty value")
	}
	if t, err := http.ParseTime(value); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("not a valid date: %w", err)
	}
	return t, nil
}

// ReferenceTime returns the server's Date header when it parses, else now.
func ReferenceTime(header http.Header, now time.Time) time.Time {
	if v := header.Get("Date"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			return t
		}
	}
	return now
}
