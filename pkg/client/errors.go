package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrRetryExhausted is returned when a request still failed after the
// maximum number of retries.
var ErrRetryExhausted = errors.New("retry attempts exhausted")

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassTimeout represents attempts that exceeded their deadline.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassNetwork represents connection-level errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassUnclassified represents everything else.
	ErrorClassUnclassified ErrorClass = "unclassified"
)

// classify returns the error class of an attempt outcome.
func classify(o Outcome) ErrorClass {
	switch o.Kind {
	case HTTPFailure:
		if o.Response == nil {
			return ErrorClassUnclassified
		}
		switch {
		case o.Response.StatusCode == http.StatusTooManyRequests:
			return ErrorClassRateLimit
		case o.Response.StatusCode >= 500:
			return ErrorClassServer
		case o.Response.StatusCode >= 400:
			return ErrorClassClient
		}
		return ErrorClassUnclassified
	case Timeout:
		return ErrorClassTimeout
	case NetworkFailure:
		return ErrorClassNetwork
	default:
		return ErrorClassUnclassified
	}
}

// HTTPError is returned for a non-2xx response that was not retried.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Status     string
	Header     http.Header

	// Body holds the start of the response body.
	Body []byte

	Retries int
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: status %d (%d retries)", e.Method, e.URL, e.StatusCode, e.Retries)
}

// Class returns the error class of the status code.
func (e *HTTPError) Class() ErrorClass {
	return classify(Outcome{Kind: HTTPFailure, Response: &http.Response{StatusCode: e.StatusCode}})
}

// TimeoutError is returned when the last attempt exceeded its deadline.
type TimeoutError struct {
	Method  string
	URL     string
	Timeout time.Duration
	Retries int
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s: attempt timed out after %v (%d retries)", e.Method, e.URL, e.Timeout, e.Retries)
}

// Unwrap lets errors.Is match context.DeadlineExceeded.
func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// NetworkError is returned when the last attempt failed at connection level.
type NetworkError struct {
	Method  string
	URL     string
	Code    string
	Err     error
	Retries int
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: network error %s (%d retries): %v", e.Method, e.URL, e.Code, e.Retries, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *NetworkError) Unwrap() error {
	return e.Err
}

// outcomeError builds the terminal error for a failed outcome.
func outcomeError(spec RequestSpec, o Outcome, retries int) error {
	switch o.Kind {
	case HTTPFailure:
		if o.Response == nil {
			return fmt.Errorf("%s %s: http failure without response", spec.Method, spec.URL)
		}
		return &HTTPError{
			Method:     spec.Method,
			URL:        spec.URL,
			StatusCode: o.Response.StatusCode,
			Status:     o.Response.Status,
			Header:     o.Response.Header,
			Body:       o.Body,
			Retries:    retries,
		}
	case Timeout:
		return &TimeoutError{
			Method:  spec.Method,
			URL:     spec.URL,
			Timeout: spec.Timeout,
			Retries: retries,
		}
	case NetworkFailure:
		return &NetworkError{
			Method:  spec.Method,
			URL:     spec.URL,
			Code:    o.Code,
			Err:     o.Err,
			Retries: retries,
		}
	default:
		return o.Err
	}
}
