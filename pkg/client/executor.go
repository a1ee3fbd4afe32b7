package client

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
)

// OutcomeKind classifies the result of one physical attempt.
type OutcomeKind int

const (
	// Success is a response with status in [200,300).
	Success OutcomeKind = iota

	// HTTPFailure is any other response.
	HTTPFailure

	// Timeout is an attempt that exceeded its own deadline.
	Timeout

	// NetworkFailure is a recoverable connection-level error.
	NetworkFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case HTTPFailure:
		return "http_failure"
	case Timeout:
		return "timeout"
	case NetworkFailure:
		return "network_failure"
	default:
		return "unknown"
	}
}

// Stable codes for recoverable network conditions.
const (
	CodeConnRefused  = "ECONNREFUSED"
	CodeConnReset    = "ECONNRESET"
	CodeConnAborted  = "ECONNABORTED"
	CodeDNSTemporary = "EAI_AGAIN"
	CodeNetUnreach   = "ENETUNREACH"
	CodeTimedOut     = "ETIMEDOUT"
)

// maxErrorBody bounds how much of a failed response body is kept.
const maxErrorBody = 64 << 10

// errAttemptTimeout is the cancellation cause of an attempt deadline.
var errAttemptTimeout = errors.New("attempt timed out")

// Outcome is the result of one physical attempt.
type Outcome struct {
	Kind     OutcomeKind
	Request  *http.Request
	Response *http.Response

	// Body holds the captured start of a failed response body.
	Body []byte

	// Code is set for NetworkFailure.
	Code string

	// Err is the transport error for Timeout and NetworkFailure.
	Err error
}

// cancelOnClose releases the attempt context once the caller is done with
// the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// execute performs one physical attempt. It returns an error only for
// failures that are not classified, including caller cancellation.
func (c *Client) execute(ctx context.Context, spec RequestSpec) (Outcome, error) {
	attemptCtx, cancel := context.WithTimeoutCause(ctx, spec.Timeout, errAttemptTimeout)

	req, err := spec.newHTTPRequest(attemptCtx)
	if err != nil {
		cancel()
		return Outcome{}, err
	}

	resp, err := c.transport.Do(req)
	if err != nil {
		timedOut := ctx.Err() == nil && errors.Is(context.Cause(attemptCtx), errAttemptTimeout)
		cancel()

		if timedOut {
			return Outcome{Kind: Timeout, Request: req, Err: err}, nil
		}
		if ctx.Err() != nil {
			return Outcome{}, context.Cause(ctx)
		}
		if code, ok := networkCode(err); ok {
			return Outcome{Kind: NetworkFailure, Request: req, Code: code, Err: err}, nil
		}
		return Outcome{}, err
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		return Outcome{Kind: Success, Request: req, Response: resp}, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
	cancel()

	return Outcome{Kind: HTTPFailure, Request: req, Response: resp, Body: body}, nil
}

// networkCode maps err to one of the recoverable network codes.
func networkCode(err error) (string, bool) {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return CodeConnRefused, true
	case errors.Is(err, syscall.ECONNRESET):
		return CodeConnReset, true
	case errors.Is(err, syscall.ECONNABORTED):
		return CodeConnAborted, true
	case errors.Is(err, syscall.ENETUNREACH):
		return CodeNetUnreach, true
	case errors.Is(err, syscall.ETIMEDOUT):
		return CodeTimedOut, true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTemporary || dnsErr.IsTimeout {
			return CodeDNSTemporary, true
		}
		return "", false
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" && opErr.Timeout() {
		return CodeTimedOut, true
	}

	return "", false
}
