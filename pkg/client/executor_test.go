package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/Sternrassler/resilient-fetch/internal/testutil"
	"github.com/rs/zerolog"
)

// transportFunc adapts a function to Transport.
type transportFunc func(*http.Request) (*http.Response, error)

func (f transportFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newExecClient(t transportFunc) *Client {
	return &Client{transport: t, logger: zerolog.Nop()}
}

func TestExecute_Outcomes(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()
	mock.SetResponse("/ok", testutil.NewOKResponse(`{"ok": true}`))
	mock.SetResponse("/created", testutil.MockResponse{StatusCode: http.StatusCreated})
	mock.SetResponse("/missing", testutil.NewNotFoundResponse())
	mock.SetResponse("/slow", testutil.MockResponse{StatusCode: http.StatusOK, Delay: 300 * time.Millisecond})

	c := &Client{transport: mock.Client(), logger: zerolog.Nop()}

	tests := []struct {
		path    string
		timeout time.Duration
		want    OutcomeKind
	}{
		{path: "/ok", timeout: time.Second, want: Success},
		{path: "/created", timeout: time.Second, want: Success},
		{path: "/missing", timeout: time.Second, want: HTTPFailure},
		{path: "/slow", timeout: 30 * time.Millisecond, want: Timeout},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			spec := RequestSpec{URL: mock.URL() + tt.path, Method: "GET", Header: http.Header{}, Timeout: tt.timeout}

			o, err := c.execute(context.Background(), spec)
			if err != nil {
				t.Fatalf("execute() error = %v", err)
			}
			if o.Kind != tt.want {
				t.Fatalf("Kind = %s, want %s", o.Kind, tt.want)
			}
			if o.Request == nil {
				t.Error("Outcome.Request is nil")
			}
			if o.Response != nil {
				o.Response.Body.Close()
			}
		})
	}
}

func TestExecute_SuccessBodyReadableAfterReturn(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()
	mock.SetResponse("/ok", testutil.NewOKResponse(`payload`))

	c := &Client{transport: mock.Client(), logger: zerolog.Nop()}
	spec := RequestSpec{URL: mock.URL() + "/ok", Method: "GET", Header: http.Header{}, Timeout: time.Second}

	o, err := c.execute(context.Background(), spec)
	if err != nil {
		t.Fatalf("execute() error = %v", err)
	}
	defer o.Response.Body.Close()

	body, err := io.ReadAll(o.Response.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "payload" {
		t.Errorf("body = %q, want payload", body)
	}
}

func TestExecute_HTTPFailureCapturesBody(t *testing.T) {
	c := newExecClient(func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusBadGateway,
			Status:     "502 Bad Gateway",
			Header:     http.Header{},
			Body:       io.NopCloser(io.LimitReader(infiniteReader{}, maxErrorBody+100)),
			Request:    req,
		}, nil
	})

	o, err := c.execute(context.Background(), RequestSpec{URL: "http://example.invalid/", Method: "GET", Timeout: time.Second})
	if err != nil {
		t.Fatalf("execute() error = %v", err)
	}
	if o.Kind != HTTPFailure {
		t.Fatalf("Kind = %s, want http_failure", o.Kind)
	}
	if len(o.Body) != maxErrorBody {
		t.Errorf("captured %d bytes, want %d", len(o.Body), maxErrorBody)
	}
}

type infiniteReader struct{}

func (infiniteReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 'x'
	}
	return len(p), nil
}

func TestExecute_CallerCancellationIsNotTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	c := newExecClient(func(req *http.Request) (*http.Response, error) {
		cancel()
		<-req.Context().Done()
		return nil, &url.Error{Op: "Get", URL: req.URL.String(), Err: req.Context().Err()}
	})

	_, err := c.execute(ctx, RequestSpec{URL: "http://example.invalid/", Method: "GET", Timeout: time.Minute})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("execute() error = %v, want context.Canceled", err)
	}
}

func TestExecute_NetworkFailure(t *testing.T) {
	c := newExecClient(func(req *http.Request) (*http.Response, error) {
		return nil, &url.Error{Op: "Get", URL: req.URL.String(), Err: &net.OpError{
			Op:  "dial",
			Net: "tcp",
			Err: os.NewSyscallError("connect", syscall.ECONNREFUSED),
		}}
	})

	o, err := c.execute(context.Background(), RequestSpec{URL: "http://example.invalid/", Method: "GET", Timeout: time.Second})
	if err != nil {
		t.Fatalf("execute() error = %v", err)
	}
	if o.Kind != NetworkFailure || o.Code != CodeConnRefused {
		t.Errorf("Outcome = %s %q, want network_failure ECONNREFUSED", o.Kind, o.Code)
	}
}

func TestExecute_UnclassifiedErrorPropagates(t *testing.T) {
	boom := errors.New("tls: bad certificate")
	c := newExecClient(func(req *http.Request) (*http.Response, error) {
		return nil, fmt.Errorf("Get %q: %w", req.URL, boom)
	})

	_, err := c.execute(context.Background(), RequestSpec{URL: "http://example.invalid/", Method: "GET", Timeout: time.Second})
	if !errors.Is(err, boom) {
		t.Errorf("execute() error = %v, want %v", err, boom)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestNetworkCode(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   string
		mapped bool
	}{
		{name: "refused", err: syscall.ECONNREFUSED, code: CodeConnRefused, mapped: true},
		{name: "reset", err: os.NewSyscallError("read", syscall.ECONNRESET), code: CodeConnReset, mapped: true},
		{name: "aborted", err: syscall.ECONNABORTED, code: CodeConnAborted, mapped: true},
		{name: "unreachable", err: syscall.ENETUNREACH, code: CodeNetUnreach, mapped: true},
		{name: "tcp timed out", err: syscall.ETIMEDOUT, code: CodeTimedOut, mapped: true},
		{
			name:   "temporary dns",
			err:    &net.DNSError{Err: "server misbehaving", Name: "api.example.com", IsTemporary: true},
			code:   CodeDNSTemporary,
			mapped: true,
		},
		{
			name:   "dns timeout",
			err:    &net.DNSError{Err: "i/o timeout", Name: "api.example.com", IsTimeout: true},
			code:   CodeDNSTemporary,
			mapped: true,
		},
		{
			name:   "unknown host",
			err:    &net.DNSError{Err: "no such host", Name: "nope.invalid", IsNotFound: true},
			mapped: false,
		},
		{
			name:   "dial timeout",
			err:    &net.OpError{Op: "dial", Net: "tcp", Err: timeoutErr{}},
			code:   CodeTimedOut,
			mapped: true,
		},
		{
			name:   "read timeout is not a connect timeout",
			err:    &net.OpError{Op: "read", Net: "tcp", Err: timeoutErr{}},
			mapped: false,
		},
		{name: "eof", err: io.ErrUnexpectedEOF, mapped: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, ok := networkCode(&url.Error{Op: "Get", URL: "http://x", Err: tt.err})
			if ok != tt.mapped || code != tt.code {
				t.Errorf("networkCode() = (%q, %v), want (%q, %v)", code, ok, tt.code, tt.mapped)
			}
		})
	}
}
