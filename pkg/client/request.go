package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RequestInit holds optional per-call overrides.
type RequestInit struct {
	Method  string
	Header  http.Header
	Body    []byte
	Timeout time.Duration
}

// RequestSpec is the fully resolved description of a logical request. Every
// physical attempt is built from it.
type RequestSpec struct {
	URL     string
	Method  string
	Header  http.Header
	Body    []byte
	Timeout time.Duration
}

// newRequestSpec resolves rawURL and merges init over the client defaults.
func newRequestSpec(s settings, rawURL string, init *RequestInit) (RequestSpec, error) {
	if init == nil {
		init = &RequestInit{}
	}

	target, err := resolveURL(s.baseURL, rawURL)
	if err != nil {
		return RequestSpec{}, err
	}

	method := strings.ToUpper(init.Method)
	if method == "" {
		method = http.MethodGet
	}

	timeout := init.Timeout
	if timeout <= 0 {
		timeout = s.timeout
	}

	spec := RequestSpec{
		URL:     target,
		Method:  method,
		Header:  mergeHeaders(s.defaultHeaders, init.Header),
		Timeout: timeout,
	}
	if s.userAgent != "" && spec.Header.Get("User-Agent") == "" {
		spec.Header.Set("User-Agent", s.userAgent)
	}
	if init.Body != nil {
		spec.Body = append([]byte(nil), init.Body...)
	}

	return spec, nil
}

// resolveURL returns rawURL unchanged when it is absolute, otherwise joins it
// to base.
func resolveURL(base, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if u.IsAbs() {
		return rawURL, nil
	}
	if base == "" {
		return "", fmt.Errorf("relative url %q requires a base url", rawURL)
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(rawURL, "/"), nil
}

// mergeHeaders copies defaults and replaces every key present in override.
func mergeHeaders(defaults, override http.Header) http.Header {
	merged := defaults.Clone()
	if merged == nil {
		merged = http.Header{}
	}
	for key, values := range override {
		merged[http.CanonicalHeaderKey(key)] = append([]string(nil), values...)
	}
	return merged
}

// newHTTPRequest builds one physical attempt.
func (spec RequestSpec) newHTTPRequest(ctx context.Context) (*http.Request, error) {
	var body io.Reader
	if spec.Body != nil {
		body = bytes.NewReader(spec.Body)
	}

	req, err := http.NewRequestWithContext(ctx, spec.Method, spec.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header = spec.Header.Clone()

	return req, nil
}

// host returns the URL host used as rate limit gate key.
func (spec RequestSpec) host() string {
	u, err := url.Parse(spec.URL)
	if err != nil {
		return ""
	}
	return u.Host
}
