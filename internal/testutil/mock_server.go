// Package testutil provides an HTTP test server with scripted responses.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockResponse defines one response of a mock endpoint.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockServer is a configurable mock server for testing.
type MockServer struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc

	// Tracking
	requestCount int
	pathCounts   map[string]int
	requestTimes []time.Time
	lastHeader   http.Header
}

// NewMockServer creates and starts a new mock server.
func NewMockServer() *MockServer {
	mock := &MockServer{
		handlers:   make(map[string]http.HandlerFunc),
		pathCounts: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requestCount++
		mock.pathCounts[r.URL.Path]++
		mock.requestTimes = append(mock.requestTimes, time.Now())
		mock.lastHeader = r.Header.Clone()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "ok"}`))
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockServer) URL() string {
	return m.server.URL
}

// Client returns an *http.Client configured for the server.
func (m *MockServer) Client() *http.Client {
	return m.server.Client()
}

// Close shuts down the mock server.
func (m *MockServer) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockServer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.pathCounts = make(map[string]int)
	m.requestTimes = nil
	m.lastHeader = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockServer) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockServer) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, r, resp)
	})
}

// SetSequence serves the responses for path in order. Once exhausted, the
// last response repeats.
func (m *MockServer) SetSequence(path string, responses ...MockResponse) {
	var mu sync.Mutex
	next := 0

	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resp := responses[next]
		if next < len(responses)-1 {
			next++
		}
		mu.Unlock()

		writeResponse(w, r, resp)
	})
}

// SetPages serves a paginated collection under path. Page n is requested as
// path?page=n and links to page n+1 with a Link rel="next" header, except for
// the last page.
func (m *MockServer) SetPages(path string, bodies ...string) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		page := 1
		if p := r.URL.Query().Get("page"); p != "" {
			if _, err := fmt.Sscanf(p, "%d", &page); err != nil || page < 1 || page > len(bodies) {
				w.WriteHeader(http.StatusNotFound)
				return
			}
		}

		if page < len(bodies) {
			w.Header().Set("Link", fmt.Sprintf(`<%s?page=%d>; rel="next", <%s?page=%d>; rel="last"`,
				path, page+1, path, len(bodies)))
		} else {
			w.Header().Set("Link", fmt.Sprintf(`<%s?page=1>; rel="first"`, path))
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(bodies[page-1]))
	})
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockServer) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// GetPathCount returns the number of requests made to path.
func (m *MockServer) GetPathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pathCounts[path]
}

// GetRequestTimes returns the arrival time of every request.
func (m *MockServer) GetRequestTimes() []time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]time.Time(nil), m.requestTimes...)
}

// GetLastHeader returns the headers of the most recent request.
func (m *MockServer) GetLastHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastHeader.Clone()
}

func writeResponse(w http.ResponseWriter, r *http.Request, resp MockResponse) {
	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-r.Context().Done():
			return
		}
	}

	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}

	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// NewOKResponse creates a standard 200 OK JSON response.
func NewOKResponse(data string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       data,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewRateLimitResponse creates a 429 response carrying Retry-After.
func NewRateLimitResponse(retryAfter string) MockResponse {
	headers := map[string]string{
		"Content-Type": "application/json; charset=utf-8",
	}
	if retryAfter != "" {
		headers["Retry-After"] = retryAfter
	}
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Rate limit exceeded"}`,
		Headers:    headers,
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewNotFoundResponse creates a 404 Not Found response.
func NewNotFoundResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"error": "Not found"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}
