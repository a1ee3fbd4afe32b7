package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Sternrassler/resilient-fetch/internal/testutil"
	"github.com/Sternrassler/resilient-fetch/pkg/client"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, mock *testutil.MockServer) http.Handler {
	t.Helper()

	logger := zerolog.Nop()
	cfg := client.DefaultConfig()
	cfg.BaseURL = mock.URL()
	cfg.Transport = mock.Client()
	cfg.Logger = &logger
	cfg.MaxRetries = 0

	c, err := client.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return newRouter(c, logger)
}

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestProxy_Success(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()
	mock.SetHandler("/v1/items", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Page", r.URL.Query().Get("page"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`[1,2,3]`))
	})

	router := newTestRouter(t, mock)

	req := httptest.NewRequest("GET", "/fetch/v1/items?page=2", nil)
	req.Header.Set("Authorization", "Bearer token")
	req.Header.Set("X-Internal", "secret")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `[1,2,3]`, w.Body.String())
	assert.Equal(t, "2", w.Header().Get("X-Page"))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	upstream := mock.GetLastHeader()
	assert.Equal(t, "Bearer token", upstream.Get("Authorization"))
	assert.Empty(t, upstream.Get("X-Internal"))
}

func TestProxy_UpstreamFailurePassesThrough(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()
	mock.SetResponse("/missing", testutil.NewNotFoundResponse())

	router := newTestRouter(t, mock)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/fetch/missing", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 1, mock.GetPathCount("/missing"))
}

func TestProxy_RejectsOtherHosts(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()

	other := testutil.NewMockServer()
	defer other.Close()
	other.SetResponse("/secret", testutil.NewOKResponse(`"OTHER HOST"`))

	router := newTestRouter(t, mock)

	for _, target := range []string{
		"/fetch/" + other.URL() + "/secret",
		"/fetch///" + strings.TrimPrefix(other.URL(), "http://") + "/secret",
	} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", target, nil))

		assert.Equal(t, http.StatusBadRequest, w.Code, target)
		assert.NotContains(t, w.Body.String(), "OTHER HOST", target)
	}
	assert.Equal(t, 0, other.GetRequestCount())
	assert.Equal(t, 0, mock.GetRequestCount())
}

func TestProxy_ForwardsBody(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()

	var got string
	mock.SetHandler("/echo", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = r.Method + " " + string(b)
		w.WriteHeader(http.StatusCreated)
	})

	router := newTestRouter(t, mock)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("PUT", "/fetch/echo", strings.NewReader(`{"a":1}`)))

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, `PUT {"a":1}`, got)
}

func TestStatsAndMetricsEndpoints(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()

	router := newTestRouter(t, mock)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var stats map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 0, stats["running"])
	assert.Equal(t, 0, stats["waiting"])

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "fetch_queue_running")
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("FETCH_MAX_RETRIES", "0")
	t.Setenv("FETCH_REDIS_ADDR", "")
	t.Setenv("FETCH_LOGGING_LEVEL", "error")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return out.String(), err
}

func TestGetCommand(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()
	mock.SetResponse("/hello", testutil.NewOKResponse(`{"hello":"world"}`))

	out, err := runCLI(t, "get", mock.URL()+"/hello", "-H", "X-Trace: 42")
	require.NoError(t, err)
	assert.Equal(t, `{"hello":"world"}`, out)
	assert.Equal(t, "42", mock.GetLastHeader().Get("X-Trace"))
}

func TestGetCommand_Errors(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()
	mock.SetResponse("/missing", testutil.NewNotFoundResponse())

	_, err := runCLI(t, "get", mock.URL()+"/missing")
	var httpErr *client.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)

	_, err = runCLI(t, "get", mock.URL()+"/missing", "-H", "no-colon")
	assert.ErrorContains(t, err, "invalid header")
}

func TestPagesCommand(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()
	mock.SetPages("/items", `["a"]`, `["b"]`, `["c"]`)

	out, err := runCLI(t, "pages", mock.URL()+"/items")
	require.NoError(t, err)
	assert.Equal(t, "[\"a\"]\n[\"b\"]\n[\"c\"]\n", out)

	mock.Reset()
	out, err = runCLI(t, "pages", mock.URL()+"/items", "--max-pages", "2")
	require.NoError(t, err)
	assert.Equal(t, "[\"a\"]\n[\"b\"]\n", out)
	assert.Equal(t, 2, mock.GetPathCount("/items"))
}

func TestServeRequiresBaseURL(t *testing.T) {
	t.Setenv("FETCH_BASE_URL", "")
	_, err := runCLI(t, "serve")
	assert.ErrorContains(t, err, "base_url")
}
