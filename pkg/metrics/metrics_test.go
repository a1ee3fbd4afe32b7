package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Sternrassler/resilient-fetch/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"

	// Registered for their metrics.
	_ "github.com/Sternrassler/resilient-fetch/pkg/pagination"
	_ "github.com/Sternrassler/resilient-fetch/pkg/queue"
	_ "github.com/Sternrassler/resilient-fetch/pkg/ratelimit"
)

func TestRegistry(t *testing.T) {
	if metrics.Registry == nil {
		t.Error("Registry should not be nil")
	}

	if metrics.Registry != prometheus.DefaultRegisterer {
		t.Error("Registry should be the default Prometheus registerer")
	}
}

func TestDocumentedMetricsRegistered(t *testing.T) {
	families, err := metrics.Gatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	registered := make(map[string]bool, len(families))
	for _, f := range families {
		registered[f.GetName()] = true
	}

	// Metrics without labels are exported before their first use.
	for _, name := range []string{
		"fetch_queue_running",
		"fetch_queue_waiting",
		"fetch_queue_admission_seconds",
		"fetch_rate_limit_blocks_total",
		"fetch_rate_limit_waits_total",
		"fetch_rate_limit_wait_seconds",
		"fetch_pages_total",
	} {
		if !registered[name] {
			t.Errorf("metric %s is not registered", name)
		}
	}
}

func TestHandler(t *testing.T) {
	server := httptest.NewServer(metrics.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(body), "fetch_queue_running") {
		t.Error("exposition does not contain fetch_queue_running")
	}
}
