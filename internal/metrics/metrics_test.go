package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := New(nil)

	m.Decision("activate", "ok")
	m.Decision("activate", "ok")
	m.Decision("heartbeat", "SESSION_KICKED")
	m.Evicted(2)
	m.Evicted(0)
	m.Expired(3)

	if got := testutil.ToFloat64(m.decisions.WithLabelValues("activate", "ok")); got != 2 {
		t.Errorf("Expected 2 activate decisions, got %v", got)
	}
	if got := testutil.ToFloat64(m.decisions.WithLabelValues("heartbeat", "SESSION_KICKED")); got != 1 {
		t.Errorf("Expected 1 kicked heartbeat, got %v", got)
	}
	if got := testutil.ToFloat64(m.evictions); got != 2 {
		t.Errorf("Expected 2 evictions, got %v", got)
	}
	if got := testutil.ToFloat64(m.expired); got != 3 {
		t.Errorf("Expected 3 expired, got %v", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New(nil)
	m.ObserveRequest("/api/v1/check", http.MethodPost, http.StatusOK, 15*time.Millisecond)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `licensegate_http_requests_total{method="POST",route="/api/v1/check",status="200"} 1`) {
		t.Errorf("Request counter missing from output:\n%s", body)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	m.Decision("activate", "ok")
	m.Evicted(1)
	m.Expired(1)
	m.ObserveRequest("/", http.MethodGet, http.StatusOK, time.Millisecond)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 from nil metrics handler, got %d", w.Code)
	}
}
