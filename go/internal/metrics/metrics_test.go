package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.RecordConnectAttempt("flv", false)
	m.RecordConnectAttempt("flv", false)
	m.RecordConnectAttempt("hls", true)
	m.RecordSettlement("WIN")

	if got := testutil.ToFloat64(m.connectAttempts.WithLabelValues("flv", "failure")); got != 2 {
		t.Fatalf("flv failures = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.settlements.WithLabelValues("WIN")); got != 1 {
		t.Fatalf("settlements = %v, want 1", got)
	}
}

func TestNegotiatorStateIsExclusive(t *testing.T) {
	m := New()
	m.RecordNegotiatorState("fetching")
	m.RecordNegotiatorState("attached")

	if got := testutil.ToFloat64(m.negotiatorState.WithLabelValues("attached")); got != 1 {
		t.Fatalf("attached = %v", got)
	}
	if got := testutil.ToFloat64(m.negotiatorState.WithLabelValues("fetching")); got != 0 {
		t.Fatalf("fetching = %v", got)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.RecordEvent("phase_update")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `viewer_push_events_total{type="phase_update"} 1`) {
		t.Fatalf("metrics output missing counter:\n%s", body)
	}
}
