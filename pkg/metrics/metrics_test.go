package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryObserveAndSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Observe("GET /healthz", 200, 15*time.Millisecond)
	r.Observe("GET /healthz", 503, 35*time.Millisecond)
	r.IncExchangeStatus("export_success")
	r.IncExchangeStatus("EXPORT_SUCCESS")
	r.IncDecision("permit", "OK")
	r.IncFetch("S3")
	r.IncChainHop()
	r.SetGauge("exchanges_pending", 3)

	snap := r.Snapshot()
	ep, ok := snap.Endpoints["GET /healthz"]
	if !ok {
		t.Fatal("missing endpoint metric")
	}
	if ep.Count != 2 {
		t.Fatalf("expected count=2 got=%d", ep.Count)
	}
	if ep.ErrorCount != 1 {
		t.Fatalf("expected error_count=1 got=%d", ep.ErrorCount)
	}
	if ep.MaxMillis != 35 {
		t.Fatalf("expected max_millis=35 got=%d", ep.MaxMillis)
	}
	if snap.ExchangeStatuses["EXPORT_SUCCESS"] != 2 {
		t.Fatalf("expected EXPORT_SUCCESS=2 got=%d", snap.ExchangeStatuses["EXPORT_SUCCESS"])
	}
	if snap.DecisionReasons["PERMIT|OK"] != 1 {
		t.Fatalf("expected PERMIT|OK=1 got=%d", snap.DecisionReasons["PERMIT|OK"])
	}
	if snap.FetchSchemes["s3"] != 1 {
		t.Fatalf("expected s3=1 got=%d", snap.FetchSchemes["s3"])
	}
	if snap.ChainHops != 1 {
		t.Fatalf("expected chain_hops=1 got=%d", snap.ChainHops)
	}
	if snap.Gauges["exchanges_pending"] != 3 {
		t.Fatalf("expected gauge exchanges_pending=3 got=%v", snap.Gauges["exchanges_pending"])
	}
}

func TestObserveFetchLatency(t *testing.T) {
	r := NewRegistry()
	r.ObserveFetchLatency(10 * time.Millisecond)
	r.ObserveFetchLatency(30 * time.Millisecond)
	r.ObserveFetchLatency(-time.Millisecond)

	snap := r.Snapshot()
	if snap.FetchLatencyMS.Count != 3 {
		t.Fatalf("expected count=3 got=%d", snap.FetchLatencyMS.Count)
	}
	if snap.FetchLatencyMS.MaxMS != 30 {
		t.Fatalf("expected max=30 got=%d", snap.FetchLatencyMS.MaxMS)
	}
	if snap.FetchLatencyMS.LastMS != 0 {
		t.Fatalf("expected negative observation clamped to 0, got=%d", snap.FetchLatencyMS.LastMS)
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]int{"b": 2, "a": 1, "c": 3})
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys got=%d", len(keys))
	}
	if keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("unexpected order: %#v", keys)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /provider/export", 200, 12*time.Millisecond)
	r.Observe("POST /provider/export", 500, 20*time.Millisecond)
	r.IncExchangeStatus("IMPORT_SUCCESS")
	r.IncDecision("DENY", "TARGET_NOT_FOUND")
	r.IncFetch("")
	r.SetGauge("exchanges_pending", 7)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil)
	r.PrometheusHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "connector_endpoint_count") {
		t.Fatalf("missing endpoint metric: %s", body)
	}
	if !strings.Contains(body, "connector_exchange_status_total{status=\"IMPORT_SUCCESS\"} 1") {
		t.Fatalf("missing exchange status metric: %s", body)
	}
	if !strings.Contains(body, "connector_decision_total{decision=\"DENY\",reason=\"TARGET_NOT_FOUND\"} 1") {
		t.Fatalf("missing decision metric: %s", body)
	}
	if !strings.Contains(body, "connector_fetch_total{scheme=\"none\"} 1") {
		t.Fatalf("missing fetch metric: %s", body)
	}
	if !strings.Contains(body, "connector_gauge{name=\"exchanges_pending\"} 7.000") {
		t.Fatalf("missing gauge metric: %s", body)
	}
}

func TestJSONHandlerAndEmptyInputs(t *testing.T) {
	r := NewRegistry()
	r.IncExchangeStatus("")
	r.IncDecision("", "reason")
	r.SetGauge("", 5)
	r.Observe("GET /healthz", 204, 5*time.Millisecond)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected json content type, got %q", got)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "\"generated_at\"") {
		t.Fatalf("expected generated timestamp in body: %s", body)
	}
	if strings.Contains(body, "\"\"") {
		t.Fatalf("did not expect empty-key counters in body: %s", body)
	}
}
