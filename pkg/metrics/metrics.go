package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu             sync.RWMutex
	endpoint       map[string]*EndpointStat
	exchangeStatus map[string]int64
	decisionReason map[string]int64
	fetchScheme    map[string]int64
	chainHops      int64
	gauges         map[string]float64
	fetchLatency   FetchLatencyStat
	Histograms     *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type FetchLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt      string                  `json:"generated_at"`
	Endpoints        map[string]EndpointStat `json:"endpoints"`
	ExchangeStatuses map[string]int64        `json:"exchange_statuses"`
	DecisionReasons  map[string]int64        `json:"decision_reasons"`
	FetchSchemes     map[string]int64        `json:"fetch_schemes"`
	ChainHops        int64                   `json:"chain_hops_total"`
	Gauges           map[string]float64      `json:"gauges"`
	FetchLatencyMS   FetchLatencyStat        `json:"fetch_latency_ms"`
	Histograms       []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:       map[string]*EndpointStat{},
		exchangeStatus: map[string]int64{},
		decisionReason: map[string]int64{},
		fetchScheme:    map[string]int64{},
		gauges:         map[string]float64{},
		Histograms:     NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncExchangeStatus counts one record transition into the given status.
func (r *Registry) IncExchangeStatus(status string) {
	status = strings.TrimSpace(strings.ToUpper(status))
	if status == "" {
		return
	}
	r.mu.Lock()
	r.exchangeStatus[status]++
	r.mu.Unlock()
}

// IncDecision counts one policy decision with its reason code.
func (r *Registry) IncDecision(decision, reason string) {
	decision = strings.TrimSpace(strings.ToUpper(decision))
	reason = strings.TrimSpace(reason)
	if decision == "" {
		return
	}
	if reason == "" {
		reason = "UNKNOWN"
	}
	key := decision + "|" + reason
	r.mu.Lock()
	r.decisionReason[key]++
	r.mu.Unlock()
}

// IncFetch counts one representation fetch by credential scheme.
func (r *Registry) IncFetch(scheme string) {
	scheme = strings.TrimSpace(strings.ToLower(scheme))
	if scheme == "" {
		scheme = "none"
	}
	r.mu.Lock()
	r.fetchScheme[scheme]++
	r.mu.Unlock()
}

// IncChainHop counts one completed service chain hop.
func (r *Registry) IncChainHop() {
	r.mu.Lock()
	r.chainHops++
	r.mu.Unlock()
}

func (r *Registry) ObserveFetchLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchLatency.Count++
	r.fetchLatency.TotalMS += ms
	r.fetchLatency.LastMS = ms
	if ms > r.fetchLatency.MaxMS {
		r.fetchLatency.MaxMS = ms
	}
	r.fetchLatency.AvgMS = float64(r.fetchLatency.TotalMS) / float64(r.fetchLatency.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:      time.Now().UTC().Format(time.RFC3339),
		Endpoints:        make(map[string]EndpointStat, len(r.endpoint)),
		ExchangeStatuses: make(map[string]int64, len(r.exchangeStatus)),
		DecisionReasons:  make(map[string]int64, len(r.decisionReason)),
		FetchSchemes:     make(map[string]int64, len(r.fetchScheme)),
		ChainHops:        r.chainHops,
		Gauges:           make(map[string]float64, len(r.gauges)),
		FetchLatencyMS: FetchLatencyStat{
			Count:   r.fetchLatency.Count,
			TotalMS: r.fetchLatency.TotalMS,
			MaxMS:   r.fetchLatency.MaxMS,
			LastMS:  r.fetchLatency.LastMS,
			AvgMS:   r.fetchLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.exchangeStatus {
		out.ExchangeStatuses[k] = v
	}
	for k, v := range r.decisionReason {
		out.DecisionReasons[k] = v
	}
	for k, v := range r.fetchScheme {
		out.FetchSchemes[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP connector_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE connector_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "connector_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP connector_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE connector_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "connector_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP connector_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE connector_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "connector_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP connector_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE connector_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "connector_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP connector_exchange_status_total record transitions by status\n")
		b.WriteString("# TYPE connector_exchange_status_total counter\n")
		for _, status := range SortedKeys(snap.ExchangeStatuses) {
			fmt.Fprintf(b, "connector_exchange_status_total{status=%q} %d\n", status, snap.ExchangeStatuses[status])
		}
		b.WriteString("# HELP connector_decision_total policy decisions by decision and reason\n")
		b.WriteString("# TYPE connector_decision_total counter\n")
		for _, key := range SortedKeys(snap.DecisionReasons) {
			parts := strings.SplitN(key, "|", 2)
			decision := parts[0]
			reason := "UNKNOWN"
			if len(parts) == 2 {
				reason = parts[1]
			}
			fmt.Fprintf(b, "connector_decision_total{decision=%q,reason=%q} %d\n", decision, reason, snap.DecisionReasons[key])
		}
		b.WriteString("# HELP connector_fetch_total representation fetches by credential scheme\n")
		b.WriteString("# TYPE connector_fetch_total counter\n")
		for _, scheme := range SortedKeys(snap.FetchSchemes) {
			fmt.Fprintf(b, "connector_fetch_total{scheme=%q} %d\n", scheme, snap.FetchSchemes[scheme])
		}
		b.WriteString("# HELP connector_chain_hops_total completed service chain hops\n")
		b.WriteString("# TYPE connector_chain_hops_total counter\n")
		fmt.Fprintf(b, "connector_chain_hops_total %d\n", snap.ChainHops)
		b.WriteString("# HELP connector_gauge operational gauge metrics\n")
		b.WriteString("# TYPE connector_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "connector_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		b.WriteString("# HELP connector_fetch_latency_ms representation fetch latency in ms\n")
		b.WriteString("# TYPE connector_fetch_latency_ms gauge\n")
		fmt.Fprintf(b, "connector_fetch_latency_ms{stat=%q} %d\n", "last", snap.FetchLatencyMS.LastMS)
		fmt.Fprintf(b, "connector_fetch_latency_ms{stat=%q} %.3f\n", "avg", snap.FetchLatencyMS.AvgMS)
		fmt.Fprintf(b, "connector_fetch_latency_ms{stat=%q} %d\n", "max", snap.FetchLatencyMS.MaxMS)
		for _, h := range snap.Histograms {
			b.WriteString("# HELP connector_latency_seconds latency histogram\n")
			b.WriteString("# TYPE connector_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "connector_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "connector_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "connector_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "connector_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "connector_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "connector_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "connector_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
