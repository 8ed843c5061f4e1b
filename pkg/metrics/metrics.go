// Package metrics is a small in-process registry exposed as JSON and as
// Prometheus text. Counters are keyed by name plus one optional label.
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

// Counter names used across both tiers.
const (
	AuditQueued       = "audit_queued"
	AuditDropped      = "audit_dropped"
	AuditSinkFailures = "audit_sink_failures"
	AuditWritten      = "audit_written"
	PolicyDenied      = "policy_denied"
	MFAVerifications  = "mfa_verifications"
	UpstreamErrors    = "upstream_errors"
	RateLimited       = "rate_limited"
)

// Gauge names.
const (
	StreamSubscribers = "stream_subscribers"
	StreamDropped     = "stream_dropped"
)

type Registry struct {
	prefix     string
	mu         sync.RWMutex
	endpoint   map[string]*EndpointStat
	counters   map[string]int64
	gauges     map[string]float64
	histograms *Histograms
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt string                  `json:"generated_at"`
	Endpoints   map[string]EndpointStat `json:"endpoints"`
	Counters    map[string]int64        `json:"counters"`
	Gauges      map[string]float64      `json:"gauges"`
	Latency     []HistogramSnapshot     `json:"latency,omitempty"`
}

// NewRegistry creates a registry whose Prometheus names start with prefix.
func NewRegistry(prefix string) *Registry {
	if prefix == "" {
		prefix = "hie"
	}
	return &Registry{
		prefix:     prefix,
		endpoint:   map[string]*EndpointStat{},
		counters:   map[string]int64{},
		gauges:     map[string]float64{},
		histograms: NewHistograms(),
	}
}

func counterKey(name, label string) string {
	if label == "" {
		return name
	}
	return name + "|" + label
}

// Observe records one finished request against its route pattern.
func (r *Registry) Observe(route string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.histograms.Observe(route, d)
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[route]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[route] = stat
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

func (r *Registry) Inc(name, label string) { r.Add(name, label, 1) }

func (r *Registry) Add(name, label string, delta int64) {
	name = strings.TrimSpace(name)
	if name == "" || delta <= 0 {
		return
	}
	r.mu.Lock()
	r.counters[counterKey(name, strings.TrimSpace(label))] += delta
	r.mu.Unlock()
}

// Counter reads one counter, mostly for tests.
func (r *Registry) Counter(name, label string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[counterKey(name, label)]
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
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Endpoints:   make(map[string]EndpointStat, len(r.endpoint)),
		Counters:    make(map[string]int64, len(r.counters)),
		Gauges:      make(map[string]float64, len(r.gauges)),
		Latency:     r.histograms.Snapshots(),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.counters {
		out.Counters[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(r.Snapshot())
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(r.Prometheus()))
	}
}

// Prometheus renders the snapshot in text exposition format.
func (r *Registry) Prometheus() string {
	snap := r.Snapshot()
	p := r.prefix
	b := &strings.Builder{}
	header := func(name, help, kind string) {
		fmt.Fprintf(b, "# HELP %s_%s %s\n# TYPE %s_%s %s\n", p, name, help, p, name, kind)
	}

	header("http_requests_total", "requests by route", "counter")
	for _, ep := range SortedKeys(snap.Endpoints) {
		fmt.Fprintf(b, "%s_http_requests_total{route=%q} %d\n", p, ep, snap.Endpoints[ep].Count)
	}
	header("http_errors_total", "responses with status >= 400 by route", "counter")
	for _, ep := range SortedKeys(snap.Endpoints) {
		fmt.Fprintf(b, "%s_http_errors_total{route=%q} %d\n", p, ep, snap.Endpoints[ep].ErrorCount)
	}
	header("http_max_millis", "slowest request by route", "gauge")
	for _, ep := range SortedKeys(snap.Endpoints) {
		fmt.Fprintf(b, "%s_http_max_millis{route=%q} %d\n", p, ep, snap.Endpoints[ep].MaxMillis)
	}

	byName := map[string][]string{}
	for _, key := range SortedKeys(snap.Counters) {
		name, _, _ := strings.Cut(key, "|")
		byName[name] = append(byName[name], key)
	}
	for _, name := range SortedKeys(byName) {
		header(name+"_total", strings.ReplaceAll(name, "_", " "), "counter")
		for _, key := range byName[name] {
			if _, label, ok := strings.Cut(key, "|"); ok {
				fmt.Fprintf(b, "%s_%s_total{kind=%q} %d\n", p, name, label, snap.Counters[key])
			} else {
				fmt.Fprintf(b, "%s_%s_total %d\n", p, name, snap.Counters[key])
			}
		}
	}

	header("gauge", "operational gauges", "gauge")
	for _, name := range SortedKeys(snap.Gauges) {
		fmt.Fprintf(b, "%s_gauge{name=%q} %.3f\n", p, name, snap.Gauges[name])
	}

	if len(snap.Latency) > 0 {
		header("latency_seconds", "request latency by route", "histogram")
	}
	for _, h := range snap.Latency {
		for _, bucket := range h.Buckets {
			fmt.Fprintf(b, "%s_latency_seconds_bucket{route=%q,le=\"%g\"} %d\n", p, h.Name, bucket.Le, bucket.Count)
		}
		fmt.Fprintf(b, "%s_latency_seconds_bucket{route=%q,le=\"+Inf\"} %d\n", p, h.Name, h.Count)
		fmt.Fprintf(b, "%s_latency_seconds_sum{route=%q} %.6f\n", p, h.Name, h.Sum)
		fmt.Fprintf(b, "%s_latency_seconds_count{route=%q} %d\n", p, h.Name, h.Count)
	}
	return b.String()
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
