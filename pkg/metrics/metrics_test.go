package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryCountsAndSnapshot(t *testing.T) {
	r := NewRegistry("")
	r.Observe("/api/patient/search", 200, 20*time.Millisecond)
	r.Observe("/api/patient/search", 403, 40*time.Millisecond)
	r.Inc(AuditQueued, "")
	r.Inc(AuditSinkFailures, "remote")
	r.Add(AuditSinkFailures, "remote", 2)
	r.Add(AuditDropped, "", 0)
	r.SetGauge("audit_queue_depth", 3)

	snap := r.Snapshot()
	ep := snap.Endpoints["/api/patient/search"]
	if ep.Count != 2 || ep.ErrorCount != 1 || ep.MaxMillis != 40 || ep.LastStatusCode != 403 {
		t.Fatalf("unexpected endpoint stat %+v", ep)
	}
	if r.Counter(AuditSinkFailures, "remote") != 3 || r.Counter(AuditQueued, "") != 1 {
		t.Fatalf("unexpected counters %v", snap.Counters)
	}
	if _, ok := snap.Counters[AuditDropped]; ok {
		t.Fatal("zero delta should not create a counter")
	}
	if len(snap.Latency) != 1 || snap.Latency[0].Count != 2 {
		t.Fatalf("unexpected latency %+v", snap.Latency)
	}
}

func TestHistogramBucketsAreCumulative(t *testing.T) {
	hs := NewHistograms()
	hs.Observe("x", 3*time.Millisecond)
	hs.Observe("x", 80*time.Millisecond)
	hs.Observe("x", 20*time.Second)
	snap := hs.Snapshots()[0]
	if snap.Buckets[0].Count != 1 {
		t.Fatalf("first bucket = %d", snap.Buckets[0].Count)
	}
	last := snap.Buckets[len(snap.Buckets)-1]
	if last.Count != 2 || snap.Count != 3 {
		t.Fatalf("overflow should only appear in +Inf: last=%d count=%d", last.Count, snap.Count)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry("hie_web")
	r.Observe("/api/login", 200, time.Millisecond)
	r.Inc(PolicyDenied, "MFA_REQUIRED_EXTERNAL")
	r.Inc(AuditQueued, "")

	rr := httptest.NewRecorder()
	r.PrometheusHandler()(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()
	for _, want := range []string{
		`hie_web_http_requests_total{route="/api/login"} 1`,
		`hie_web_policy_denied_total{kind="MFA_REQUIRED_EXTERNAL"} 1`,
		`hie_web_audit_queued_total 1`,
		`hie_web_latency_seconds_bucket{route="/api/login",le="+Inf"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type %q", ct)
	}
}

func TestJSONHandler(t *testing.T) {
	r := NewRegistry("hie")
	rr := httptest.NewRecorder()
	r.Handler()(rr, httptest.NewRequest(http.MethodGet, "/metrics.json", nil))
	if !strings.Contains(rr.Body.String(), `"counters"`) {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}
}
