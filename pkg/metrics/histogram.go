package metrics

import (
	"sort"
	"sync"
	"time"
)

// Upper bounds in seconds. Inter-tier calls time out at 15s.
var latencyBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15}

type HistogramBucket struct {
	Le    float64 `json:"le"`
	Count int64   `json:"count"`
}

type HistogramSnapshot struct {
	Name    string            `json:"name"`
	Buckets []HistogramBucket `json:"buckets"`
	Sum     float64           `json:"sum"`
	Count   int64             `json:"count"`
	P95     float64           `json:"p95"`
}

type histogram struct {
	counts []int64 // per bucket, not cumulative
	sum    float64
	count  int64
}

// Histograms holds one latency histogram per name.
type Histograms struct {
	mu sync.Mutex
	by map[string]*histogram
}

func NewHistograms() *Histograms {
	return &Histograms{by: map[string]*histogram{}}
}

func (hs *Histograms) Observe(name string, d time.Duration) {
	sec := d.Seconds()
	i := sort.SearchFloat64s(latencyBounds, sec)
	hs.mu.Lock()
	defer hs.mu.Unlock()
	h, ok := hs.by[name]
	if !ok {
		h = &histogram{counts: make([]int64, len(latencyBounds))}
		hs.by[name] = h
	}
	if i < len(h.counts) {
		h.counts[i]++
	}
	h.sum += sec
	h.count++
}

// Snapshots returns cumulative buckets, sorted by name.
func (hs *Histograms) Snapshots() []HistogramSnapshot {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	out := make([]HistogramSnapshot, 0, len(hs.by))
	for _, name := range SortedKeys(hs.by) {
		h := hs.by[name]
		snap := HistogramSnapshot{Name: name, Sum: h.sum, Count: h.count, Buckets: make([]HistogramBucket, len(latencyBounds))}
		var running int64
		for i, le := range latencyBounds {
			running += h.counts[i]
			snap.Buckets[i] = HistogramBucket{Le: le, Count: running}
			if snap.P95 == 0 && float64(running) >= 0.95*float64(h.count) {
				snap.P95 = le
			}
		}
		out = append(out, snap)
	}
	return out
}
