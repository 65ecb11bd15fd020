package router

import (
	"sort"
	"time"
)

// windowMaxAge bounds how long an observation influences health. Without
// aging, a model that breached thresholds and then received no traffic
// would stay unhealthy forever.
const windowMaxAge = 10 * time.Minute

type observation struct {
	at      time.Time
	success bool
	latency time.Duration
}

// window is a rolling record of the last capacity calls to one model.
// Not safe for concurrent use; the Router serializes access.
type window struct {
	capacity int
	entries  []observation
}

func newWindow(capacity int) *window {
	return &window{capacity: capacity}
}

func (w *window) record(obs observation) {
	w.entries = append(w.entries, obs)
	if len(w.entries) > w.capacity {
		w.entries = w.entries[len(w.entries)-w.capacity:]
	}
}

// fresh returns the entries still inside the max-age horizon.
func (w *window) fresh(now time.Time) []observation {
	var out []observation
	for _, e := range w.entries {
		if now.Sub(e.at) <= windowMaxAge {
			out = append(out, e)
		}
	}
	return out
}

// errorRate returns failures over the window CAPACITY, not over the
// sample count. Slots without observations count as successes, so a
// single failed call against an otherwise idle model cannot breach the
// threshold by itself.
func (w *window) errorRate(now time.Time) float64 {
	failures := 0
	for _, e := range w.fresh(now) {
		if !e.success {
			failures++
		}
	}
	return float64(failures) / float64(w.capacity)
}

// p95Latency returns the p95 latency over fresh samples, or zero when
// the window holds fewer samples than its capacity.
func (w *window) p95Latency(now time.Time) time.Duration {
	entries := w.fresh(now)
	if len(entries) < w.capacity {
		return 0
	}
	latencies := make([]time.Duration, len(entries))
	for i, e := range entries {
		latencies[i] = e.latency
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	idx := (len(latencies)*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return latencies[idx]
}
