// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for admitq.
//
// # Counter naming convention
//
// Every counter uses a tab-separated string as its label key so that a single
// sync.Map can hold all label combinations without additional map nesting.
//
//	Admissions / WorkerOutcomes / Reservations  →  key = "outcome"
//	Transitions                                 →  key = "edge\tresult"
//	HTTPReqs                                    →  key = "method\tpath\tstatus"
//	HTTPDurMs / HTTPDurCnt                      →  key = "method\tpath"
//
// Gauges are sampled at scrape time from functions registered with
// Registry.Gauge.
//
// # Prometheus text output
//
// Calling Registry.Handler() returns an http.Handler that renders all metrics
// in the Prometheus exposition format (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Value returns the current count for key, 0 if it was never touched.
func (lc *labelCounter) Value(key string) int64 {
	v, ok := lc.vals.Load(key)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Each calls fn for every key/value pair in key order.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	type kv struct {
		k string
		v int64
	}
	var all []kv
	lc.vals.Range(func(k, v any) bool {
		all = append(all, kv{k.(string), v.(*atomic.Int64).Load()})
		return true
	})
	sort.Slice(all, func(i, j int) bool { return all[i].k < all[j].k })
	for _, e := range all {
		fn(e.k, e.v)
	}
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Outcome labels shared by the admission path and the workers.
const (
	AdmitAccepted      = "accepted"
	AdmitDuplicate     = "duplicate"
	AdmitEnqueueFailed = "enqueue_failed"
	AdmitError         = "error"

	ReserveGranted   = "granted"
	ReserveExhausted = "exhausted"
)

// Registry holds all admitq application metrics. The zero value is ready to
// use.
type Registry struct {
	Admissions     labelCounter
	Transitions    labelCounter
	WorkerOutcomes labelCounter
	Reservations   labelCounter

	HTTPReqs   labelCounter
	HTTPDurMs  labelCounter // sum of request durations in milliseconds
	HTTPDurCnt labelCounter // number of requests (same key as HTTPDurMs, for avg)

	mu     sync.Mutex
	gauges []gauge
}

type gauge struct {
	name, help string
	fn         func() int64
}

// Gauge registers fn to be sampled on every scrape under admitq_<name>.
func (r *Registry) Gauge(name, help string, fn func() int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges = append(r.gauges, gauge{name: "admitq_" + name, help: help, fn: fn})
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, r.Render())
	})
}

// Render returns the exposition text for the current values.
func (r *Registry) Render() string {
	var b strings.Builder

	// ── domain counters ───────────────────────────────────────────────────────
	writeFamily(&b, "admitq_admissions_total",
		"Admission calls by outcome", "counter", outcomeLines(&r.Admissions))

	writeFamily(&b, "admitq_transitions_total",
		"Lifecycle transitions that reached the store, by edge and result", "counter",
		func(fn func(labels, val string)) {
			r.Transitions.Each(func(key string, val int64) {
				edge, result := splitTwo(key)
				fn(fmt.Sprintf(`edge=%q,result=%q`, edge, result), fmt.Sprintf("%d", val))
			})
		})

	writeFamily(&b, "admitq_worker_messages_total",
		"Queue messages handled by workers, by outcome", "counter", outcomeLines(&r.WorkerOutcomes))

	writeFamily(&b, "admitq_capacity_reservations_total",
		"First-come capacity reservations by outcome", "counter", outcomeLines(&r.Reservations))

	// ── HTTP counters ─────────────────────────────────────────────────────────
	writeFamily(&b, "admitq_http_requests_total",
		"Total HTTP requests by method, path, and status code", "counter",
		func(fn func(labels, val string)) {
			r.HTTPReqs.Each(func(key string, val int64) {
				method, path, status := splitThree(key)
				fn(fmt.Sprintf(`method=%q,path=%q,status=%q`, method, path, status),
					fmt.Sprintf("%d", val))
			})
		})

	writeFamily(&b, "admitq_http_request_duration_milliseconds_sum",
		"Sum of HTTP request durations in milliseconds", "counter",
		func(fn func(labels, val string)) {
			r.HTTPDurMs.Each(func(key string, val int64) {
				method, path := splitTwo(key)
				fn(fmt.Sprintf(`method=%q,path=%q`, method, path), fmt.Sprintf("%d", val))
			})
		})

	writeFamily(&b, "admitq_http_request_duration_milliseconds_count",
		"Count of observed HTTP request durations", "counter",
		func(fn func(labels, val string)) {
			r.HTTPDurCnt.Each(func(key string, val int64) {
				method, path := splitTwo(key)
				fn(fmt.Sprintf(`method=%q,path=%q`, method, path), fmt.Sprintf("%d", val))
			})
		})

	// ── gauges ────────────────────────────────────────────────────────────────
	r.mu.Lock()
	gauges := append([]gauge(nil), r.gauges...)
	r.mu.Unlock()
	for _, g := range gauges {
		fmt.Fprintf(&b, "# HELP %s %s\n", g.name, g.help)
		fmt.Fprintf(&b, "# TYPE %s gauge\n", g.name)
		fmt.Fprintf(&b, "%s %d\n", g.name, g.fn())
	}

	return b.String()
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func outcomeLines(lc *labelCounter) func(fn func(labels, val string)) {
	return func(fn func(labels, val string)) {
		lc.Each(func(key string, val int64) {
			fn(fmt.Sprintf(`outcome=%q`, key), fmt.Sprintf("%d", val))
		})
	}
}

// writeFamily writes a single Prometheus metric family to b.
// fill is called with a writer function that appends individual label+value lines.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	// Buffer individual metric lines so we can skip the header when empty.
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// splitTwo splits a tab-delimited key of the form "a\tb" into (a, b).
// If there is no tab, the whole string is returned as the first component.
func splitTwo(key string) (string, string) {
	i := strings.IndexByte(key, '\t')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// splitThree splits a tab-delimited key "a\tb\tc" into (a, b, c).
func splitThree(key string) (string, string, string) {
	a, rest := splitTwo(key)
	b, c := splitTwo(rest)
	return a, b, c
}

// ─── Convenience key builders ─────────────────────────────────────────────────

// TransitionKey builds the label key used by Transitions.
func TransitionKey(edge, result string) string {
	return edge + "\t" + result
}

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}

// HTTPDurKey builds the label key used by HTTPDurMs / HTTPDurCnt.
func HTTPDurKey(method, path string) string {
	return method + "\t" + path
}
