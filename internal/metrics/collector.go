// Package metrics renders gateway counters in Prometheus text format.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide registry served on /metrics.
var Collector = NewMetricsCollector()

// MetricsCollector aggregates counters, gauges, and histograms.
type MetricsCollector struct {
	counters   sync.Map // name -> *Counter
	gauges     sync.Map // name -> *Gauge
	histograms sync.Map // name -> *Histogram
	startTime  time.Time
}

// NewMetricsCollector creates a new collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{startTime: time.Now()}
}

// Uptime returns how long the collector has been running.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add increments the counter by n.
func (c *Counter) Add(n int64) { c.value.Add(n) }

// Value returns the current counter value.
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Value returns the current gauge value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of values.
type Histogram struct {
	name    string
	help    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

// --- Registration helpers ---

// Counter returns or creates a counter with the given name.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	key := name + "{" + labels + "}"
	if v, ok := c.counters.Load(key); ok {
		return v.(*Counter)
	}
	ctr := &Counter{name: name, help: help, labels: labels}
	actual, _ := c.counters.LoadOrStore(key, ctr)
	return actual.(*Counter)
}

// Gauge returns or creates a gauge with the given name.
func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	key := name + "{" + labels + "}"
	if v, ok := c.gauges.Load(key); ok {
		return v.(*Gauge)
	}
	g := &Gauge{name: name, help: help, labels: labels}
	actual, _ := c.gauges.LoadOrStore(key, g)
	return actual.(*Gauge)
}

// Histogram returns or creates a histogram with the given name.
func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	key := name + "{" + labels + "}"
	if v, ok := c.histograms.Load(key); ok {
		return v.(*Histogram)
	}
	sort.Float64s(buckets)
	hb := make([]histBucket, len(buckets))
	for i, b := range buckets {
		hb[i] = histBucket{le: b}
	}
	h := &Histogram{name: name, help: help, labels: labels, buckets: hb}
	actual, _ := c.histograms.LoadOrStore(key, h)
	return actual.(*Histogram)
}

// --- Prometheus text rendering ---

// Handler returns an http.HandlerFunc that renders metrics in Prometheus text format.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var sb strings.Builder

		// Add uptime gauge
		fmt.Fprintf(&sb, "# HELP cmdgate_uptime_seconds Time since start in seconds\n")
		fmt.Fprintf(&sb, "# TYPE cmdgate_uptime_seconds gauge\n")
		fmt.Fprintf(&sb, "cmdgate_uptime_seconds %d\n\n", int64(c.Uptime().Seconds()))

		c.writeCounters(&sb)
		c.writeGauges(&sb)
		c.writeHistograms(&sb)

		fmt.Fprint(w, sb.String())
	}
}

func sortedKeys(m *sync.Map) []string {
	var keys []string
	m.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	return keys
}

func writeSample(sb *strings.Builder, name, labels string, v int64) {
	if labels != "" {
		fmt.Fprintf(sb, "%s{%s} %d\n", name, labels, v)
	} else {
		fmt.Fprintf(sb, "%s %d\n", name, v)
	}
}

func (c *MetricsCollector) writeCounters(sb *strings.Builder) {
	helpWritten := make(map[string]bool)
	for _, key := range sortedKeys(&c.counters) {
		v, _ := c.counters.Load(key)
		ctr := v.(*Counter)
		if !helpWritten[ctr.name] {
			fmt.Fprintf(sb, "# HELP %s %s\n", ctr.name, ctr.help)
			fmt.Fprintf(sb, "# TYPE %s counter\n", ctr.name)
			helpWritten[ctr.name] = true
		}
		writeSample(sb, ctr.name, ctr.labels, ctr.Value())
	}
}

func (c *MetricsCollector) writeGauges(sb *strings.Builder) {
	helpWritten := make(map[string]bool)
	for _, key := range sortedKeys(&c.gauges) {
		v, _ := c.gauges.Load(key)
		g := v.(*Gauge)
		if !helpWritten[g.name] {
			fmt.Fprintf(sb, "# HELP %s %s\n", g.name, g.help)
			fmt.Fprintf(sb, "# TYPE %s gauge\n", g.name)
			helpWritten[g.name] = true
		}
		writeSample(sb, g.name, g.labels, g.Value())
	}
}

func (c *MetricsCollector) writeHistograms(sb *strings.Builder) {
	for _, key := range sortedKeys(&c.histograms) {
		v, _ := c.histograms.Load(key)
		h := v.(*Histogram)
		h.mu.Lock()
		fmt.Fprintf(sb, "# HELP %s %s\n", h.name, h.help)
		fmt.Fprintf(sb, "# TYPE %s histogram\n", h.name)
		prefix := h.name + "_bucket{"
		if h.labels != "" {
			prefix += h.labels + ","
		}
		for _, b := range h.buckets {
			le := fmt.Sprintf("%g", b.le)
			if math.IsInf(b.le, 1) {
				le = "+Inf"
			}
			fmt.Fprintf(sb, "%sle=\"%s\"} %d\n", prefix, le, b.count)
		}
		fmt.Fprintf(sb, "%s+Inf\"} %d\n", prefix+"le=\"", h.count)
		writeSample(sb, h.name+"_count", h.labels, h.count)
		if h.labels != "" {
			fmt.Fprintf(sb, "%s_sum{%s} %f\n", h.name, h.labels, h.sum)
		} else {
			fmt.Fprintf(sb, "%s_sum %f\n", h.name, h.sum)
		}
		h.mu.Unlock()
	}
}

// --- Gateway metrics ---

var (
	ApprovalsPending = Collector.Gauge("cmdgate_approvals_pending", "Approval items waiting for a decision", "")
	RulesLoaded      = Collector.Gauge("cmdgate_rules", "Rules in the current snapshot", "")
	AuditFailures    = Collector.Counter("cmdgate_audit_failures_total", "Audit appends that failed and were compensated", "")
	RateLimited      = Collector.Counter("cmdgate_rate_limited_total", "Submissions refused by the per-user rate limit", "")
	ExecutorFailures = Collector.Counter("cmdgate_executor_failures_total", "Admitted commands whose execution failed", "")

	ExecLatency = Collector.Histogram("cmdgate_exec_latency_seconds", "Command execution latency in seconds", "",
		[]float64{0.01, 0.1, 0.5, 1, 5, 10, 30})
)

// Submissions counts submissions by final status and reason.
func Submissions(status, reason string) *Counter {
	return Collector.Counter("cmdgate_submissions_total", "Submissions by outcome",
		fmt.Sprintf("status=%q,reason=%q", status, reason))
}

// Resolutions counts approval decisions.
func Resolutions(decision string) *Counter {
	return Collector.Counter("cmdgate_approval_resolutions_total", "Approval items resolved by decision",
		fmt.Sprintf("decision=%q", decision))
}
