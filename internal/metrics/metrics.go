// Package metrics provides Prometheus-compatible metrics for auralinkd.
//
// Metrics are kept in a Registry and rendered in the Prometheus text
// exposition format. auralinkd writes them next to its state file so a
// node exporter textfile collector, or "auralinkd status", can read them.
package metrics

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType represents the type of metric.
type MetricType int

const (
	// TypeCounter is a monotonically increasing counter.
	TypeCounter MetricType = iota
	// TypeGauge is a value that can go up and down.
	TypeGauge
	// TypeHistogram is a distribution of values.
	TypeHistogram
)

// String returns the string representation of the metric type.
func (t MetricType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
	case TypeHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// Labels represents metric labels.
type Labels map[string]string

// String returns the labels in exposition form, sorted by name.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(l))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf(`%s=%q`, k, l[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// Metric is anything a Registry can render.
type Metric interface {
	Name() string
	Help() string
	Type() MetricType
	write(w io.Writer)
	snapshot(into map[string]float64)
}

type desc struct {
	name   string
	help   string
	labels Labels
}

func (d desc) Name() string { return d.name }
func (d desc) Help() string { return d.help }

// Counter is a monotonically increasing counter.
type Counter struct {
	desc
	value atomic.Uint64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() {
	c.value.Add(1)
}

// Add adds v to the counter.
func (c *Counter) Add(v uint64) {
	c.value.Add(v)
}

// Value returns the current value.
func (c *Counter) Value() uint64 {
	return c.value.Load()
}

// Type returns TypeCounter.
func (c *Counter) Type() MetricType { return TypeCounter }

func (c *Counter) write(w io.Writer) {
	fmt.Fprintf(w, "%s%s %d\n", c.name, c.labels, c.Value())
}

func (c *Counter) snapshot(into map[string]float64) {
	into[c.name] = float64(c.Value())
}

// Gauge is a value that can go up and down.
type Gauge struct {
	desc
	value atomic.Int64
}

// Set sets the gauge to v.
func (g *Gauge) Set(v int64) {
	g.value.Store(v)
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc() {
	g.value.Add(1)
}

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() {
	g.value.Add(-1)
}

// Value returns the current value.
func (g *Gauge) Value() int64 {
	return g.value.Load()
}

// Type returns TypeGauge.
func (g *Gauge) Type() MetricType { return TypeGauge }

func (g *Gauge) write(w io.Writer) {
	fmt.Fprintf(w, "%s%s %d\n", g.name, g.labels, g.Value())
}

func (g *Gauge) snapshot(into map[string]float64) {
	into[g.name] = float64(g.Value())
}

// funcMetric reads its value from a component that keeps its own count.
type funcMetric struct {
	desc
	typ MetricType
	fn  func() float64
}

func (f *funcMetric) Type() MetricType { return f.typ }

// Value calls the underlying function.
func (f *funcMetric) Value() float64 { return f.fn() }

func (f *funcMetric) write(w io.Writer) {
	fmt.Fprintf(w, "%s%s %s\n", f.name, f.labels, formatFloat(f.fn()))
}

func (f *funcMetric) snapshot(into map[string]float64) {
	into[f.name] = f.fn()
}

// Histogram tracks the distribution of values.
type Histogram struct {
	desc
	buckets []float64

	mu     sync.Mutex
	counts []uint64 // per bucket, last is +Inf
	sum    float64
	count  uint64
}

// DurationBuckets are buckets for latency histograms, in seconds.
var DurationBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	idx := sort.SearchFloat64s(h.buckets, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	h.counts[idx]++
}

// ObserveDuration records d in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

// Type returns TypeHistogram.
func (h *Histogram) Type() MetricType { return TypeHistogram }

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Sum returns the sum of observed values.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

// Mean returns the mean of observed values.
func (h *Histogram) Mean() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return 0
	}
	return h.sum / float64(h.count)
}

func (h *Histogram) write(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	prefix := "{"
	if s := h.labels.String(); s != "" {
		prefix = s[:len(s)-1] + ","
	}
	var cumulative uint64
	for i, bound := range h.buckets {
		cumulative += h.counts[i]
		fmt.Fprintf(w, "%s_bucket%sle=\"%s\"} %d\n", h.name, prefix, formatFloat(bound), cumulative)
	}
	cumulative += h.counts[len(h.buckets)]
	fmt.Fprintf(w, "%s_bucket%sle=\"+Inf\"} %d\n", h.name, prefix, cumulative)
	fmt.Fprintf(w, "%s_sum%s %s\n", h.name, h.labels, formatFloat(h.sum))
	fmt.Fprintf(w, "%s_count%s %d\n", h.name, h.labels, h.count)
}

func (h *Histogram) snapshot(into map[string]float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	into[h.name+"_count"] = float64(h.count)
	into[h.name+"_sum"] = h.sum
}

// Registry holds all registered metrics.
type Registry struct {
	namespace string

	mu      sync.RWMutex
	metrics map[string]Metric
}

// NewRegistry creates a registry whose metric names are prefixed with
// namespace.
func NewRegistry(namespace string) *Registry {
	return &Registry{
		namespace: namespace,
		metrics:   make(map[string]Metric),
	}
}

func (r *Registry) fullName(name string) string {
	if r.namespace == "" {
		return name
	}
	return r.namespace + "_" + name
}

// register stores m, or returns the metric already registered under its
// name.
func (r *Registry) register(m Metric) Metric {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.metrics[m.Name()]; ok {
		return existing
	}
	r.metrics[m.Name()] = m
	return m
}

// RegisterCounter creates and registers a counter. Registering a name
// twice returns the first counter.
func (r *Registry) RegisterCounter(name, help string, labels Labels) *Counter {
	c := &Counter{desc: desc{r.fullName(name), help, labels}}
	return r.register(c).(*Counter)
}

// RegisterGauge creates and registers a gauge.
func (r *Registry) RegisterGauge(name, help string, labels Labels) *Gauge {
	g := &Gauge{desc: desc{r.fullName(name), help, labels}}
	return r.register(g).(*Gauge)
}

// RegisterCounterFunc registers a counter whose value is read from fn.
func (r *Registry) RegisterCounterFunc(name, help string, fn func() float64) {
	r.register(&funcMetric{desc: desc{name: r.fullName(name), help: help}, typ: TypeCounter, fn: fn})
}

// RegisterGaugeFunc registers a gauge whose value is read from fn.
func (r *Registry) RegisterGaugeFunc(name, help string, fn func() float64) {
	r.register(&funcMetric{desc: desc{name: r.fullName(name), help: help}, typ: TypeGauge, fn: fn})
}

// RegisterHistogram creates and registers a histogram. Nil buckets
// default to DurationBuckets.
func (r *Registry) RegisterHistogram(name, help string, labels Labels, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = DurationBuckets
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	h := &Histogram{
		desc:    desc{r.fullName(name), help, labels},
		buckets: sorted,
		counts:  make([]uint64, len(sorted)+1),
	}
	return r.register(h).(*Histogram)
}

// Unregister removes the metric with the given short name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.metrics, r.fullName(name))
	r.mu.Unlock()
}

func (r *Registry) sorted() []Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metric, 0, len(r.metrics))
	for _, m := range r.metrics {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// WritePrometheus writes every metric in the Prometheus text format,
// ordered by name.
func (r *Registry) WritePrometheus(w io.Writer) error {
	var b strings.Builder
	for _, m := range r.sorted() {
		fmt.Fprintf(&b, "# HELP %s %s\n", m.Name(), m.Help())
		fmt.Fprintf(&b, "# TYPE %s %s\n", m.Name(), m.Type())
		m.write(&b)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteFile renders the registry to path, replacing it atomically.
func (r *Registry) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".metrics-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := r.WritePrometheus(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Snapshot returns the current value of every metric by full name.
// Histograms contribute their _count and _sum.
func (r *Registry) Snapshot() map[string]float64 {
	out := make(map[string]float64)
	for _, m := range r.sorted() {
		m.snapshot(out)
	}
	return out
}

func formatFloat(v float64) string {
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.6f", v), "0"), ".")
}
