// Package metrics is a small Prometheus text-format collector. It renders
// the exposition format directly instead of pulling in client_golang.
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

type Collector struct {
	counters   sync.Map // key -> *Counter
	gauges     sync.Map // key -> *Gauge
	histograms sync.Map // key -> *Histogram
	startTime  time.Time
	prefix     string
}

// New creates a collector whose uptime metric is named <prefix>_uptime_seconds.
func New(prefix string) *Collector {
	if prefix == "" {
		prefix = "chatrelay"
	}
	return &Collector{startTime: time.Now(), prefix: prefix}
}

func (c *Collector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (c *Counter) Inc() { c.value.Add(1) }
func (c *Counter) Add(n int64) { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (g *Gauge) Set(v int64) { g.value.Store(v) }
func (g *Gauge) Inc() { g.value.Add(1) }
func (g *Gauge) Dec() { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

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

// Labels renders key/value pairs as a Prometheus label set body:
// Labels("platform", "qq") == `platform="qq"`.
func Labels(kv ...string) string {
	var parts []string
	for i := 0; i+1 < len(kv); i += 2 {
		v := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(kv[i+1])
		parts = append(parts, fmt.Sprintf(`%s="%s"`, kv[i], v))
	}
	return strings.Join(parts, ",")
}

func (c *Collector) Counter(name, help, labels string) *Counter {
	key := name + "{" + labels + "}"
	if v, ok := c.counters.Load(key); ok {
		return v.(*Counter)
	}
	actual, _ := c.counters.LoadOrStore(key, &Counter{name: name, help: help, labels: labels})
	return actual.(*Counter)
}

func (c *Collector) Gauge(name, help, labels string) *Gauge {
	key := name + "{" + labels + "}"
	if v, ok := c.gauges.Load(key); ok {
		return v.(*Gauge)
	}
	actual, _ := c.gauges.LoadOrStore(key, &Gauge{name: name, help: help, labels: labels})
	return actual.(*Gauge)
}

func (c *Collector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	key := name + "{" + labels + "}"
	if v, ok := c.histograms.Load(key); ok {
		return v.(*Histogram)
	}
	bs := append([]float64(nil), buckets...)
	sort.Float64s(bs)
	hb := make([]histBucket, len(bs))
	for i, b := range bs {
		hb[i] = histBucket{le: b}
	}
	actual, _ := c.histograms.LoadOrStore(key, &Histogram{name: name, help: help, labels: labels, buckets: hb})
	return actual.(*Histogram)
}

// sortedKeys returns the map keys in order so output is stable between scrapes.
func sortedKeys(m *sync.Map) []string {
	var keys []string
	m.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	return keys
}

func writeSample(sb *strings.Builder, name, labels string, value string) {
	if labels != "" {
		fmt.Fprintf(sb, "%s{%s} %s\n", name, labels, value)
	} else {
		fmt.Fprintf(sb, "%s %s\n", name, value)
	}
}

// Render returns the Prometheus exposition text.
func (c *Collector) Render() string {
	var sb strings.Builder

	uptime := c.prefix + "_uptime_seconds"
	fmt.Fprintf(&sb, "# HELP %s Time since start in seconds\n", uptime)
	fmt.Fprintf(&sb, "# TYPE %s gauge\n", uptime)
	fmt.Fprintf(&sb, "%s %d\n", uptime, int64(c.Uptime().Seconds()))

	helpWritten := make(map[string]bool)
	for _, k := range sortedKeys(&c.counters) {
		v, _ := c.counters.Load(k)
		ctr := v.(*Counter)
		if !helpWritten[ctr.name] {
			fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s counter\n", ctr.name, ctr.help, ctr.name)
			helpWritten[ctr.name] = true
		}
		writeSample(&sb, ctr.name, ctr.labels, fmt.Sprint(ctr.Value()))
	}

	for _, k := range sortedKeys(&c.gauges) {
		v, _ := c.gauges.Load(k)
		g := v.(*Gauge)
		if !helpWritten[g.name] {
			fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s gauge\n", g.name, g.help, g.name)
			helpWritten[g.name] = true
		}
		writeSample(&sb, g.name, g.labels, fmt.Sprint(g.Value()))
	}

	for _, k := range sortedKeys(&c.histograms) {
		v, _ := c.histograms.Load(k)
		h := v.(*Histogram)
		h.mu.Lock()
		if !helpWritten[h.name] {
			fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s histogram\n", h.name, h.help, h.name)
			helpWritten[h.name] = true
		}
		sep := ""
		if h.labels != "" {
			sep = ","
		}
		for _, b := range h.buckets {
			if math.IsInf(b.le, 1) {
				continue
			}
			fmt.Fprintf(&sb, "%s_bucket{%s%sle=\"%g\"} %d\n", h.name, h.labels, sep, b.le, b.count)
		}
		fmt.Fprintf(&sb, "%s_bucket{%s%sle=\"+Inf\"} %d\n", h.name, h.labels, sep, h.count)
		writeSample(&sb, h.name+"_count", h.labels, fmt.Sprint(h.count))
		writeSample(&sb, h.name+"_sum", h.labels, fmt.Sprintf("%f", h.sum))
		h.mu.Unlock()
	}

	return sb.String()
}

// Handler serves Render as text/plain.
func (c *Collector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, c.Render())
	}
}
