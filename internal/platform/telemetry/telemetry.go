// Package telemetry records HTTP server metrics and serves them, together
// with realtime gauges and counters sampled at scrape time, in Prometheus
// text exposition format.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// TelemetryConfig holds all configuration for the telemetry provider.
type TelemetryConfig struct {
	ServiceName    string `json:"service_name"`
	ServiceVersion string `json:"service_version"`
	NodeID         string `json:"node_id"`
	Environment    string `json:"environment"`
	MetricsEnabled *bool  `json:"metrics_enabled"` // nil = use default (true)
}

func (c *TelemetryConfig) metricsOn() bool {
	if c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "realtime-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

// BoolPtr is a helper to create a *bool for TelemetryConfig fields.
func BoolPtr(b bool) *bool {
	return &b
}

// ---------------------------------------------------------------------------
// Histogram: Prometheus-style histogram with buckets
// ---------------------------------------------------------------------------

// histogram is a thread-safe histogram with configurable bucket boundaries.
// Bucket counts are non-cumulative in storage; cumulative counts are computed
// at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64 // one per boundary, non-cumulative
	count        int64
	sum          uint64     // math.Float64bits
	mu           sync.Mutex // protects bucketCounts
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

// Observe records a single value.
func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

// Count returns the total number of observations.
func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

// Sum returns the total sum of all observations.
func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	cum := make([]int64, len(raw))
	var running int64
	for i, c := range raw {
		running += c
		cum[i] = running
	}
	return cum
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		newVal := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(newVal)) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Labeled histogram: keyed by (method, route, status_code)
// ---------------------------------------------------------------------------

type labeledHistogramStore struct {
	mu    sync.RWMutex
	items map[string]*histogram
}

func newLabeledHistogramStore() *labeledHistogramStore {
	return &labeledHistogramStore{items: make(map[string]*histogram)}
}

func (s *labeledHistogramStore) getOrCreate(key string, boundaries []float64) *histogram {
	s.mu.RLock()
	h, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		return h
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok = s.items[key]
	if !ok {
		h = newHistogram(boundaries)
		s.items[key] = h
	}
	return h
}

func (s *labeledHistogramStore) get(key string) *histogram {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items[key]
}

func (s *labeledHistogramStore) sortedKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LabelsKey builds the map key for a labeled histogram. Exported so tests
// can construct the same key.
func LabelsKey(method, route, statusCode string) string {
	return method + "|" + route + "|" + statusCode
}

// ---------------------------------------------------------------------------
// Scrape-time collectors
// ---------------------------------------------------------------------------

// GaugeFunc samples a gauge value at scrape time.
type GaugeFunc func() int64

// CounterFunc samples a labeled counter family at scrape time. The map is
// keyed by the value of the family's single label.
type CounterFunc func() map[string]int64

type gaugeCollector struct {
	name, help string
	fn         GaugeFunc
}

type counterCollector struct {
	name, help, label string
	fn                CounterFunc
}

// ---------------------------------------------------------------------------
// TelemetryProvider
// ---------------------------------------------------------------------------

// defaultDurationBuckets are the histogram bucket boundaries (in seconds)
// used for HTTP request duration.
var defaultDurationBuckets = []float64{
	0.005, 0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0,
}

// defaultSizeBuckets are the histogram bucket boundaries (in bytes) used for
// HTTP response size.
var defaultSizeBuckets = []float64{
	100, 1_000, 10_000, 100_000, 1_000_000,
}

const durationMetric = "http.server.request.duration"

// TelemetryProvider manages all metrics state.
type TelemetryProvider struct {
	cfg TelemetryConfig

	durations *labeledHistogramStore
	sizes     *histogram

	activeRequests int64
	upgrades       int64

	mu       sync.RWMutex
	gauges   []gaugeCollector
	counters []counterCollector
}

// NewTelemetryProvider creates and initialises the telemetry provider.
func NewTelemetryProvider(cfg TelemetryConfig) *TelemetryProvider {
	cfg.applyDefaults()
	return &TelemetryProvider{
		cfg:       cfg,
		durations: newLabeledHistogramStore(),
		sizes:     newHistogram(defaultSizeBuckets),
	}
}

// RegisterGauge adds a gauge sampled on every scrape. name must already be
// a valid Prometheus metric name.
func (tp *TelemetryProvider) RegisterGauge(name, help string, fn GaugeFunc) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.gauges = append(tp.gauges, gaugeCollector{name: name, help: help, fn: fn})
}

// RegisterCounter adds a counter family sampled on every scrape. An empty
// label exports the "" entry as an unlabeled counter.
func (tp *TelemetryProvider) RegisterCounter(name, help, label string, fn CounterFunc) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.counters = append(tp.counters, counterCollector{name: name, help: help, label: label, fn: fn})
}

// GetLabeledHistogram returns a specific labeled histogram, or nil.
func (tp *TelemetryProvider) GetLabeledHistogram(name, key string) *histogram {
	if name != durationMetric {
		return nil
	}
	return tp.durations.get(key)
}

// ActiveRequests returns the number of in-flight HTTP requests.
func (tp *TelemetryProvider) ActiveRequests() int64 {
	return atomic.LoadInt64(&tp.activeRequests)
}

// Upgrades returns how many WebSocket upgrade requests were seen.
func (tp *TelemetryProvider) Upgrades() int64 {
	return atomic.LoadInt64(&tp.upgrades)
}

// ---------------------------------------------------------------------------
// MetricsMiddleware
// ---------------------------------------------------------------------------

// MetricsMiddleware returns an Echo middleware that records HTTP server
// metrics. WebSocket upgrades are counted but not timed since the handler
// runs for the whole connection.
func (tp *TelemetryProvider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !tp.cfg.metricsOn() {
				return next(c)
			}
			req := c.Request()
			if strings.EqualFold(req.Header.Get(echo.HeaderUpgrade), "websocket") {
				atomic.AddInt64(&tp.upgrades, 1)
				return next(c)
			}

			atomic.AddInt64(&tp.activeRequests, 1)
			start := time.Now()

			err := next(c)

			duration := time.Since(start).Seconds()
			atomic.AddInt64(&tp.activeRequests, -1)

			resp := c.Response()
			status := resp.Status
			if he, ok := err.(*echo.HTTPError); ok && !resp.Committed {
				status = he.Code
			}

			// Route pattern, not the raw path, to bound label cardinality.
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			key := LabelsKey(req.Method, route, fmt.Sprintf("%d", status))
			tp.durations.getOrCreate(key, defaultDurationBuckets).Observe(duration)

			if resp.Size > 0 {
				tp.sizes.Observe(float64(resp.Size))
			}
			return err
		}
	}
}

// ---------------------------------------------------------------------------
// PrometheusHandler
// ---------------------------------------------------------------------------

// PrometheusHandler returns an Echo handler that serves metrics in Prometheus
// text exposition format at /metrics.
func (tp *TelemetryProvider) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		fmt.Fprintf(&b, "# HELP realtime_build_info Build and deployment metadata.\n")
		fmt.Fprintf(&b, "# TYPE realtime_build_info gauge\n")
		fmt.Fprintf(&b, "realtime_build_info{service=%q,version=%q,node=%q,environment=%q} 1\n\n",
			tp.cfg.ServiceName, tp.cfg.ServiceVersion, tp.cfg.NodeID, tp.cfg.Environment)

		name := "http_server_request_duration_seconds"
		fmt.Fprintf(&b, "# HELP %s Duration of HTTP requests in seconds.\n", name)
		fmt.Fprintf(&b, "# TYPE %s histogram\n", name)
		for _, key := range tp.durations.sortedKeys() {
			parts := strings.SplitN(key, "|", 3)
			if len(parts) != 3 {
				continue
			}
			labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
			writeSingleHistogram(&b, name, labels, tp.durations.get(key), defaultDurationBuckets)
		}
		b.WriteByte('\n')

		writeGauge(&b, "http_server_active_requests", "Number of active HTTP requests.", tp.ActiveRequests())

		name = "http_server_response_size_bytes"
		fmt.Fprintf(&b, "# HELP %s Size of HTTP response bodies in bytes.\n", name)
		fmt.Fprintf(&b, "# TYPE %s histogram\n", name)
		writeSingleHistogram(&b, name, "", tp.sizes, defaultSizeBuckets)
		b.WriteByte('\n')

		fmt.Fprintf(&b, "# HELP http_server_websocket_upgrades_total WebSocket upgrade requests.\n")
		fmt.Fprintf(&b, "# TYPE http_server_websocket_upgrades_total counter\n")
		fmt.Fprintf(&b, "http_server_websocket_upgrades_total %d\n\n", tp.Upgrades())

		tp.mu.RLock()
		gauges := append([]gaugeCollector(nil), tp.gauges...)
		counters := append([]counterCollector(nil), tp.counters...)
		tp.mu.RUnlock()

		for _, g := range gauges {
			writeGauge(&b, g.name, g.help, g.fn())
		}
		for _, cc := range counters {
			writeCounterFamily(&b, cc)
		}

		return c.String(http.StatusOK, b.String())
	}
}

// ---------------------------------------------------------------------------
// Prometheus format helpers
// ---------------------------------------------------------------------------

func writeGauge(b *strings.Builder, name, help string, val int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s gauge\n", name)
	fmt.Fprintf(b, "%s %d\n\n", name, val)
}

func writeCounterFamily(b *strings.Builder, cc counterCollector) {
	fmt.Fprintf(b, "# HELP %s %s\n", cc.name, cc.help)
	fmt.Fprintf(b, "# TYPE %s counter\n", cc.name)

	values := cc.fn()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if cc.label == "" {
			fmt.Fprintf(b, "%s %d\n", cc.name, values[k])
			continue
		}
		fmt.Fprintf(b, "%s{%s=%q} %d\n", cc.name, cc.label, k, values[k])
	}
	b.WriteByte('\n')
}

func writeSingleHistogram(b *strings.Builder, name, labels string,
	h *histogram, boundaries []float64) {

	if h == nil {
		return
	}
	cum := h.cumulativeBuckets()
	total := h.Count()

	labelsPrefix := ""
	labelsSuffix := ""
	if labels != "" {
		labelsPrefix = labels + ","
		labelsSuffix = "{" + labels + "}"
	}

	for i, boundary := range boundaries {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%g\"} %d\n", name, labelsPrefix, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, labelsPrefix, total)
	fmt.Fprintf(b, "%s_sum%s %g\n", name, labelsSuffix, h.Sum())
	fmt.Fprintf(b, "%s_count%s %d\n", name, labelsSuffix, total)
}
