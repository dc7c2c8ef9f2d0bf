package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "eventfabric"

// NodeStats is a point-in-time view of a node, exported as gauges.
type NodeStats struct {
	NodeID    string
	Retained  int
	Capacity  int
	Recorded  uint64
	Evicted   uint64
	Listeners int
	Members   int
}

// StatsSource supplies NodeStats on every scrape.
type StatsSource interface {
	Stats() NodeStats
}

// StatsFunc adapts a function to StatsSource.
type StatsFunc func() NodeStats

// Stats implements StatsSource.
func (f StatsFunc) Stats() NodeStats { return f() }

var (
	retainedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(promNamespace, "store", "retained_records"),
		"Records currently retained in the local store.", []string{"node"}, nil)
	capacityDesc = prometheus.NewDesc(
		prometheus.BuildFQName(promNamespace, "store", "capacity_records"),
		"Configured capacity of the local store.", []string{"node"}, nil)
	recordedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(promNamespace, "store", "recorded_total"),
		"Records appended to the local store since start.", []string{"node"}, nil)
	evictedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(promNamespace, "store", "evicted_total"),
		"Records evicted from the local store since start.", []string{"node"}, nil)
	listenersDesc = prometheus.NewDesc(
		prometheus.BuildFQName(promNamespace, "listener", "registered"),
		"Registered local listeners.", []string{"node"}, nil)
	membersDesc = prometheus.NewDesc(
		prometheus.BuildFQName(promNamespace, "cluster", "members"),
		"Live members in the node's membership view.", []string{"node"}, nil)
)

// Collector exports a StatsSource as Prometheus metrics.
type Collector struct {
	src StatsSource
}

// NewCollector creates a Collector over src.
func NewCollector(src StatsSource) *Collector {
	return &Collector{src: src}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{retainedDesc, capacityDesc, recordedDesc, evictedDesc, listenersDesc, membersDesc} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()
	ch <- prometheus.MustNewConstMetric(retainedDesc, prometheus.GaugeValue, float64(s.Retained), s.NodeID)
	ch <- prometheus.MustNewConstMetric(capacityDesc, prometheus.GaugeValue, float64(s.Capacity), s.NodeID)
	ch <- prometheus.MustNewConstMetric(recordedDesc, prometheus.CounterValue, float64(s.Recorded), s.NodeID)
	ch <- prometheus.MustNewConstMetric(evictedDesc, prometheus.CounterValue, float64(s.Evicted), s.NodeID)
	ch <- prometheus.MustNewConstMetric(listenersDesc, prometheus.GaugeValue, float64(s.Listeners), s.NodeID)
	ch <- prometheus.MustNewConstMetric(membersDesc, prometheus.GaugeValue, float64(s.Members), s.NodeID)
}

// PromMetrics is a MetricsRecorder backed by Prometheus collectors. Create
// it with NewPromMetrics and combine it with the OTel recorder via Fanout.
type PromMetrics struct {
	events       *prometheus.CounterVec
	listenerErrs *prometheus.CounterVec
	queries      prometheus.Histogram
	nodeOutcomes *prometheus.CounterVec
}

// Compile-time interface check.
var _ MetricsRecorder = (*PromMetrics)(nil)

// NewPromMetrics creates the collectors and registers them with r. Already
// registered collectors are reused, so calling it twice with the same
// registerer is safe.
func NewPromMetrics(r prometheus.Registerer) (*PromMetrics, error) {
	m := &PromMetrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "events",
			Name:      "recorded_by_type_total",
			Help:      "Records appended to the local store, by type.",
		}, []string{"type"}),
		listenerErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "listener",
			Name:      "failures_total",
			Help:      "Listener invocations that panicked, by event type.",
		}, []string{"type"}),
		queries: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: promNamespace,
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "Remote query latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		nodeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "query",
			Name:      "node_outcomes_total",
			Help:      "Per-node outcomes of remote queries.",
		}, []string{"outcome"}),
	}

	var err error
	if m.events, err = register(r, m.events); err != nil {
		return nil, err
	}
	if m.listenerErrs, err = register(r, m.listenerErrs); err != nil {
		return nil, err
	}
	if m.queries, err = register(r, m.queries); err != nil {
		return nil, err
	}
	if m.nodeOutcomes, err = register(r, m.nodeOutcomes); err != nil {
		return nil, err
	}
	return m, nil
}

// register registers c, returning the existing collector when an identical
// one is already registered.
func register[C prometheus.Collector](r prometheus.Registerer, c C) (C, error) {
	if err := r.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *PromMetrics) RecordEvent(_ context.Context, eventType string) {
	m.events.WithLabelValues(eventType).Inc()
}

func (m *PromMetrics) RecordEviction(context.Context, int) {}

func (m *PromMetrics) RecordListenerInvocation(_ context.Context, eventType string, failed bool) {
	if failed {
		m.listenerErrs.WithLabelValues(eventType).Inc()
	}
}

func (m *PromMetrics) RecordRemoteQuery(_ context.Context, _, _ int, duration time.Duration) {
	m.queries.Observe(duration.Seconds())
}

func (m *PromMetrics) RecordNodeQuery(_ context.Context, _, outcome string, _ time.Duration) {
	m.nodeOutcomes.WithLabelValues(outcome).Inc()
}

// Handler returns an http.Handler serving metrics from g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
