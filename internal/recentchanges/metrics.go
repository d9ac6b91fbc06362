package recentchanges

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "rcbot"

// Refresh outcomes recorded in rcbot_refresh_total.
const (
	ResultOK          = "ok"
	ResultFetchError  = "fetch_error"
	ResultFormatError = "format_error"
)

// Metrics collects per-feed watcher metrics. A nil *Metrics records nothing.
type Metrics struct {
	refreshes     *prometheus.CounterVec
	ingested      *prometheus.CounterVec
	lines         *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	evicted       *prometheus.CounterVec
	tracked       *prometheus.GaugeVec
	fetchDuration *prometheus.HistogramVec
}

// NewMetrics builds the collector and registers it with reg when reg is not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "refresh_total",
				Help:      "Refresh cycles by outcome.",
			}, []string{"feed", "result"},
		),
		ingested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "changes_ingested_total",
				Help:      "Changes read from the feed.",
			}, []string{"feed"},
		),
		lines: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "lines_total",
				Help:      "Announcement lines produced, including drop notices.",
			}, []string{"feed"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "subjects_dropped_total",
				Help:      "Ready pages discarded by the per-cycle cap.",
			}, []string{"feed"},
		),
		evicted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "subjects_evicted_total",
				Help:      "Quiet pages removed from memory.",
			}, []string{"feed"},
		),
		tracked: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "subjects_tracked",
				Help:      "Pages currently held in memory.",
			}, []string{"feed"},
		),
		fetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "fetch_duration_seconds",
				Help:      "Time spent fetching the feed.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			}, []string{"feed"},
		),
	}
	if reg != nil {
		if err := reg.Register(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Describe is part of the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.refreshes.Describe(ch)
	m.ingested.Describe(ch)
	m.lines.Describe(ch)
	m.dropped.Describe(ch)
	m.evicted.Describe(ch)
	m.tracked.Describe(ch)
	m.fetchDuration.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.refreshes.Collect(ch)
	m.ingested.Collect(ch)
	m.lines.Collect(ch)
	m.dropped.Collect(ch)
	m.evicted.Collect(ch)
	m.tracked.Collect(ch)
	m.fetchDuration.Collect(ch)
}

func (m *Metrics) observeFetch(feed string, d time.Duration) {
	if m == nil {
		return
	}
	m.fetchDuration.WithLabelValues(feed).Observe(d.Seconds())
}

func (m *Metrics) refreshed(feed, result string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(feed, result).Inc()
}

func (m *Metrics) cycle(feed string, ingested, lines, dropped, evicted, tracked int) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(feed).Add(float64(ingested))
	m.lines.WithLabelValues(feed).Add(float64(lines))
	m.dropped.WithLabelValues(feed).Add(float64(dropped))
	m.evicted.WithLabelValues(feed).Add(float64(evicted))
	m.tracked.WithLabelValues(feed).Set(float64(tracked))
}
