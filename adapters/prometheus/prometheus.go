// Package prometheus implements the engine metrics on
// prometheus/client_golang collectors.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/ledger-go/core/ledger"
	"github.com/codewandler/ledger-go/core/metrics"
)

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

type timer struct {
	h     prometheus.Observer
	start time.Time
}

func newTimer(h prometheus.Observer) metrics.Timer {
	return &timer{h: h, start: time.Now()}
}

func (t *timer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}

type ledgerMetrics struct {
	appendDuration *prometheus.HistogramVec
	readDuration   *prometheus.HistogramVec
	eventsAppended *prometheus.CounterVec
	conflicts      *prometheus.CounterVec
	rehydrate      *prometheus.HistogramVec
	snapshotHits   *prometheus.CounterVec
	snapshotMisses *prometheus.CounterVec
	snapshotSave   *prometheus.HistogramVec
	linksWritten   *prometheus.CounterVec
}

// NewMetrics creates and registers Prometheus collectors implementing
// ledger.Metrics.
func NewMetrics(reg prometheus.Registerer) ledger.Metrics {
	m := &ledgerMetrics{
		appendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_append_duration_seconds",
			Help:    "Duration of atomic event appends.",
			Buckets: defaultBuckets,
		}, []string{"stream"}),
		readDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_read_duration_seconds",
			Help:    "Duration of event range reads.",
			Buckets: defaultBuckets,
		}, []string{"stream"}),
		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_events_appended_total",
			Help: "Events successfully appended.",
		}, []string{"stream"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_concurrency_conflicts_total",
			Help: "Appends and saves rejected by the expected-sequence check.",
		}, []string{"stream"}),
		rehydrate: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_rehydrate_duration_seconds",
			Help:    "Duration of aggregate rehydration.",
			Buckets: defaultBuckets,
		}, []string{"kind"}),
		snapshotHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_snapshot_hits_total",
			Help: "Rehydrations served from a snapshot.",
		}, []string{"kind"}),
		snapshotMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_snapshot_misses_total",
			Help: "Rehydrations that fell back to full replay.",
		}, []string{"kind"}),
		snapshotSave: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_snapshot_save_duration_seconds",
			Help:    "Duration of snapshot+link persistence.",
			Buckets: defaultBuckets,
		}, []string{"kind"}),
		linksWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_links_written_total",
			Help: "Aggregate-event links written.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		m.appendDuration, m.readDuration, m.eventsAppended, m.conflicts,
		m.rehydrate, m.snapshotHits, m.snapshotMisses, m.snapshotSave,
		m.linksWritten,
	)
	return m
}

func (m *ledgerMetrics) AppendDuration(streamID string) metrics.Timer {
	return newTimer(m.appendDuration.WithLabelValues(streamID))
}

func (m *ledgerMetrics) ReadDuration(streamID string) metrics.Timer {
	return newTimer(m.readDuration.WithLabelValues(streamID))
}

func (m *ledgerMetrics) EventsAppended(streamID string, count int) {
	m.eventsAppended.WithLabelValues(streamID).Add(float64(count))
}

func (m *ledgerMetrics) ConcurrencyConflict(streamID string) {
	m.conflicts.WithLabelValues(streamID).Inc()
}

func (m *ledgerMetrics) RehydrateDuration(kind string) metrics.Timer {
	return newTimer(m.rehydrate.WithLabelValues(kind))
}

func (m *ledgerMetrics) SnapshotHit(kind string)  { m.snapshotHits.WithLabelValues(kind).Inc() }
func (m *ledgerMetrics) SnapshotMiss(kind string) { m.snapshotMisses.WithLabelValues(kind).Inc() }

func (m *ledgerMetrics) SnapshotSaveDuration(kind string) metrics.Timer {
	return newTimer(m.snapshotSave.WithLabelValues(kind))
}

func (m *ledgerMetrics) LinksWritten(kind string, count int) {
	m.linksWritten.WithLabelValues(kind).Add(float64(count))
}
