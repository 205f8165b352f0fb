package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.EventsAppended("s1", 3)
	m.EventsAppended("s1", 2)
	m.ConcurrencyConflict("s1")
	m.SnapshotHit("order@v1")
	m.SnapshotMiss("order@v1")
	m.LinksWritten("order@v1", 4)
	m.AppendDuration("s1").ObserveDuration()
	m.RehydrateDuration("order@v1").ObserveDuration()
	m.SnapshotSaveDuration("order@v1").ObserveDuration()

	lm := m.(*ledgerMetrics)
	require.Equal(t, 5.0, testutil.ToFloat64(lm.eventsAppended.WithLabelValues("s1")))
	require.Equal(t, 1.0, testutil.ToFloat64(lm.conflicts.WithLabelValues("s1")))
	require.Equal(t, 4.0, testutil.ToFloat64(lm.linksWritten.WithLabelValues("order@v1")))

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"ledger_append_duration_seconds",
		"ledger_events_appended_total",
		"ledger_concurrency_conflicts_total",
		"ledger_rehydrate_duration_seconds",
		"ledger_snapshot_hits_total",
		"ledger_snapshot_misses_total",
		"ledger_snapshot_save_duration_seconds",
		"ledger_links_written_total",
	} {
		require.True(t, names[want], "missing metric %s", want)
	}
}

func TestMetrics_DoubleRegisterPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	require.Panics(t, func() { NewMetrics(reg) })
}
