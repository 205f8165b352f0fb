package ledger

import "github.com/codewandler/ledger-go/core/metrics"

// Metrics is the instrumentation hook for the engine. Implementations must
// be safe for concurrent use. The default is a no-op; see adapters/prometheus
// for a real backend.
type Metrics interface {
	// Log
	AppendDuration(streamID string) metrics.Timer
	ReadDuration(streamID string) metrics.Timer
	EventsAppended(streamID string, count int)
	ConcurrencyConflict(streamID string)

	// Rehydrator
	RehydrateDuration(kind string) metrics.Timer
	SnapshotHit(kind string)
	SnapshotMiss(kind string)
	SnapshotSaveDuration(kind string) metrics.Timer
	LinksWritten(kind string, count int)
}

type nopMetrics struct{}

func (nopMetrics) AppendDuration(string) metrics.Timer       { return metrics.NopTimer() }
func (nopMetrics) ReadDuration(string) metrics.Timer         { return metrics.NopTimer() }
func (nopMetrics) EventsAppended(string, int)                {}
func (nopMetrics) ConcurrencyConflict(string)                {}
func (nopMetrics) RehydrateDuration(string) metrics.Timer    { return metrics.NopTimer() }
func (nopMetrics) SnapshotHit(string)                        {}
func (nopMetrics) SnapshotMiss(string)                       {}
func (nopMetrics) SnapshotSaveDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) LinksWritten(string, int)                  {}

// NopMetrics returns the no-op Metrics implementation.
func NopMetrics() Metrics { return nopMetrics{} }
