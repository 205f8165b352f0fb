// Package metrics defines minimal instrumentation interfaces so the engine
// can be measured without coupling to a concrete metrics backend. The
// Prometheus implementation lives in adapters/prometheus; everything
// defaults to the no-ops in this package.
package metrics

// Counter only ever goes up.
type Counter interface {
	Inc()
	// Add increments by delta, which must be >= 0.
	Add(delta float64)
}

// Gauge is a value that can move in both directions.
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
	Add(delta float64)
}

// Histogram records observed values, typically durations in seconds.
type Histogram interface {
	Observe(value float64)
}

// Timer records the elapsed time of one operation. Obtain it when the
// operation starts and call ObserveDuration when it completes:
//
//	defer m.AppendDuration(stream).ObserveDuration()
type Timer interface {
	ObserveDuration()
}
