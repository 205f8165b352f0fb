package ledger

import (
	"log/slog"
	"time"
)

const defaultActor = "system"

// engineOptions are shared by Log and Rehydrator constructors.
type engineOptions struct {
	log     *slog.Logger
	metrics Metrics
	clock   func() time.Time
	actor   string
}

func newEngineOptions(opts ...Option) engineOptions {
	o := engineOptions{
		log:     slog.Default(),
		metrics: NopMetrics(),
		clock:   time.Now,
		actor:   defaultActor,
	}
	for _, opt := range opts {
		opt.applyToEngine(&o)
	}
	return o
}

// Option configures a Log or a Rehydrator.
type Option interface {
	applyToEngine(*engineOptions)
}

type (
	logOption     struct{ l *slog.Logger }
	metricsOption struct{ m Metrics }
	clockOption   struct{ c func() time.Time }
	actorOption   struct{ a string }
)

func (o logOption) applyToEngine(e *engineOptions)     { e.log = o.l }
func (o metricsOption) applyToEngine(e *engineOptions) { e.metrics = o.m }
func (o clockOption) applyToEngine(e *engineOptions)   { e.clock = o.c }
func (o actorOption) applyToEngine(e *engineOptions)   { e.actor = o.a }

// WithLogger sets the slog logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return logOption{l} }

// WithMetrics sets the metrics implementation. Defaults to no-op.
func WithMetrics(m Metrics) Option { return metricsOption{m} }

// WithClock overrides the time source. Used by tests for deterministic
// created/applied timestamps.
func WithClock(c func() time.Time) Option { return clockOption{c} }

// WithActor sets the principal recorded as created-by/updated-by on
// persisted records. Defaults to "system".
func WithActor(actor string) Option { return actorOption{actor} }
