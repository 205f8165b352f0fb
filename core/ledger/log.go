package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Log is the append/query surface over one Ledger Backend. It holds no
// per-stream state in memory: the latest sequence is re-derived from the
// backend on every operation, so a single Log is safe to share across
// goroutines and processes.
type Log struct {
	backend  Backend
	registry *Registry
	log      *slog.Logger
	metrics  Metrics
	clock    func() time.Time
	actor    string
}

// AppendResult reports the sequence window assigned by a successful append.
type AppendResult struct {
	StreamID      string
	FirstSequence uint64
	LastSequence  uint64
	Count         int
}

func NewLog(backend Backend, registry *Registry, opts ...Option) *Log {
	o := newEngineOptions(opts...)
	return &Log{
		backend:  backend,
		registry: registry,
		log:      o.log.With(slog.String("component", "ledger.log")),
		metrics:  o.metrics,
		clock:    o.clock,
		actor:    o.actor,
	}
}

// Append persists events at the tail of the stream, conditioned on
// expectedSeq being the stream's current latest sequence. Sequences
// expectedSeq+1..expectedSeq+len(events) are assigned in argument order.
// A first-ever append passes expectedSeq 0. An empty events list is a
// successful no-op.
//
// The pre-check here fails fast; the backend re-validates the same
// precondition inside AtomicWrite, which is what actually arbitrates
// concurrent writers.
func (l *Log) Append(ctx context.Context, streamID string, expectedSeq uint64, events ...any) (*AppendResult, error) {
	if len(events) == 0 {
		return &AppendResult{StreamID: streamID, FirstSequence: expectedSeq, LastSequence: expectedSeq}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	records, err := l.seal(streamID, expectedSeq, events)
	if err != nil {
		return nil, err
	}

	actual, err := l.backend.ReadLatestSequence(ctx, streamID, nil)
	if err != nil {
		return nil, storageErr("read latest sequence", streamID, err)
	}
	if actual != expectedSeq {
		l.metrics.ConcurrencyConflict(streamID)
		return nil, &ConflictError{StreamID: streamID, Expected: expectedSeq, Actual: actual}
	}

	timer := l.metrics.AppendDuration(streamID)
	err = l.backend.AtomicWrite(ctx, WriteBatch{
		StreamID:         streamID,
		ExpectedSequence: expectedSeq,
		Events:           records,
	})
	timer.ObserveDuration()
	if err != nil {
		if cerr := classifyConflict(err, streamID); cerr != nil {
			l.metrics.ConcurrencyConflict(streamID)
			return nil, cerr
		}
		return nil, storageErr("append", streamID, err)
	}

	res := &AppendResult{
		StreamID:      streamID,
		FirstSequence: expectedSeq + 1,
		LastSequence:  expectedSeq + uint64(len(records)),
		Count:         len(records),
	}
	l.metrics.EventsAppended(streamID, len(records))
	l.log.Debug(
		"appended",
		slog.String("stream", streamID),
		slog.Uint64("first_seq", res.FirstSequence),
		slog.Uint64("last_seq", res.LastSequence),
	)
	return res, nil
}

// seal encodes domain events into persisted records with assigned
// sequences, derived ids and created-at/by stamps.
func (l *Log) seal(streamID string, expectedSeq uint64, events []any) ([]Event, error) {
	now := l.clock()
	records := make([]Event, 0, len(events))
	for i, ev := range events {
		key, payload, err := l.registry.Encode(ev)
		if err != nil {
			return nil, err
		}
		seq := expectedSeq + uint64(i) + 1
		records = append(records, Event{
			ID:        EventID(streamID, seq),
			StreamID:  streamID,
			Sequence:  seq,
			Type:      key,
			Payload:   payload,
			CreatedAt: now,
			CreatedBy: l.actor,
		})
	}
	return records, nil
}

// Events returns stream events in ascending sequence order, narrowed by
// the given options (type filter, sequence window, time window).
func (l *Log) Events(ctx context.Context, streamID string, opts ...ReadOption) ([]Event, error) {
	timer := l.metrics.ReadDuration(streamID)
	defer timer.ObserveDuration()

	out, err := l.backend.ReadEvents(ctx, streamID, newReadQuery(opts...))
	if err != nil {
		return nil, storageErr("read events", streamID, err)
	}
	return out, nil
}

// LatestSequence returns the stream's highest sequence among events
// matching the optional type filter, or 0 for an empty stream.
func (l *Log) LatestSequence(ctx context.Context, streamID string, opts ...ReadOption) (uint64, error) {
	q := newReadQuery(opts...)
	seq, err := l.backend.ReadLatestSequence(ctx, streamID, q.Filter)
	if err != nil {
		return 0, storageErr("read latest sequence", streamID, err)
	}
	return seq, nil
}

// classifyConflict maps a backend conflict into a ConflictError,
// preserving the sequence values when the backend supplied them. Returns
// nil when err is not a conflict.
func classifyConflict(err error, streamID string) error {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, ErrConcurrencyConflict) {
		return &ConflictError{StreamID: streamID}
	}
	return nil
}
