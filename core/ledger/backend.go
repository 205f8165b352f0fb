package ledger

import (
	"context"
	"time"
)

type (
	readOptions struct {
		filter   TypeFilter
		fromSeq  uint64
		toSeq    uint64
		fromTime time.Time
		toTime   time.Time
	}

	readOptionsReceiver interface {
		SetFilter(TypeFilter)
		SetFromSequence(uint64)
		SetToSequence(uint64)
		SetFromTime(time.Time)
		SetToTime(time.Time)
	}

	// ReadOption narrows an event query. Options compose: from/to sequence
	// and from/to time bounds are inclusive and may be combined with a type
	// filter.
	ReadOption interface {
		ApplyToReadOptions(readOptionsReceiver)
	}

	filterOption   struct{ f TypeFilter }
	fromSeqOption  struct{ v uint64 }
	toSeqOption    struct{ v uint64 }
	fromTimeOption struct{ v time.Time }
	toTimeOption   struct{ v time.Time }
)

func (r *readOptions) SetFilter(f TypeFilter)   { r.filter = f }
func (r *readOptions) SetFromSequence(v uint64) { r.fromSeq = v }
func (r *readOptions) SetToSequence(v uint64)   { r.toSeq = v }
func (r *readOptions) SetFromTime(t time.Time)  { r.fromTime = t }
func (r *readOptions) SetToTime(t time.Time)    { r.toTime = t }

func (o filterOption) ApplyToReadOptions(r readOptionsReceiver)   { r.SetFilter(o.f) }
func (o fromSeqOption) ApplyToReadOptions(r readOptionsReceiver)  { r.SetFromSequence(o.v) }
func (o toSeqOption) ApplyToReadOptions(r readOptionsReceiver)    { r.SetToSequence(o.v) }
func (o fromTimeOption) ApplyToReadOptions(r readOptionsReceiver) { r.SetFromTime(o.v) }
func (o toTimeOption) ApplyToReadOptions(r readOptionsReceiver)   { r.SetToTime(o.v) }

// WithTypes restricts a read to events whose type key is in the filter.
func WithTypes(keys ...TypeKey) ReadOption { return filterOption{TypeFilter(keys)} }

// WithFilter restricts a read to events matched by f.
func WithFilter(f TypeFilter) ReadOption { return filterOption{f} }

// WithFromSequence bounds a read to events at or after seq.
func WithFromSequence(seq uint64) ReadOption { return fromSeqOption{seq} }

// WithToSequence bounds a read to events at or before seq.
func WithToSequence(seq uint64) ReadOption { return toSeqOption{seq} }

// WithFromTime bounds a read to events created at or after t.
func WithFromTime(t time.Time) ReadOption { return fromTimeOption{t} }

// WithToTime bounds a read to events created at or before t.
func WithToTime(t time.Time) ReadOption { return toTimeOption{t} }

// ReadQuery is the resolved form of a set of ReadOptions, passed to
// backends. Zero bounds mean unbounded.
type ReadQuery struct {
	Filter   TypeFilter
	FromSeq  uint64
	ToSeq    uint64
	FromTime time.Time
	ToTime   time.Time
}

func newReadQuery(opts ...ReadOption) ReadQuery {
	ro := &readOptions{}
	for _, opt := range opts {
		opt.ApplyToReadOptions(ro)
	}
	return ReadQuery{
		Filter:   ro.filter,
		FromSeq:  ro.fromSeq,
		ToSeq:    ro.toSeq,
		FromTime: ro.fromTime,
		ToTime:   ro.toTime,
	}
}

// Matches reports whether e satisfies every bound of the query. Backends
// that cannot push all bounds into their storage layer filter with this.
func (q ReadQuery) Matches(e Event) bool {
	if !q.Filter.Match(e.Type) {
		return false
	}
	if q.FromSeq > 0 && e.Sequence < q.FromSeq {
		return false
	}
	if q.ToSeq > 0 && e.Sequence > q.ToSeq {
		return false
	}
	if !q.FromTime.IsZero() && e.CreatedAt.Before(q.FromTime) {
		return false
	}
	if !q.ToTime.IsZero() && e.CreatedAt.After(q.ToTime) {
		return false
	}
	return true
}

// WriteBatch is the unit of the backend's atomic write: new events,
// optionally an upserted snapshot, and new links. It commits entirely or
// not at all.
//
// When Events is non-empty, ExpectedSequence is the stream's latest
// sequence the writer observed; the backend MUST re-check it at commit
// time and fail with a conflict on mismatch. The client-side pre-check in
// Log exists to fail fast, not to guarantee correctness.
type WriteBatch struct {
	StreamID         string
	ExpectedSequence uint64
	Events           []Event
	Snapshot         *SnapshotRecord
	Links            []Link
}

func (b WriteBatch) isEmpty() bool {
	return len(b.Events) == 0 && b.Snapshot == nil && len(b.Links) == 0
}

// Backend is the Ledger Backend contract: ordered reads, latest-sequence
// reads, snapshot and link reads, and one all-or-nothing write primitive.
// Implementations must be safe for concurrent use; cross-process races on
// the same stream are arbitrated solely by AtomicWrite's server-side
// sequence check.
type Backend interface {
	// ReadEvents returns the stream's events matching q in ascending
	// sequence order.
	ReadEvents(ctx context.Context, streamID string, q ReadQuery) ([]Event, error)

	// ReadLatestSequence returns the highest sequence among events matching
	// the filter, or 0 when none match. An empty stream is 0, not an error.
	ReadLatestSequence(ctx context.Context, streamID string, filter TypeFilter) (uint64, error)

	// ReadSnapshot returns the snapshot for key, or ErrSnapshotNotFound.
	ReadSnapshot(ctx context.Context, key AggregateKey) (*SnapshotRecord, error)

	// ReadLinks returns the aggregate's links in applied order.
	ReadLinks(ctx context.Context, key AggregateKey) ([]Link, error)

	// AtomicWrite commits the batch entirely or not at all, re-validating
	// batch.ExpectedSequence server-side when events are present. Re-linking
	// an already linked (aggregate, event) pair must be a no-op, never a
	// duplicate. A snapshot upsert that does not advance past the stored
	// snapshot's LastApplied must be ignored: a stale writer racing a newer
	// rehydration cannot regress the snapshot.
	AtomicWrite(ctx context.Context, batch WriteBatch) error
}
