package ledger

import (
	"fmt"
)

// Applier is the capability the rehydrator depends on: deciding whether an
// event type is relevant and folding a decoded event into state.
type Applier interface {
	// CanApply reports whether this aggregate consumes events of the given
	// type. It must agree with EventTypes on aggregates.
	CanApply(key TypeKey) bool
	// Apply folds a decoded domain event into the aggregate state.
	Apply(event any) error
}

// Aggregate is the contract for event-sourced domain objects. State is
// rebuilt by replaying stream events through Apply, optionally starting
// from a snapshot.
//
// An aggregate with Version()==0 does not exist yet; absence is a value,
// not an error. Embed Root to get the identity and bookkeeping plumbing.
type Aggregate interface {
	Applier

	// Kind returns the versioned aggregate type identifier. Together with
	// ID it forms the AggregateKey under which snapshots and links are
	// stored.
	Kind() TypeKey
	ID() string
	SetID(string)

	// EventTypes is the aggregate type's event type filter. An empty
	// filter consumes every event in the stream. The filter is evaluated
	// fresh on every rehydration so unrelated aggregate types can share a
	// stream.
	EventTypes() TypeFilter

	// Version is the count of events ever applied to this instance.
	Version() uint64
	setVersion(uint64)

	// LastApplied is the highest stream sequence reflected in the state.
	LastApplied() uint64
	setLastApplied(uint64)

	// Pending returns domain events raised but not yet persisted.
	Pending() []any
	// ClearPending discards pending events after a successful save.
	ClearPending()
	// Raise records an event as pending without applying it.
	Raise(event any)
}

// Root is the embeddable base for aggregates. It tracks identity, version,
// last applied sequence and pending events; the concrete type supplies
// Kind, EventTypes, CanApply and Apply.
type Root struct {
	id          string
	version     uint64
	lastApplied uint64
	pending     []any
}

func (r *Root) ID() string              { return r.id }
func (r *Root) SetID(id string)         { r.id = id }
func (r *Root) Version() uint64         { return r.version }
func (r *Root) setVersion(v uint64)     { r.version = v }
func (r *Root) LastApplied() uint64     { return r.lastApplied }
func (r *Root) setLastApplied(s uint64) { r.lastApplied = s }

func (r *Root) Raise(event any) { r.pending = append(r.pending, event) }
func (r *Root) ClearPending()   { r.pending = nil }
func (r *Root) Pending() []any {
	out := make([]any, len(r.pending))
	copy(out, r.pending)
	return out
}

// FilterCanApply implements CanApply from a static filter; aggregates
// typically forward to it from their CanApply:
//
//	func (o *Order) CanApply(k ledger.TypeKey) bool {
//		return ledger.FilterCanApply(o, k)
//	}
func FilterCanApply(agg Aggregate, key TypeKey) bool {
	return agg.EventTypes().Match(key)
}

type raiseApplier interface {
	Raise(event any)
	Apply(event any) error
}

// RaiseAndApply records each event as pending and immediately applies it.
// This is the usual way domain commands mutate an aggregate.
func RaiseAndApply(a raiseApplier, events ...any) error {
	for _, e := range events {
		if v, ok := e.(interface{ Validate() error }); ok {
			if err := v.Validate(); err != nil {
				return fmt.Errorf("invalid event %T: %w", e, err)
			}
		}
	}
	for _, e := range events {
		a.Raise(e)
		if err := a.Apply(e); err != nil {
			return err
		}
	}
	return nil
}

func aggregateKeyOf(agg Aggregate) AggregateKey {
	return AggregateKey{ID: agg.ID(), Kind: agg.Kind()}
}
