package ledger

import (
	"context"
	"reflect"
)

// Typed wraps a Rehydrator with construction of fresh aggregate instances,
// so callers work with concrete types instead of pre-building zero values.
type Typed[T Aggregate] struct {
	r *Rehydrator
}

func NewTyped[T Aggregate](r *Rehydrator) Typed[T] {
	return Typed[T]{r: r}
}

// New constructs a fresh zero-value aggregate with the given id.
func (t Typed[T]) New(id string) T {
	var a T
	rt := reflect.TypeOf((*T)(nil)).Elem()
	if rt.Kind() == reflect.Pointer {
		a = reflect.New(rt.Elem()).Interface().(T)
	}
	a.SetID(id)
	return a
}

// Get rehydrates the aggregate identified by id from streamID. See
// Rehydrator.Get.
func (t Typed[T]) Get(ctx context.Context, streamID, id string, catchUp bool) (T, error) {
	a := t.New(id)
	if err := t.r.Get(ctx, streamID, a, catchUp); err != nil {
		return a, err
	}
	return a, nil
}

// GetInMemory rebuilds the aggregate by pure replay. See
// Rehydrator.GetInMemory.
func (t Typed[T]) GetInMemory(ctx context.Context, streamID, id string, opts ...ReadOption) (T, error) {
	a := t.New(id)
	if err := t.r.GetInMemory(ctx, streamID, a, opts...); err != nil {
		return a, err
	}
	return a, nil
}

// Update catches the aggregate up with events newer than its snapshot.
// See Rehydrator.Update.
func (t Typed[T]) Update(ctx context.Context, streamID, id string) (T, error) {
	a := t.New(id)
	if err := t.r.Update(ctx, streamID, a); err != nil {
		return a, err
	}
	return a, nil
}

// Save persists the aggregate's pending events plus snapshot and links.
// See Rehydrator.Save.
func (t Typed[T]) Save(ctx context.Context, streamID string, agg T) error {
	return t.r.Save(ctx, streamID, agg)
}

// AppliedEvents returns the events this aggregate instance has consumed.
func (t Typed[T]) AppliedEvents(ctx context.Context, id string) ([]Event, error) {
	a := t.New(id)
	key, err := validKey(a)
	if err != nil {
		return nil, err
	}
	return t.r.AppliedEvents(ctx, key)
}

// Exists reports whether the aggregate has at least one applied event,
// i.e. its version is non-zero after rehydration.
func (t Typed[T]) Exists(ctx context.Context, streamID, id string) (bool, error) {
	a, err := t.Get(ctx, streamID, id, false)
	if err != nil {
		return false, err
	}
	return a.Version() > 0, nil
}
