package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"
)

// Rehydrator rebuilds aggregates from snapshots and stream events and
// persists the results. Like Log it is stateless between calls; every
// operation re-derives stream positions from the backend.
type Rehydrator struct {
	backend  Backend
	registry *Registry
	log      *slog.Logger
	metrics  Metrics
	clock    func() time.Time
	actor    string

	// build coalesces concurrent first-time snapshot writes per aggregate
	// key so a burst of readers does not issue N identical writes.
	build singleflight.Group
}

func NewRehydrator(backend Backend, registry *Registry, opts ...Option) *Rehydrator {
	o := newEngineOptions(opts...)
	return &Rehydrator{
		backend:  backend,
		registry: registry,
		log:      o.log.With(slog.String("component", "ledger.rehydrator")),
		metrics:  o.metrics,
		clock:    o.clock,
		actor:    o.actor,
	}
}

// Get rehydrates agg from its snapshot, or by full replay when no snapshot
// exists yet. With catchUp false an existing snapshot is returned as-is
// with no I/O side effect; with catchUp true newer qualifying events are
// applied and persisted, as in Update.
//
// An aggregate with no qualifying events comes back with Version()==0 and
// nothing is persisted: "does not exist" is a value, not an error.
func (r *Rehydrator) Get(ctx context.Context, streamID string, agg Aggregate, catchUp bool) error {
	key, err := validKey(agg)
	if err != nil {
		return err
	}
	defer r.metrics.RehydrateDuration(key.Kind.String()).ObserveDuration()

	snap, err := r.backend.ReadSnapshot(ctx, key)
	switch {
	case err == nil:
		r.metrics.SnapshotHit(key.Kind.String())
		if err := restoreSnapshot(agg, snap); err != nil {
			return err
		}
		if !catchUp {
			return nil
		}
		return r.catchUp(ctx, streamID, agg, snap)
	case errors.Is(err, ErrSnapshotNotFound):
		r.metrics.SnapshotMiss(key.Kind.String())
		return r.buildFresh(ctx, streamID, agg)
	default:
		return storageErr("read snapshot", streamID, err)
	}
}

// Update incrementally applies events newer than the snapshot's last
// applied sequence. Without a snapshot it behaves as a fresh build. When
// no new qualifying events exist, nothing is written: the snapshot's
// updated-at stamp only moves when the version does.
func (r *Rehydrator) Update(ctx context.Context, streamID string, agg Aggregate) error {
	key, err := validKey(agg)
	if err != nil {
		return err
	}
	defer r.metrics.RehydrateDuration(key.Kind.String()).ObserveDuration()

	snap, err := r.backend.ReadSnapshot(ctx, key)
	switch {
	case err == nil:
		if err := restoreSnapshot(agg, snap); err != nil {
			return err
		}
		return r.catchUp(ctx, streamID, agg, snap)
	case errors.Is(err, ErrSnapshotNotFound):
		return r.buildFresh(ctx, streamID, agg)
	default:
		return storageErr("read snapshot", streamID, err)
	}
}

// GetInMemory rebuilds agg by pure replay, never touching snapshots or
// links. An upper bound (WithToSequence or WithToTime) gives point-in-time
// reconstruction. Idempotent and free of side effects.
func (r *Rehydrator) GetInMemory(ctx context.Context, streamID string, agg Aggregate, opts ...ReadOption) error {
	if _, err := validKey(agg); err != nil {
		return err
	}
	q := newReadQuery(opts...)
	q.Filter = agg.EventTypes()

	events, err := r.backend.ReadEvents(ctx, streamID, q)
	if err != nil {
		return storageErr("read events", streamID, err)
	}
	_, err = r.apply(agg, events)
	return err
}

// Save appends the aggregate's pending events to the stream and upserts
// its snapshot plus links in one atomic write. The expected sequence is
// the aggregate's last applied sequence evaluated under its own type
// filter, so unrelated events appended by other aggregate types do not
// spuriously conflict.
func (r *Rehydrator) Save(ctx context.Context, streamID string, agg Aggregate) error {
	pending := agg.Pending()
	if len(pending) == 0 {
		return nil
	}
	key, err := validKey(agg)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	filteredLatest, err := r.backend.ReadLatestSequence(ctx, streamID, agg.EventTypes())
	if err != nil {
		return storageErr("read latest sequence", streamID, err)
	}
	if filteredLatest != agg.LastApplied() {
		r.metrics.ConcurrencyConflict(streamID)
		return &ConflictError{StreamID: streamID, Expected: agg.LastApplied(), Actual: filteredLatest}
	}

	// Sequence numbers are assigned from the unfiltered tail: the stream
	// stays contiguous even when other aggregate types wrote in between.
	latest, err := r.backend.ReadLatestSequence(ctx, streamID, nil)
	if err != nil {
		return storageErr("read latest sequence", streamID, err)
	}

	now := r.clock()
	records := make([]Event, 0, len(pending))
	for i, ev := range pending {
		typeKey, payload, err := r.registry.Encode(ev)
		if err != nil {
			return err
		}
		seq := latest + uint64(i) + 1
		records = append(records, Event{
			ID:        EventID(streamID, seq),
			StreamID:  streamID,
			Sequence:  seq,
			Type:      typeKey,
			Payload:   payload,
			CreatedAt: now,
			CreatedBy: r.actor,
		})
	}

	prev, err := r.backend.ReadSnapshot(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrSnapshotNotFound) {
			return storageErr("read snapshot", streamID, err)
		}
		prev = nil
	}

	// The aggregate itself is only advanced after the write commits, so a
	// failed save leaves it consistent with the stream for a later retry.
	newVersion := agg.Version() + uint64(len(records))
	newLastApplied := records[len(records)-1].Sequence

	snap, err := r.snapshotRecord(agg, streamID, prev, newVersion, newLastApplied)
	if err != nil {
		return err
	}

	timer := r.metrics.SnapshotSaveDuration(key.Kind.String())
	err = r.backend.AtomicWrite(ctx, WriteBatch{
		StreamID:         streamID,
		ExpectedSequence: latest,
		Events:           records,
		Snapshot:         snap,
		Links:            newLinks(key, records, now),
	})
	timer.ObserveDuration()
	if err != nil {
		if cerr := classifyConflict(err, streamID); cerr != nil {
			r.metrics.ConcurrencyConflict(streamID)
			return cerr
		}
		return storageErr("save aggregate", streamID, err)
	}

	agg.setVersion(newVersion)
	agg.setLastApplied(newLastApplied)
	agg.ClearPending()
	r.metrics.EventsAppended(streamID, len(records))
	r.metrics.LinksWritten(key.Kind.String(), len(records))
	r.log.Debug(
		"saved aggregate",
		slog.String("stream", streamID),
		slog.String("aggregate", key.String()),
		slog.Uint64("version", agg.Version()),
		slog.Uint64("last_applied", agg.LastApplied()),
		slog.Int("num_events", len(records)),
	)
	return nil
}

// TrackEvents folds already-appended candidate events into this
// aggregate's snapshot. Each candidate is tested against the aggregate's
// filter, preserving original order and sequence numbers; only the
// matching subset is applied and linked. When nothing matches, nothing is
// written. expectedSeq guards the stream against writers racing the fold.
func (r *Rehydrator) TrackEvents(ctx context.Context, streamID string, agg Aggregate, candidates []Event, expectedSeq uint64) error {
	key, err := validKey(agg)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	latest, err := r.backend.ReadLatestSequence(ctx, streamID, nil)
	if err != nil {
		return storageErr("read latest sequence", streamID, err)
	}
	if latest != expectedSeq {
		r.metrics.ConcurrencyConflict(streamID)
		return &ConflictError{StreamID: streamID, Expected: expectedSeq, Actual: latest}
	}

	prev, err := r.backend.ReadSnapshot(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrSnapshotNotFound) {
			return storageErr("read snapshot", streamID, err)
		}
		prev = nil
	}
	if prev != nil {
		if err := restoreSnapshot(agg, prev); err != nil {
			return err
		}
	}

	matching := make([]Event, 0, len(candidates))
	for _, e := range candidates {
		if e.Sequence <= agg.LastApplied() {
			continue
		}
		if !agg.CanApply(e.Type) {
			continue
		}
		matching = append(matching, e)
	}
	if len(matching) == 0 {
		return nil
	}
	if _, err := r.apply(agg, matching); err != nil {
		return err
	}

	return r.persistSnapshot(ctx, streamID, agg, key, prev, matching)
}

// AppliedEvents returns, in applied order, the raw events this aggregate
// instance has actually consumed. This can be a strict subset of the
// stream when the type filter excludes events.
func (r *Rehydrator) AppliedEvents(ctx context.Context, key AggregateKey) ([]Event, error) {
	links, err := r.backend.ReadLinks(ctx, key)
	if err != nil {
		return nil, storageErr("read links", "", err)
	}
	if len(links) == 0 {
		return nil, nil
	}

	snap, err := r.backend.ReadSnapshot(ctx, key)
	if err != nil {
		if errors.Is(err, ErrSnapshotNotFound) {
			// Links never exist without the co-committed snapshot.
			return nil, storageErr("read links", "", fmt.Errorf("links without snapshot for %s", key))
		}
		return nil, storageErr("read snapshot", "", err)
	}

	all, err := r.backend.ReadEvents(ctx, snap.StreamID, ReadQuery{})
	if err != nil {
		return nil, storageErr("read events", snap.StreamID, err)
	}
	byID := make(map[string]Event, len(all))
	for _, e := range all {
		byID[e.ID] = e
	}

	out := make([]Event, 0, len(links))
	for _, l := range links {
		if e, ok := byID[l.EventID]; ok {
			out = append(out, e)
		}
	}
	// Events are always applied in ascending sequence order, so that is
	// the applied order regardless of link storage order.
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// === internals ===

// buildFresh replays the whole stream through the aggregate's filter and,
// when at least one event applied, persists the first snapshot together
// with its links.
func (r *Rehydrator) buildFresh(ctx context.Context, streamID string, agg Aggregate) error {
	key := aggregateKeyOf(agg)

	events, err := r.backend.ReadEvents(ctx, streamID, ReadQuery{Filter: agg.EventTypes()})
	if err != nil {
		return storageErr("read events", streamID, err)
	}
	applied, err := r.apply(agg, events)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		// Nothing qualified: the aggregate stays at version 0 and no
		// snapshot is materialized.
		return nil
	}

	// Concurrent first builds of the same aggregate produce identical
	// snapshots; collapse them into one write.
	_, err, _ = r.build.Do(key.String(), func() (any, error) {
		return nil, r.persistSnapshot(ctx, streamID, agg, key, nil, applied)
	})
	return err
}

// catchUp applies events strictly after the snapshot's last applied
// sequence. snap is the record agg was restored from.
func (r *Rehydrator) catchUp(ctx context.Context, streamID string, agg Aggregate, snap *SnapshotRecord) error {
	key := aggregateKeyOf(agg)

	q := ReadQuery{Filter: agg.EventTypes(), FromSeq: agg.LastApplied() + 1}
	events, err := r.backend.ReadEvents(ctx, streamID, q)
	if err != nil {
		return storageErr("read events", streamID, err)
	}
	applied, err := r.apply(agg, events)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return nil
	}
	return r.persistSnapshot(ctx, streamID, agg, key, snap, applied)
}

// apply folds events into agg in ascending sequence order, advancing
// version and last applied sequence per event. The aggregate's CanApply is
// authoritative even when the backend already filtered.
func (r *Rehydrator) apply(agg Aggregate, events []Event) ([]Event, error) {
	applied := make([]Event, 0, len(events))
	for _, e := range events {
		if !agg.CanApply(e.Type) {
			continue
		}
		decoded, err := r.registry.Decode(e)
		if err != nil {
			return nil, err
		}
		if err := agg.Apply(decoded); err != nil {
			return nil, fmt.Errorf("apply %s seq=%d: %w", e.Type, e.Sequence, err)
		}
		agg.setVersion(agg.Version() + 1)
		agg.setLastApplied(e.Sequence)
		applied = append(applied, e)
	}
	return applied, nil
}

// persistSnapshot writes the aggregate's snapshot plus one link per newly
// applied event in a single atomic batch.
func (r *Rehydrator) persistSnapshot(
	ctx context.Context,
	streamID string,
	agg Aggregate,
	key AggregateKey,
	prev *SnapshotRecord,
	applied []Event,
) error {
	snap, err := r.snapshotRecord(agg, streamID, prev, agg.Version(), agg.LastApplied())
	if err != nil {
		return err
	}

	timer := r.metrics.SnapshotSaveDuration(key.Kind.String())
	err = r.backend.AtomicWrite(ctx, WriteBatch{
		StreamID: streamID,
		Snapshot: snap,
		Links:    newLinks(key, applied, r.clock()),
	})
	timer.ObserveDuration()
	if err != nil {
		return storageErr("write snapshot", streamID, err)
	}

	r.metrics.LinksWritten(key.Kind.String(), len(applied))
	r.log.Debug(
		"snapshot persisted",
		slog.String("stream", streamID),
		slog.String("aggregate", key.String()),
		slog.Uint64("version", snap.Version),
		slog.Uint64("last_applied", snap.LastApplied),
		slog.Int("num_links", len(applied)),
	)
	return nil
}

func (r *Rehydrator) snapshotRecord(agg Aggregate, streamID string, prev *SnapshotRecord, version, lastApplied uint64) (*SnapshotRecord, error) {
	state, err := marshalState(agg)
	if err != nil {
		return nil, fmt.Errorf("marshal aggregate state: %w", err)
	}
	now := r.clock()
	snap := &SnapshotRecord{
		Key:         aggregateKeyOf(agg),
		StreamID:    streamID,
		Version:     version,
		LastApplied: lastApplied,
		State:       state,
		CreatedAt:   now,
		CreatedBy:   r.actor,
		UpdatedAt:   now,
		UpdatedBy:   r.actor,
	}
	if prev != nil {
		snap.CreatedAt = prev.CreatedAt
		snap.CreatedBy = prev.CreatedBy
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return snap, nil
}

func restoreSnapshot(agg Aggregate, snap *SnapshotRecord) error {
	if err := unmarshalState(agg, snap.State); err != nil {
		return fmt.Errorf("restore snapshot %s: %w", snap.Key, err)
	}
	agg.setVersion(snap.Version)
	agg.setLastApplied(snap.LastApplied)
	return nil
}

func validKey(agg Aggregate) (AggregateKey, error) {
	key := aggregateKeyOf(agg)
	if key.ID == "" {
		return key, errors.New("aggregate id is empty")
	}
	if key.Kind.IsZero() {
		return key, errors.New("aggregate kind is empty")
	}
	return key, nil
}
