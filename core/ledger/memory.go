package ledger

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend is the reference Backend for tests and development. All
// five contract operations run under one mutex, which makes AtomicWrite
// trivially all-or-nothing and its sequence re-check race-free.
type MemoryBackend struct {
	mu        sync.Mutex
	streams   map[string][]Event
	snapshots map[string]SnapshotRecord
	links     map[string][]Link
	linkSet   map[string]struct{}
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		streams:   map[string][]Event{},
		snapshots: map[string]SnapshotRecord{},
		links:     map[string][]Link{},
		linkSet:   map[string]struct{}{},
	}
}

func (m *MemoryBackend) ReadEvents(ctx context.Context, streamID string, q ReadQuery) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Event, 0)
	for _, e := range m.streams[streamID] {
		if q.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryBackend) ReadLatestSequence(ctx context.Context, streamID string, filter TypeFilter) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latestLocked(streamID, filter), nil
}

func (m *MemoryBackend) latestLocked(streamID string, filter TypeFilter) uint64 {
	events := m.streams[streamID]
	for i := len(events) - 1; i >= 0; i-- {
		if filter.Match(events[i].Type) {
			return events[i].Sequence
		}
	}
	return 0
}

func (m *MemoryBackend) ReadSnapshot(ctx context.Context, key AggregateKey) (*SnapshotRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.snapshots[key.String()]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	cp := s
	return &cp, nil
}

func (m *MemoryBackend) ReadLinks(ctx context.Context, key AggregateKey) ([]Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	src := m.links[key.String()]
	out := make([]Link, len(src))
	copy(out, src)
	sort.SliceStable(out, func(i, j int) bool { return out[i].AppliedAt.Before(out[j].AppliedAt) })
	return out, nil
}

func (m *MemoryBackend) AtomicWrite(ctx context.Context, batch WriteBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if batch.isEmpty() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate everything before touching state so a failed batch leaves
	// no trace.
	if len(batch.Events) > 0 {
		actual := m.latestLocked(batch.StreamID, nil)
		if actual != batch.ExpectedSequence {
			return &ConflictError{
				StreamID: batch.StreamID,
				Expected: batch.ExpectedSequence,
				Actual:   actual,
			}
		}
		next := batch.ExpectedSequence
		for _, e := range batch.Events {
			if err := e.Validate(); err != nil {
				return err
			}
			next++
			if e.Sequence != next {
				return &ConflictError{StreamID: batch.StreamID, Expected: next, Actual: e.Sequence}
			}
		}
	}
	if batch.Snapshot != nil {
		if err := batch.Snapshot.Validate(); err != nil {
			return err
		}
	}
	for _, l := range batch.Links {
		if err := l.Validate(); err != nil {
			return err
		}
	}

	if len(batch.Events) > 0 {
		m.streams[batch.StreamID] = append(m.streams[batch.StreamID], batch.Events...)
	}
	if s := batch.Snapshot; s != nil {
		// A stale writer must never regress a newer snapshot.
		cur, ok := m.snapshots[s.Key.String()]
		if !ok || s.LastApplied > cur.LastApplied {
			m.snapshots[s.Key.String()] = *s
		}
	}
	for _, l := range batch.Links {
		// (aggregateKey, eventID) is unique; re-linking is a no-op.
		lk := l.AggregateKey.String() + "\x00" + l.EventID
		if _, dup := m.linkSet[lk]; dup {
			continue
		}
		m.linkSet[lk] = struct{}{}
		k := l.AggregateKey.String()
		m.links[k] = append(m.links[k], l)
	}
	return nil
}

var _ Backend = (*MemoryBackend)(nil)
