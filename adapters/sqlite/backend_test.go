package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/ledger-go/core/ledger"
)

func open(t *testing.T) *Backend {
	t.Helper()
	b, err := Open(Config{Path: filepath.Join(t.TempDir(), "ledger.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func event(streamID string, seq uint64, typeKey ledger.TypeKey, at time.Time) ledger.Event {
	return ledger.Event{
		ID:        ledger.EventID(streamID, seq),
		StreamID:  streamID,
		Sequence:  seq,
		Type:      typeKey,
		Payload:   []byte(`{"n":1}`),
		CreatedAt: at,
		CreatedBy: "tester",
	}
}

func TestOpen(t *testing.T) {
	t.Run("creates parent directories", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "dir", "ledger.db")
		b, err := Open(Config{Path: path})
		require.NoError(t, err)
		require.NoError(t, b.Close())
	})

	t.Run("empty path is rejected", func(t *testing.T) {
		_, err := Open(Config{})
		require.Error(t, err)
	})

	t.Run("reopen sees persisted events", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ledger.db")
		now := time.Now()

		b, err := Open(Config{Path: path})
		require.NoError(t, err)
		require.NoError(t, b.AtomicWrite(t.Context(), ledger.WriteBatch{
			StreamID: "s1",
			Events:   []ledger.Event{event("s1", 1, ledger.Key("e", 1), now)},
		}))
		require.NoError(t, b.Close())

		b, err = Open(Config{Path: path})
		require.NoError(t, err)
		defer b.Close()

		latest, err := b.ReadLatestSequence(t.Context(), "s1", nil)
		require.NoError(t, err)
		require.Equal(t, uint64(1), latest)
	})
}

func TestBackend_AtomicWrite(t *testing.T) {
	now := time.Date(2024, 5, 14, 12, 0, 0, 0, time.UTC)
	key := ledger.AggregateKey{ID: "a1", Kind: ledger.Key("thing", 1)}

	t.Run("conflict rolls back the whole batch", func(t *testing.T) {
		b := open(t)
		ctx := t.Context()

		require.NoError(t, b.AtomicWrite(ctx, ledger.WriteBatch{
			StreamID:         "s1",
			ExpectedSequence: 0,
			Events:           []ledger.Event{event("s1", 1, ledger.Key("e", 1), now)},
		}))

		err := b.AtomicWrite(ctx, ledger.WriteBatch{
			StreamID:         "s1",
			ExpectedSequence: 0,
			Events:           []ledger.Event{event("s1", 1, ledger.Key("e", 1), now)},
			Snapshot: &ledger.SnapshotRecord{
				Key: key, StreamID: "s1", Version: 1, LastApplied: 1,
				State: []byte(`{}`), CreatedAt: now, UpdatedAt: now,
			},
		})
		require.ErrorIs(t, err, ledger.ErrConcurrencyConflict)

		var ce *ledger.ConflictError
		require.ErrorAs(t, err, &ce)
		require.Equal(t, uint64(0), ce.Expected)
		require.Equal(t, uint64(1), ce.Actual)

		// the snapshot from the failed batch must not exist
		_, err = b.ReadSnapshot(ctx, key)
		require.ErrorIs(t, err, ledger.ErrSnapshotNotFound)
	})

	t.Run("snapshot upsert preserves created at", func(t *testing.T) {
		b := open(t)
		ctx := t.Context()

		first := &ledger.SnapshotRecord{
			Key: key, StreamID: "s1", Version: 1, LastApplied: 1,
			State: []byte(`{"v":1}`), CreatedAt: now, CreatedBy: "alice",
			UpdatedAt: now, UpdatedBy: "alice",
		}
		require.NoError(t, b.AtomicWrite(ctx, ledger.WriteBatch{StreamID: "s1", Snapshot: first}))

		later := now.Add(time.Hour)
		second := &ledger.SnapshotRecord{
			Key: key, StreamID: "s1", Version: 2, LastApplied: 2,
			State: []byte(`{"v":2}`), CreatedAt: later, CreatedBy: "bob",
			UpdatedAt: later, UpdatedBy: "bob",
		}
		require.NoError(t, b.AtomicWrite(ctx, ledger.WriteBatch{StreamID: "s1", Snapshot: second}))

		got, err := b.ReadSnapshot(ctx, key)
		require.NoError(t, err)
		require.Equal(t, uint64(2), got.Version)
		require.Equal(t, "alice", got.CreatedBy)
		require.Equal(t, "bob", got.UpdatedBy)
		require.Equal(t, now.UnixNano(), got.CreatedAt.UnixNano())
		require.Equal(t, later.UnixNano(), got.UpdatedAt.UnixNano())
	})

	t.Run("relinking is a no-op", func(t *testing.T) {
		b := open(t)
		ctx := t.Context()
		snap := &ledger.SnapshotRecord{
			Key: key, StreamID: "s1", Version: 1, LastApplied: 1,
			State: []byte(`{}`), CreatedAt: now, UpdatedAt: now,
		}
		link := ledger.Link{AggregateKey: key, EventID: ledger.EventID("s1", 1), AppliedAt: now}

		for i := 0; i < 2; i++ {
			require.NoError(t, b.AtomicWrite(ctx, ledger.WriteBatch{
				StreamID: "s1", Snapshot: snap, Links: []ledger.Link{link},
			}))
		}

		links, err := b.ReadLinks(ctx, key)
		require.NoError(t, err)
		require.Len(t, links, 1)
	})
}

func TestBackend_ReadEvents(t *testing.T) {
	b := open(t)
	ctx := t.Context()
	base := time.Date(2024, 5, 14, 12, 0, 0, 0, time.UTC)
	placed := ledger.Key("order_placed", 1)
	shipped := ledger.Key("order_shipped", 1)

	events := []ledger.Event{
		event("s1", 1, placed, base),
		event("s1", 2, shipped, base.Add(time.Hour)),
		event("s1", 3, placed, base.Add(2*time.Hour)),
	}
	require.NoError(t, b.AtomicWrite(ctx, ledger.WriteBatch{StreamID: "s1", Events: events}))

	t.Run("all in sequence order", func(t *testing.T) {
		got, err := b.ReadEvents(ctx, "s1", ledger.ReadQuery{})
		require.NoError(t, err)
		require.Len(t, got, 3)
		for i, e := range got {
			require.Equal(t, uint64(i+1), e.Sequence)
			require.Equal(t, events[i].ID, e.ID)
		}
	})

	t.Run("type filter pushed into the query", func(t *testing.T) {
		got, err := b.ReadEvents(ctx, "s1", ledger.ReadQuery{Filter: ledger.TypeFilter{placed}})
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.Equal(t, uint64(1), got[0].Sequence)
		require.Equal(t, uint64(3), got[1].Sequence)

		latest, err := b.ReadLatestSequence(ctx, "s1", ledger.TypeFilter{shipped})
		require.NoError(t, err)
		require.Equal(t, uint64(2), latest)
	})

	t.Run("sequence and time windows", func(t *testing.T) {
		got, err := b.ReadEvents(ctx, "s1", ledger.ReadQuery{FromSeq: 2, ToSeq: 3})
		require.NoError(t, err)
		require.Len(t, got, 2)

		got, err = b.ReadEvents(ctx, "s1", ledger.ReadQuery{ToTime: base.Add(time.Hour)})
		require.NoError(t, err)
		require.Len(t, got, 2)
	})

	t.Run("unknown stream is empty, not an error", func(t *testing.T) {
		got, err := b.ReadEvents(ctx, "nope", ledger.ReadQuery{})
		require.NoError(t, err)
		require.Empty(t, got)

		latest, err := b.ReadLatestSequence(ctx, "nope", nil)
		require.NoError(t, err)
		require.Zero(t, latest)
	})
}

func TestBackend_Listings(t *testing.T) {
	b := open(t)
	ctx := t.Context()
	now := time.Date(2024, 5, 14, 12, 0, 0, 0, time.UTC)
	key := ledger.AggregateKey{ID: "a1", Kind: ledger.Key("thing", 1)}

	require.NoError(t, b.AtomicWrite(ctx, ledger.WriteBatch{
		StreamID: "s1",
		Events: []ledger.Event{
			event("s1", 1, ledger.Key("e", 1), now),
			event("s1", 2, ledger.Key("e", 1), now),
		},
		Snapshot: &ledger.SnapshotRecord{
			Key: key, StreamID: "s1", Version: 2, LastApplied: 2,
			State: []byte(`{}`), CreatedAt: now, UpdatedAt: now,
		},
	}))
	require.NoError(t, b.AtomicWrite(ctx, ledger.WriteBatch{
		StreamID: "s2",
		Events:   []ledger.Event{event("s2", 1, ledger.Key("e", 1), now)},
	}))

	streams, err := b.ListStreams(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]uint64{"s1": 2, "s2": 1}, streams)

	snaps, err := b.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Equal(t, key, snaps[0].Key)
	require.Equal(t, uint64(2), snaps[0].Version)
}
