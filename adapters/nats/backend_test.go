package nats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/ledger-go/core/ledger"
)

func testBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := NewBackend(t.Context(), BackendConfig{
		Connect:    NewTestContainer(t),
		StreamName: "LEDGER_TEST",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func event(streamID string, seq uint64, typeKey ledger.TypeKey) ledger.Event {
	return ledger.Event{
		ID:        ledger.EventID(streamID, seq),
		StreamID:  streamID,
		Sequence:  seq,
		Type:      typeKey,
		Payload:   []byte(`{"n":1}`),
		CreatedAt: time.Now(),
		CreatedBy: "tester",
	}
}

func TestBackend_JetStream(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}

	b := testBackend(t)
	ctx := t.Context()
	placed := ledger.Key("order_placed", 1)
	shipped := ledger.Key("order_shipped", 1)

	t.Run("append and read back", func(t *testing.T) {
		const stream = "orders/append"

		require.NoError(t, b.AtomicWrite(ctx, ledger.WriteBatch{
			StreamID:         stream,
			ExpectedSequence: 0,
			Events:           []ledger.Event{event(stream, 1, placed), event(stream, 2, shipped)},
		}))
		require.NoError(t, b.AtomicWrite(ctx, ledger.WriteBatch{
			StreamID:         stream,
			ExpectedSequence: 2,
			Events:           []ledger.Event{event(stream, 3, placed)},
		}))

		events, err := b.ReadEvents(ctx, stream, ledger.ReadQuery{})
		require.NoError(t, err)
		require.Len(t, events, 3)
		for i, e := range events {
			require.Equal(t, uint64(i+1), e.Sequence)
		}

		filtered, err := b.ReadEvents(ctx, stream, ledger.ReadQuery{Filter: ledger.TypeFilter{placed}})
		require.NoError(t, err)
		require.Len(t, filtered, 2)

		latest, err := b.ReadLatestSequence(ctx, stream, nil)
		require.NoError(t, err)
		require.Equal(t, uint64(3), latest)

		latest, err = b.ReadLatestSequence(ctx, stream, ledger.TypeFilter{shipped})
		require.NoError(t, err)
		require.Equal(t, uint64(2), latest)
	})

	t.Run("stale expected sequence conflicts", func(t *testing.T) {
		const stream = "orders/conflict"

		require.NoError(t, b.AtomicWrite(ctx, ledger.WriteBatch{
			StreamID:         stream,
			ExpectedSequence: 0,
			Events:           []ledger.Event{event(stream, 1, placed)},
		}))

		err := b.AtomicWrite(ctx, ledger.WriteBatch{
			StreamID:         stream,
			ExpectedSequence: 0,
			Events:           []ledger.Event{event(stream, 1, placed)},
		})
		require.ErrorIs(t, err, ledger.ErrConcurrencyConflict)

		latest, err := b.ReadLatestSequence(ctx, stream, nil)
		require.NoError(t, err)
		require.Equal(t, uint64(1), latest)
	})

	t.Run("snapshot round trip", func(t *testing.T) {
		key := ledger.AggregateKey{ID: "a1", Kind: ledger.Key("order", 1)}

		_, err := b.ReadSnapshot(ctx, key)
		require.ErrorIs(t, err, ledger.ErrSnapshotNotFound)

		now := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, b.AtomicWrite(ctx, ledger.WriteBatch{
			StreamID: "orders/snap",
			Snapshot: &ledger.SnapshotRecord{
				Key: key, StreamID: "orders/snap", Version: 1, LastApplied: 1,
				State: []byte(`{"amount":25.45}`), CreatedAt: now, UpdatedAt: now,
			},
		}))

		got, err := b.ReadSnapshot(ctx, key)
		require.NoError(t, err)
		require.Equal(t, uint64(1), got.Version)
		require.JSONEq(t, `{"amount":25.45}`, string(got.State))
	})

	t.Run("stale snapshot write does not regress", func(t *testing.T) {
		key := ledger.AggregateKey{ID: "a3", Kind: ledger.Key("order", 1)}
		now := time.Now().UTC().Truncate(time.Millisecond)

		newer := &ledger.SnapshotRecord{
			Key: key, StreamID: "orders/snap-race", Version: 2, LastApplied: 2,
			State: []byte(`{"amount":2}`), CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, b.putSnapshotIfNewer(ctx, newer))

		stale := *newer
		stale.Version = 1
		stale.LastApplied = 1
		stale.State = []byte(`{"amount":1}`)
		require.NoError(t, b.putSnapshotIfNewer(ctx, &stale))

		got, err := b.ReadSnapshot(ctx, key)
		require.NoError(t, err)
		require.Equal(t, uint64(2), got.Version)
		require.Equal(t, uint64(2), got.LastApplied)
		require.JSONEq(t, `{"amount":2}`, string(got.State))
	})

	t.Run("links merge without duplicates", func(t *testing.T) {
		key := ledger.AggregateKey{ID: "a2", Kind: ledger.Key("order", 1)}
		now := time.Now()
		l1 := ledger.Link{AggregateKey: key, EventID: ledger.EventID("s", 1), AppliedAt: now}
		l2 := ledger.Link{AggregateKey: key, EventID: ledger.EventID("s", 2), AppliedAt: now}

		require.NoError(t, b.mergeLinks(ctx, []ledger.Link{l1}))
		require.NoError(t, b.mergeLinks(ctx, []ledger.Link{l1, l2}))

		links, err := b.ReadLinks(ctx, key)
		require.NoError(t, err)
		require.Len(t, links, 2)
	})

	t.Run("empty stream reads", func(t *testing.T) {
		events, err := b.ReadEvents(ctx, "orders/none", ledger.ReadQuery{})
		require.NoError(t, err)
		require.Empty(t, events)

		latest, err := b.ReadLatestSequence(ctx, "orders/none", nil)
		require.NoError(t, err)
		require.Zero(t, latest)
	})
}
