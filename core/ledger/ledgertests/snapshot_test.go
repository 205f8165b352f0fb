package ledgertests

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/ledger-go/core/ledger"
	"github.com/codewandler/ledger-go/core/ledger/ledgertests/domain"
)

func TestSnapshot_StaleWriterCannotRegress(t *testing.T) {
	t.Run("backend ignores a snapshot behind the stored one", eachBackend(func(t *testing.T, e *env) {
		stream := streamID(t)
		ctx := t.Context()
		key := ledger.AggregateKey{ID: "order-7", Kind: (&domain.Order{}).Kind()}

		newer := &ledger.SnapshotRecord{
			Key:         key,
			StreamID:    stream,
			Version:     2,
			LastApplied: 2,
			State:       []byte(`{"amount":2}`),
			CreatedAt:   *e.now,
			CreatedBy:   "tester",
			UpdatedAt:   *e.now,
			UpdatedBy:   "tester",
		}
		require.NoError(t, e.backend.AtomicWrite(ctx, ledger.WriteBatch{StreamID: stream, Snapshot: newer}))

		// a rehydration that raced from an older view of the stream
		stale := *newer
		stale.Version = 1
		stale.LastApplied = 1
		stale.State = []byte(`{"amount":1}`)
		require.NoError(t, e.backend.AtomicWrite(ctx, ledger.WriteBatch{StreamID: stream, Snapshot: &stale}))

		got, err := e.backend.ReadSnapshot(ctx, key)
		require.NoError(t, err)
		require.Equal(t, uint64(2), got.Version)
		require.Equal(t, uint64(2), got.LastApplied)
		require.JSONEq(t, `{"amount":2}`, string(got.State))
	}))

	t.Run("slow rehydration cannot undo a faster one", eachBackend(func(t *testing.T, e *env) {
		stream := streamID(t)
		ctx := t.Context()
		key := ledger.AggregateKey{ID: "order-7", Kind: (&domain.Order{}).Kind()}

		_, err := e.log.Append(ctx, stream, 0, &domain.OrderPlaced{OrderID: 7, Amount: 1})
		require.NoError(t, err)

		// slow engine reads one event, then stalls before committing its
		// snapshot while a faster engine sees two events and commits first
		hooked := &hookBackend{Backend: e.backend}
		hooked.beforeWrite = func() {
			_, err := e.log.Append(ctx, stream, 1, &domain.OrderPlaced{OrderID: 7, Amount: 2})
			require.NoError(t, err)
			fast, err := ledger.NewTyped[*domain.Order](e.reh).Get(ctx, stream, "order-7", true)
			require.NoError(t, err)
			require.Equal(t, uint64(2), fast.LastApplied())
		}

		slow := ledger.NewRehydrator(hooked, domain.NewRegistry())
		o, err := ledger.NewTyped[*domain.Order](slow).Get(ctx, stream, "order-7", false)
		require.NoError(t, err)
		require.Equal(t, uint64(1), o.Version()) // its own view is just old

		got, err := e.backend.ReadSnapshot(ctx, key)
		require.NoError(t, err)
		require.Equal(t, uint64(2), got.Version)
		require.Equal(t, uint64(2), got.LastApplied)
	}))
}
