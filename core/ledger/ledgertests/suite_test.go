// Package ledgertests runs the engine test suites against every backend
// implementation: the in-memory reference and the sqlite adapter. The
// JetStream adapter runs the same scenarios in its own package behind a
// testcontainer.
package ledgertests

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/ledger-go/adapters/sqlite"
	"github.com/codewandler/ledger-go/core/ledger"
	"github.com/codewandler/ledger-go/core/ledger/ledgertests/domain"
)

type sut struct {
	name    string
	backend ledger.Backend
}

func backends(t *testing.T) []sut {
	t.Helper()

	sqliteBE, err := sqlite.Open(sqlite.Config{
		Path: filepath.Join(t.TempDir(), "ledger.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqliteBE.Close() })

	return []sut{
		{name: "memory", backend: ledger.NewMemoryBackend()},
		{name: "sqlite", backend: sqliteBE},
	}
}

type env struct {
	backend ledger.Backend
	log     *ledger.Log
	reh     *ledger.Rehydrator
	now     *time.Time
}

// newEnv wires a Log and Rehydrator over the backend with a controllable
// clock so timestamp assertions are deterministic.
func newEnv(t *testing.T, backend ledger.Backend) *env {
	t.Helper()
	reg := domain.NewRegistry()
	now := time.Date(2024, 5, 14, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	return &env{
		backend: backend,
		log:     ledger.NewLog(backend, reg, ledger.WithClock(clock), ledger.WithActor("tester")),
		reh:     ledger.NewRehydrator(backend, reg, ledger.WithClock(clock), ledger.WithActor("tester")),
		now:     &now,
	}
}

func (e *env) advance(d time.Duration) { *e.now = e.now.Add(d) }

type testFunc func(t *testing.T, e *env)

func eachBackend(testFunc testFunc) func(t *testing.T) {
	return func(t *testing.T) {
		for _, s := range backends(t) {
			t.Run(s.name, func(t *testing.T) {
				testFunc(t, newEnv(t, s.backend))
			})
		}
	}
}

// streamID derives a stream id unique to the calling subtest, so subtests
// sharing one backend instance cannot interfere.
func streamID(t *testing.T, suffix ...string) string {
	id := t.Name()
	for _, s := range suffix {
		id += "/" + s
	}
	return id
}

// hookBackend lets a test interleave a competing write between an engine's
// read phase and its atomic write.
type hookBackend struct {
	ledger.Backend
	beforeWrite func()
}

func (h *hookBackend) AtomicWrite(ctx context.Context, batch ledger.WriteBatch) error {
	if h.beforeWrite != nil {
		f := h.beforeWrite
		h.beforeWrite = nil
		f()
	}
	return h.Backend.AtomicWrite(ctx, batch)
}
