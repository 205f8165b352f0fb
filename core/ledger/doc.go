// Package ledger is an event-sourcing persistence engine: immutable domain
// facts are stored in ordered per-stream logs, and aggregates are rebuilt
// by replaying or snapshotting those events under optimistic concurrency
// control.
//
// # Core Components
//
// Registry: the immutable mapping from TypeKey (name + schema version) to
// runtime types, built once at startup and injected everywhere a payload is
// encoded or decoded:
//
//	b := ledger.NewRegistryBuilder()
//	ledger.RegisterEvent[OrderPlaced](b, ledger.Key("order_placed", 1))
//	reg := b.MustBuild()
//
// Log: the append/query surface over a Backend. Append is conditioned on an
// expected sequence; on mismatch it fails with ErrConcurrencyConflict
// before anything is written, and the backend re-validates the same
// precondition inside its atomic write:
//
//	log := ledger.NewLog(backend, reg)
//	res, err := log.Append(ctx, "customer:42", 0, &OrderPlaced{OrderID: 7})
//
// Rehydrator: snapshot-or-replay retrieval of aggregates, incremental
// catch-up, pure in-memory point-in-time replay, and selective folding of
// foreign events (TrackEvents). Aggregates embed Root and declare which
// event types they consume:
//
//	reh := ledger.NewRehydrator(backend, reg)
//	orders := ledger.NewTyped[*Order](reh)
//	order, err := orders.Get(ctx, "customer:42", "order-7", true)
//
// Backend: the storage contract. The in-memory implementation in this
// package is the reference; adapters/sqlite and adapters/nats provide
// durable ones. The contract demands exactly one all-or-nothing write
// primitive with a server-side sequence re-check; everything else is
// ordered reads.
//
// # Concurrency
//
// The engine holds no stream state in memory: every operation re-derives
// positions from the backend, so Log and Rehydrator are safe to share
// across goroutines and processes. Racing writers are arbitrated by the
// backend's conditional write; exactly one wins per expected-sequence
// window and the rest observe ErrConcurrencyConflict. The engine never
// retries on its own.
//
// # Errors
//
// Expected conditions are values, not panics: conflicts carry both
// sequence numbers (ConflictError), backend failures are wrapped with
// operation context (StorageError), and an absent aggregate is simply
// Version()==0.
package ledger
