// Package sqlite provides a durable Ledger Backend on a single SQLite
// file via modernc.org/sqlite (no cgo). AtomicWrite runs as one immediate
// transaction: the expected-sequence precondition is re-checked inside the
// transaction and the whole batch commits or rolls back together.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/codewandler/ledger-go/core/ledger"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	stream_id  TEXT    NOT NULL,
	sequence   INTEGER NOT NULL,
	id         TEXT    NOT NULL UNIQUE,
	type_key   TEXT    NOT NULL,
	payload    BLOB,
	created_at INTEGER NOT NULL,
	created_by TEXT    NOT NULL,
	PRIMARY KEY (stream_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_events_stream_type ON events (stream_id, type_key);

CREATE TABLE IF NOT EXISTS snapshots (
	aggregate_key TEXT    NOT NULL PRIMARY KEY,
	stream_id     TEXT    NOT NULL,
	version       INTEGER NOT NULL,
	last_applied  INTEGER NOT NULL,
	state         BLOB,
	created_at    INTEGER NOT NULL,
	created_by    TEXT    NOT NULL,
	updated_at    INTEGER NOT NULL,
	updated_by    TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS links (
	aggregate_key TEXT    NOT NULL,
	event_id      TEXT    NOT NULL,
	applied_at    INTEGER NOT NULL,
	PRIMARY KEY (aggregate_key, event_id)
);
`

var pragmas = []string{
	`PRAGMA journal_mode=WAL`,
	`PRAGMA foreign_keys=ON`,
	`PRAGMA busy_timeout=5000`,
	`PRAGMA synchronous=NORMAL`,
}

type Config struct {
	// Path is the database file. Parent directories are created.
	Path string
	// Log for diagnostics (optional).
	Log *slog.Logger
}

// Backend implements ledger.Backend on SQLite.
type Backend struct {
	db  *sql.DB
	log *slog.Logger
}

func Open(cfg Config) (*Backend, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite backend: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("sqlite backend: create parent dir: %w", err)
	}

	// _txlock=immediate makes every write transaction take the write lock
	// up front, serializing writers instead of failing on lock upgrade.
	db, err := sql.Open("sqlite", cfg.Path+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("sqlite backend: open: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite backend: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite backend: create schema: %w", err)
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	return &Backend{
		db:  db,
		log: log.With(slog.String("backend", "sqlite"), slog.String("path", cfg.Path)),
	}, nil
}

func (b *Backend) Close() error { return b.db.Close() }

// DB exposes the underlying handle for inspection tooling.
func (b *Backend) DB() *sql.DB { return b.db }

func (b *Backend) ReadEvents(ctx context.Context, streamID string, q ledger.ReadQuery) ([]ledger.Event, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT stream_id, sequence, id, type_key, payload, created_at, created_by
		FROM events WHERE stream_id = ?`)
	args := []any{streamID}

	if !q.Filter.IsEmpty() {
		query.WriteString(` AND type_key IN (` + placeholders(len(q.Filter)) + `)`)
		for _, s := range q.Filter.Strings() {
			args = append(args, s)
		}
	}
	if q.FromSeq > 0 {
		query.WriteString(` AND sequence >= ?`)
		args = append(args, int64(q.FromSeq))
	}
	if q.ToSeq > 0 {
		query.WriteString(` AND sequence <= ?`)
		args = append(args, int64(q.ToSeq))
	}
	if !q.FromTime.IsZero() {
		query.WriteString(` AND created_at >= ?`)
		args = append(args, q.FromTime.UnixNano())
	}
	if !q.ToTime.IsZero() {
		query.WriteString(` AND created_at <= ?`)
		args = append(args, q.ToTime.UnixNano())
	}
	query.WriteString(` ORDER BY sequence ASC`)

	rows, err := b.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []ledger.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (b *Backend) ReadLatestSequence(ctx context.Context, streamID string, filter ledger.TypeFilter) (uint64, error) {
	query := `SELECT COALESCE(MAX(sequence), 0) FROM events WHERE stream_id = ?`
	args := []any{streamID}
	if !filter.IsEmpty() {
		query += ` AND type_key IN (` + placeholders(len(filter)) + `)`
		for _, s := range filter.Strings() {
			args = append(args, s)
		}
	}

	var seq int64
	if err := b.db.QueryRowContext(ctx, query, args...).Scan(&seq); err != nil {
		return 0, fmt.Errorf("query latest sequence: %w", err)
	}
	return uint64(seq), nil
}

func (b *Backend) ReadSnapshot(ctx context.Context, key ledger.AggregateKey) (*ledger.SnapshotRecord, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT stream_id, version, last_applied, state, created_at, created_by, updated_at, updated_by
		FROM snapshots WHERE aggregate_key = ?`, key.String())

	var (
		s                    ledger.SnapshotRecord
		createdAt, updatedAt int64
		version, lastApplied int64
	)
	err := row.Scan(&s.StreamID, &version, &lastApplied, &s.State, &createdAt, &s.CreatedBy, &updatedAt, &s.UpdatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	s.Key = key
	s.Version = uint64(version)
	s.LastApplied = uint64(lastApplied)
	s.CreatedAt = time.Unix(0, createdAt)
	s.UpdatedAt = time.Unix(0, updatedAt)
	return &s, nil
}

func (b *Backend) ReadLinks(ctx context.Context, key ledger.AggregateKey) ([]ledger.Link, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT event_id, applied_at FROM links
		WHERE aggregate_key = ? ORDER BY applied_at ASC, event_id ASC`, key.String())
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	defer rows.Close()

	var out []ledger.Link
	for rows.Next() {
		var (
			l         ledger.Link
			appliedAt int64
		)
		if err := rows.Scan(&l.EventID, &appliedAt); err != nil {
			return nil, err
		}
		l.AggregateKey = key
		l.AppliedAt = time.Unix(0, appliedAt)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (b *Backend) AtomicWrite(ctx context.Context, batch ledger.WriteBatch) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if len(batch.Events) > 0 {
		// The authoritative precondition check: inside the write
		// transaction, so no other writer can slip between check and
		// insert. The (stream_id, sequence) primary key backstops it.
		var actual int64
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence), 0) FROM events WHERE stream_id = ?`,
			batch.StreamID,
		).Scan(&actual)
		if err != nil {
			return fmt.Errorf("re-check sequence: %w", err)
		}
		if uint64(actual) != batch.ExpectedSequence {
			return &ledger.ConflictError{
				StreamID: batch.StreamID,
				Expected: batch.ExpectedSequence,
				Actual:   uint64(actual),
			}
		}

		for _, e := range batch.Events {
			if err := e.Validate(); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO events (stream_id, sequence, id, type_key, payload, created_at, created_by)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				e.StreamID, int64(e.Sequence), e.ID, e.Type.String(), []byte(e.Payload),
				e.CreatedAt.UnixNano(), e.CreatedBy,
			)
			if err != nil {
				if isConstraintErr(err) {
					return &ledger.ConflictError{
						StreamID: batch.StreamID,
						Expected: batch.ExpectedSequence,
						Actual:   e.Sequence,
					}
				}
				return fmt.Errorf("insert event seq=%d: %w", e.Sequence, err)
			}
		}
	}

	if s := batch.Snapshot; s != nil {
		if err := s.Validate(); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO snapshots (aggregate_key, stream_id, version, last_applied, state,
				created_at, created_by, updated_at, updated_by)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (aggregate_key) DO UPDATE SET
				version      = excluded.version,
				last_applied = excluded.last_applied,
				state        = excluded.state,
				updated_at   = excluded.updated_at,
				updated_by   = excluded.updated_by
			WHERE excluded.last_applied > snapshots.last_applied`,
			s.Key.String(), s.StreamID, int64(s.Version), int64(s.LastApplied), []byte(s.State),
			s.CreatedAt.UnixNano(), s.CreatedBy, s.UpdatedAt.UnixNano(), s.UpdatedBy,
		)
		if err != nil {
			return fmt.Errorf("upsert snapshot %s: %w", s.Key, err)
		}
	}

	for _, l := range batch.Links {
		if err := l.Validate(); err != nil {
			return err
		}
		// INSERT OR IGNORE keeps (aggregate_key, event_id) unique without
		// failing the batch on a re-link.
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO links (aggregate_key, event_id, applied_at)
			VALUES (?, ?, ?)`,
			l.AggregateKey.String(), l.EventID, l.AppliedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("insert link: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isConstraintErr(err) {
			return fmt.Errorf("%w: commit raced another writer", ledger.ErrConcurrencyConflict)
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListStreams returns every stream id with its event count, for tooling.
func (b *Backend) ListStreams(ctx context.Context) (map[string]uint64, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT stream_id, COUNT(*) FROM events GROUP BY stream_id ORDER BY stream_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]uint64{}
	for rows.Next() {
		var (
			id string
			n  int64
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = uint64(n)
	}
	return out, rows.Err()
}

// ListSnapshots returns every snapshot record, for tooling.
func (b *Backend) ListSnapshots(ctx context.Context) ([]ledger.SnapshotRecord, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT aggregate_key, stream_id, version, last_applied, state,
			created_at, created_by, updated_at, updated_by
		FROM snapshots ORDER BY aggregate_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.SnapshotRecord
	for rows.Next() {
		var (
			s                    ledger.SnapshotRecord
			rawKey               string
			createdAt, updatedAt int64
			version, lastApplied int64
		)
		err := rows.Scan(&rawKey, &s.StreamID, &version, &lastApplied, &s.State,
			&createdAt, &s.CreatedBy, &updatedAt, &s.UpdatedBy)
		if err != nil {
			return nil, err
		}
		if s.Key, err = parseAggregateKey(rawKey); err != nil {
			return nil, err
		}
		s.Version = uint64(version)
		s.LastApplied = uint64(lastApplied)
		s.CreatedAt = time.Unix(0, createdAt)
		s.UpdatedAt = time.Unix(0, updatedAt)
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanEvent(rows *sql.Rows) (ledger.Event, error) {
	var (
		e         ledger.Event
		seq       int64
		rawType   string
		createdAt int64
	)
	if err := rows.Scan(&e.StreamID, &seq, &e.ID, &rawType, &e.Payload, &createdAt, &e.CreatedBy); err != nil {
		return e, err
	}
	key, err := ledger.ParseTypeKey(rawType)
	if err != nil {
		return e, err
	}
	e.Sequence = uint64(seq)
	e.Type = key
	e.CreatedAt = time.Unix(0, createdAt)
	return e, nil
}

func parseAggregateKey(s string) (ledger.AggregateKey, error) {
	kind, id, ok := strings.Cut(s, "/")
	if !ok {
		return ledger.AggregateKey{}, fmt.Errorf("malformed aggregate key %q", s)
	}
	k, err := ledger.ParseTypeKey(kind)
	if err != nil {
		return ledger.AggregateKey{}, err
	}
	return ledger.AggregateKey{ID: id, Kind: k}, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func isConstraintErr(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "constraint")
}

var _ ledger.Backend = (*Backend)(nil)
