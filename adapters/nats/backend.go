// Package nats provides a Ledger Backend on NATS JetStream.
//
// Every append is published as one commit message on the stream's commit
// subject, carrying the new events together with the snapshot and links
// written in the same batch, so an event-bearing batch is all-or-nothing
// by construction. The expected-sequence precondition is enforced
// server-side with an expect-last-sequence-per-subject publish, which makes
// racing writers lose deterministically.
//
// Snapshots and links are additionally materialized into JetStream KV
// buckets for cheap point reads. Event-free batches (cache refreshes from
// rehydration) write only the KV side; a torn KV write there is repaired by
// the next catch-up because applying and linking are idempotent.
package nats

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/crypto/blake2b"

	"github.com/codewandler/ledger-go/core/ledger"
)

const (
	defaultStreamName    = "LEDGER"
	defaultSubjectPrefix = "ledger"
)

// commitRecord is the wire form of one atomic write.
type commitRecord struct {
	ID       string `json:"id"`
	StreamID string `json:"stream_id"`
	// LatestSeq is the stream's latest event sequence after this commit.
	LatestSeq uint64                 `json:"latest_seq"`
	Events    []ledger.Event         `json:"events,omitempty"`
	Snapshot  *ledger.SnapshotRecord `json:"snapshot,omitempty"`
	Links     []ledger.Link          `json:"links,omitempty"`
	At        time.Time              `json:"at"`
}

type BackendConfig struct {
	// Connect creates the NATS connection. Defaults to ConnectDefault().
	Connect Connector
	// Log for diagnostics (optional).
	Log *slog.Logger
	// StreamName is the JetStream stream holding commit messages
	// (default "LEDGER").
	StreamName string
	// SubjectPrefix prefixes commit subjects (default "ledger").
	SubjectPrefix string
	// SnapshotBucket and LinkBucket name the KV buckets (defaults derive
	// from StreamName).
	SnapshotBucket string
	LinkBucket     string
}

// Backend implements ledger.Backend on JetStream.
type Backend struct {
	nc        *natsgo.Conn
	js        jetstream.JetStream
	stream    jetstream.Stream
	snapshots jetstream.KeyValue
	links     jetstream.KeyValue
	log       *slog.Logger
	prefix    string
}

func NewBackend(ctx context.Context, cfg BackendConfig) (*Backend, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}
	nc, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = defaultStreamName
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	snapBucket := cfg.SnapshotBucket
	if snapBucket == "" {
		snapBucket = strings.ToLower(streamName) + "-snapshots"
	}
	linkBucket := cfg.LinkBucket
	if linkBucket == "" {
		linkBucket = strings.ToLower(streamName) + "-links"
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{prefix + ".commit.>"},
		Storage:  jetstream.FileStorage,
		FirstSeq: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", streamName, err)
	}

	snapshots, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: snapBucket})
	if err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", snapBucket, err)
	}
	links, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: linkBucket})
	if err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", linkBucket, err)
	}

	return &Backend{
		nc:        nc,
		js:        js,
		stream:    stream,
		snapshots: snapshots,
		links:     links,
		log: log.With(
			slog.String("backend", "nats_js"),
			slog.String("stream", streamName),
		),
		prefix: prefix,
	}, nil
}

func (b *Backend) Close() error {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
	return nil
}

// subjectFor maps a stream id onto a single commit subject. Stream ids are
// opaque and may contain characters NATS subjects cannot, so the token is
// a short hash of the id.
func (b *Backend) subjectFor(streamID string) string {
	h, _ := blake2b.New(8, nil)
	h.Write([]byte(streamID))
	return fmt.Sprintf("%s.commit.%s", b.prefix, hex.EncodeToString(h.Sum(nil)))
}

func kvKey(key ledger.AggregateKey) string {
	h, _ := blake2b.New(12, nil)
	h.Write([]byte(key.String()))
	return hex.EncodeToString(h.Sum(nil))
}

func (b *Backend) ReadEvents(ctx context.Context, streamID string, q ledger.ReadQuery) ([]ledger.Event, error) {
	commits, err := b.readCommits(ctx, streamID)
	if err != nil {
		return nil, err
	}
	var out []ledger.Event
	for _, c := range commits {
		for _, e := range c.Events {
			if q.Matches(e) {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (b *Backend) ReadLatestSequence(ctx context.Context, streamID string, filter ledger.TypeFilter) (uint64, error) {
	if filter.IsEmpty() {
		_, last, err := b.lastCommit(ctx, streamID)
		if err != nil {
			return 0, err
		}
		if last == nil {
			return 0, nil
		}
		return last.LatestSeq, nil
	}

	events, err := b.ReadEvents(ctx, streamID, ledger.ReadQuery{Filter: filter})
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Sequence, nil
}

func (b *Backend) ReadSnapshot(ctx context.Context, key ledger.AggregateKey) (*ledger.SnapshotRecord, error) {
	entry, err := b.snapshots.Get(ctx, kvKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ledger.ErrSnapshotNotFound
		}
		return nil, err
	}
	var s ledger.SnapshotRecord
	if err := json.Unmarshal(entry.Value(), &s); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return &s, nil
}

func (b *Backend) ReadLinks(ctx context.Context, key ledger.AggregateKey) ([]ledger.Link, error) {
	entry, err := b.links.Get(ctx, kvKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var out []ledger.Link
	if err := json.Unmarshal(entry.Value(), &out); err != nil {
		return nil, fmt.Errorf("decode links %s: %w", key, err)
	}
	return out, nil
}

func (b *Backend) AtomicWrite(ctx context.Context, batch ledger.WriteBatch) error {
	if len(batch.Events) > 0 {
		if err := b.publishCommit(ctx, batch); err != nil {
			return err
		}
	}

	// Materialize the KV read side. For event-bearing batches the commit
	// message above is already authoritative and durable.
	if s := batch.Snapshot; s != nil {
		if err := b.putSnapshotIfNewer(ctx, s); err != nil {
			return err
		}
	}
	if len(batch.Links) > 0 {
		if err := b.mergeLinks(ctx, batch.Links); err != nil {
			return err
		}
	}
	return nil
}

// publishCommit publishes one commit message guarded by a server-side
// expect-last-sequence check against the commit subject.
func (b *Backend) publishCommit(ctx context.Context, batch ledger.WriteBatch) error {
	lastMsgSeq, last, err := b.lastCommit(ctx, batch.StreamID)
	if err != nil {
		return err
	}
	var actual uint64
	if last != nil {
		actual = last.LatestSeq
	}
	if actual != batch.ExpectedSequence {
		return &ledger.ConflictError{
			StreamID: batch.StreamID,
			Expected: batch.ExpectedSequence,
			Actual:   actual,
		}
	}

	rec := commitRecord{
		ID:        gonanoid.Must(),
		StreamID:  batch.StreamID,
		LatestSeq: batch.Events[len(batch.Events)-1].Sequence,
		Events:    batch.Events,
		Snapshot:  batch.Snapshot,
		Links:     batch.Links,
		At:        time.Now(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode commit: %w", err)
	}

	msg := natsgo.NewMsg(b.subjectFor(batch.StreamID))
	msg.Header.Set("x-stream-id", batch.StreamID)
	msg.Data = data

	// The CAS: the commit subject must not have moved since lastCommit.
	_, err = b.js.PublishMsg(ctx, msg,
		jetstream.WithMsgID(rec.ID),
		jetstream.WithExpectLastSequencePerSubject(lastMsgSeq),
	)
	if err != nil {
		var apiErr *jetstream.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
			return &ledger.ConflictError{
				StreamID: batch.StreamID,
				Expected: batch.ExpectedSequence,
				Actual:   actual + 1, // a racer won; exact value needs a re-read
			}
		}
		return fmt.Errorf("publish commit: %w", err)
	}
	return nil
}

// putSnapshotIfNewer upserts the snapshot under a revision CAS loop, so a
// stale writer racing a newer rehydration cannot regress the materialized
// last applied sequence.
func (b *Backend) putSnapshotIfNewer(ctx context.Context, s *ledger.SnapshotRecord) error {
	k := kvKey(s.Key)
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", s.Key, err)
	}

	for {
		var putErr error
		entry, err := b.snapshots.Get(ctx, k)
		switch {
		case err == nil:
			var cur ledger.SnapshotRecord
			if err := json.Unmarshal(entry.Value(), &cur); err != nil {
				return fmt.Errorf("decode snapshot %s: %w", s.Key, err)
			}
			if cur.LastApplied >= s.LastApplied {
				return nil
			}
			_, putErr = b.snapshots.Update(ctx, k, data, entry.Revision())
		case errors.Is(err, jetstream.ErrKeyNotFound):
			_, putErr = b.snapshots.Create(ctx, k, data)
		default:
			return err
		}
		if putErr == nil {
			return nil
		}
		if errors.Is(putErr, jetstream.ErrKeyExists) || isWrongRevision(putErr) {
			continue // lost the CAS, compare again
		}
		return fmt.Errorf("put snapshot %s: %w", s.Key, putErr)
	}
}

// mergeLinks folds new links into the KV entry under a revision CAS loop,
// keeping (aggregateKey, eventID) unique.
func (b *Backend) mergeLinks(ctx context.Context, links []ledger.Link) error {
	byKey := map[string][]ledger.Link{}
	for _, l := range links {
		k := kvKey(l.AggregateKey)
		byKey[k] = append(byKey[k], l)
	}

	for k, add := range byKey {
		for {
			var (
				existing []ledger.Link
				revision uint64
			)
			entry, err := b.links.Get(ctx, k)
			switch {
			case err == nil:
				revision = entry.Revision()
				if err := json.Unmarshal(entry.Value(), &existing); err != nil {
					return fmt.Errorf("decode links: %w", err)
				}
			case errors.Is(err, jetstream.ErrKeyNotFound):
			default:
				return err
			}

			seen := make(map[string]struct{}, len(existing))
			for _, l := range existing {
				seen[l.EventID] = struct{}{}
			}
			changed := false
			for _, l := range add {
				if _, dup := seen[l.EventID]; dup {
					continue
				}
				seen[l.EventID] = struct{}{}
				existing = append(existing, l)
				changed = true
			}
			if !changed {
				break
			}

			data, err := json.Marshal(existing)
			if err != nil {
				return err
			}
			if revision == 0 {
				_, err = b.links.Create(ctx, k, data)
			} else {
				_, err = b.links.Update(ctx, k, data, revision)
			}
			if err == nil {
				break
			}
			if errors.Is(err, jetstream.ErrKeyExists) || isWrongRevision(err) {
				continue // lost the CAS, merge again
			}
			return err
		}
	}
	return nil
}

func isWrongRevision(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// lastCommit returns the newest commit message for the stream, with its
// JetStream message sequence, or (0, nil, nil) for a virgin stream.
func (b *Backend) lastCommit(ctx context.Context, streamID string) (uint64, *commitRecord, error) {
	msg, err := b.stream.GetLastMsgForSubject(ctx, b.subjectFor(streamID))
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return 0, nil, nil
		}
		return 0, nil, err
	}
	var rec commitRecord
	if err := json.Unmarshal(msg.Data, &rec); err != nil {
		return 0, nil, fmt.Errorf("decode commit: %w", err)
	}
	return msg.Sequence, &rec, nil
}

// readCommits fetches every commit message for the stream in order.
func (b *Backend) readCommits(ctx context.Context, streamID string) ([]commitRecord, error) {
	lastMsgSeq, _, err := b.lastCommit(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if lastMsgSeq == 0 {
		return nil, nil
	}

	cc, err := b.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: []string{b.subjectFor(streamID)},
	})
	if err != nil {
		return nil, err
	}

	var out []commitRecord
outer:
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		mb, err := cc.FetchNoWait(100)
		if err != nil {
			return nil, err
		}
		empty := true
		for msg := range mb.Messages() {
			empty = false
			md, err := msg.Metadata()
			if err != nil {
				return nil, err
			}
			var rec commitRecord
			if err := json.Unmarshal(msg.Data(), &rec); err != nil {
				return nil, fmt.Errorf("decode commit: %w", err)
			}
			// The subject token is a hash of the stream id; the record
			// itself decides membership.
			if rec.StreamID == streamID {
				out = append(out, rec)
			}
			if md.Sequence.Stream >= lastMsgSeq {
				break outer
			}
		}
		if mb.Error() != nil {
			return nil, mb.Error()
		}
		if empty {
			break
		}
	}
	return out, nil
}

var _ ledger.Backend = (*Backend)(nil)
