package ledger

import (
	"encoding/json"
	"fmt"
	"time"
)

// AggregateKey identifies one aggregate instance of one versioned aggregate
// type. Two aggregate types over the same stream have distinct keys and
// therefore independent snapshots and links.
type AggregateKey struct {
	ID   string  `json:"id"`
	Kind TypeKey `json:"kind"`
}

// String renders the canonical "kind@vN/id" form used as a storage key.
func (k AggregateKey) String() string {
	return fmt.Sprintf("%s/%s", k.Kind, k.ID)
}

func (k AggregateKey) IsZero() bool { return k.ID == "" || k.Kind.IsZero() }

// SnapshotRecord is the persisted materialization of an aggregate after
// applying some prefix of its stream. Snapshots are a lazily built cache:
// they may be absent even though events exist, and replay can always be
// redone from raw events.
type SnapshotRecord struct {
	Key      AggregateKey `json:"key"`
	StreamID string       `json:"stream_id"`
	// Version counts events ever applied to this aggregate instance.
	Version uint64 `json:"version"`
	// LastApplied is the highest stream sequence reflected in State.
	// It only ever increases.
	LastApplied uint64          `json:"last_applied"`
	State       json.RawMessage `json:"state"`

	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by"`
}

func (s SnapshotRecord) Validate() error {
	if s.Key.IsZero() {
		return fmt.Errorf("snapshot aggregate key is empty")
	}
	if s.StreamID == "" {
		return fmt.Errorf("snapshot stream id is empty")
	}
	if s.Version == 0 {
		return fmt.Errorf("snapshot version is zero")
	}
	if s.LastApplied == 0 {
		return fmt.Errorf("snapshot last applied sequence is zero")
	}
	return nil
}

// Snapshottable lets an aggregate control its snapshot encoding. Aggregates
// that do not implement it are encoded with encoding/json.
type Snapshottable interface {
	Snapshot() (data []byte, err error)
	RestoreSnapshot(data []byte) error
}

func marshalState(agg Aggregate) ([]byte, error) {
	if s, ok := any(agg).(Snapshottable); ok {
		return s.Snapshot()
	}
	return json.Marshal(agg)
}

func unmarshalState(agg Aggregate, data []byte) error {
	if s, ok := any(agg).(Snapshottable); ok {
		return s.RestoreSnapshot(data)
	}
	return json.Unmarshal(data, agg)
}
