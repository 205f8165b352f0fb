package ledger

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Event is an immutable fact persisted in a stream. Sequence numbers are
// assigned at commit time only: strictly increasing, starting at 1, with no
// gaps within a stream.
type Event struct {
	// ID is derived deterministically from (StreamID, Sequence), see EventID.
	ID string `json:"id"`
	// StreamID names the append-only log this event belongs to.
	StreamID string `json:"stream_id"`
	// Sequence is the 1-based position within the stream.
	Sequence uint64 `json:"sequence"`
	// Type routes the payload back through the Registry on decode.
	Type TypeKey `json:"type"`
	// Payload is the JSON-encoded domain event.
	Payload json.RawMessage `json:"payload"`

	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by"`
}

// EventID derives the identifier of the event at seq in streamID. The
// derivation is a keyed-less blake2b hash so ids are stable across
// backends and re-derivable from the record alone.
func EventID(streamID string, seq uint64) string {
	h, _ := blake2b.New(16, nil)
	fmt.Fprintf(h, "%s#%d", streamID, seq)
	return hex.EncodeToString(h.Sum(nil))
}

func (e Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event id is empty")
	}
	if e.StreamID == "" {
		return fmt.Errorf("event stream id is empty")
	}
	if e.Sequence == 0 {
		return fmt.Errorf("event sequence is zero")
	}
	if e.Type.IsZero() {
		return fmt.Errorf("event type key is empty")
	}
	if e.CreatedAt.IsZero() {
		return fmt.Errorf("event created at is zero")
	}
	return nil
}

func maxSequence(events []Event) uint64 {
	var m uint64
	for _, e := range events {
		if e.Sequence > m {
			m = e.Sequence
		}
	}
	return m
}

func eventIDs(events []Event) []string {
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	return ids
}
