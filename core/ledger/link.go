package ledger

import (
	"fmt"
	"time"
)

// Link records that one event was applied to one aggregate instance.
// Links exist for audit and catch-up bookkeeping; replay does not need
// them. They are unique per (AggregateKey, EventID) and are only ever
// co-committed with the snapshot write that resulted from applying the
// event, never alone.
type Link struct {
	AggregateKey AggregateKey `json:"aggregate_key"`
	EventID      string       `json:"event_id"`
	AppliedAt    time.Time    `json:"applied_at"`
}

func (l Link) Validate() error {
	if l.AggregateKey.IsZero() {
		return fmt.Errorf("link aggregate key is empty")
	}
	if l.EventID == "" {
		return fmt.Errorf("link event id is empty")
	}
	if l.AppliedAt.IsZero() {
		return fmt.Errorf("link applied at is zero")
	}
	return nil
}

func newLinks(key AggregateKey, events []Event, appliedAt time.Time) []Link {
	links := make([]Link, len(events))
	for i, e := range events {
		links[i] = Link{AggregateKey: key, EventID: e.ID, AppliedAt: appliedAt}
	}
	return links
}
