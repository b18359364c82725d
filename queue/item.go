package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360/syncengine/errors"
)

// Status is the lifecycle state of a queue item.
type Status string

const (
	// StatusPending means the item awaits its first or next delivery.
	StatusPending Status = "pending"
	// StatusInFlight means a drain is currently delivering the item.
	StatusInFlight Status = "in-flight"
	// StatusFailed means the last delivery failed and the item awaits
	// its backoff window before becoming pending-eligible again.
	StatusFailed Status = "failed"
	// StatusDeadLetter means the retry budget is exhausted or the remote
	// rejected the item permanently.
	StatusDeadLetter Status = "dead-letter"
	// StatusDone means the item was delivered and acknowledged.
	StatusDone Status = "done"
)

// Item is one queued mutation. Items within a tag are totally ordered by
// CreatedAt; Attempts only increments, never resets.
type Item struct {
	ID             string    `json:"id"`
	Tag            string    `json:"tag"`
	Payload        []byte    `json:"payload"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error,omitempty"`
	Status         Status    `json:"status"`

	// NotBefore is the earliest time a failed item may be redelivered.
	NotBefore time.Time `json:"not_before,omitempty"`

	// ReplayOf carries the original item ID when this item was created
	// by an explicit dead-letter replay.
	ReplayOf string `json:"replay_of,omitempty"`
}

// eligible reports whether the item may be delivered now.
func (it *Item) eligible(now time.Time) bool {
	switch it.Status {
	case StatusPending:
		return true
	case StatusFailed:
		return !now.Before(it.NotBefore)
	}
	return false
}

// storageKey orders items lexicographically by creation time within a tag.
// Nanosecond precision plus the unique ID suffix keeps keys collision-free.
func storageKey(tag string, createdAt time.Time, id string) string {
	return fmt.Sprintf("%s/%020d-%s", tag, createdAt.UnixNano(), id)
}

func encodeItem(it *Item) ([]byte, error) {
	data, err := json.Marshal(it)
	if err != nil {
		return nil, errors.WrapSerialization(err, "queue", "encodeItem", "marshal item")
	}
	return data, nil
}

func decodeItem(raw []byte) (*Item, error) {
	var it Item
	if err := json.Unmarshal(raw, &it); err != nil {
		return nil, errors.WrapSerialization(err, "queue", "decodeItem", "unmarshal item")
	}
	if it.ID == "" || it.Tag == "" {
		return nil, errors.WrapSerialization(errors.ErrQueueCorrupted, "queue", "decodeItem", "missing id or tag")
	}
	return &it, nil
}
