package cachestore

import (
	"encoding/json"
	"time"

	"github.com/c360/syncengine/errors"
)

// Entry is one versioned cached response. Version is the storage revision
// observed when the entry was read; a Put carrying a stale version is
// rejected, which stops a slow network-first write from clobbering a fresher
// stale-while-revalidate refresh.
type Entry struct {
	Key       string            `json:"key"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      []byte            `json:"body"`
	StoredAt  time.Time         `json:"stored_at"`
	ExpiresAt time.Time         `json:"expires_at"`
	PolicyTag string            `json:"policy_tag"`
	Version   uint64            `json:"-"`
}

// Expired reports whether the entry is past its expiry. Entries with a zero
// ExpiresAt never expire.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

func encodeEntry(e *Entry) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.WrapSerialization(err, "cachestore", "encodeEntry", "marshal entry")
	}
	return data, nil
}

func decodeEntry(raw []byte, revision uint64) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, errors.WrapSerialization(err, "cachestore", "decodeEntry", "unmarshal entry")
	}
	e.Version = revision
	return &e, nil
}
