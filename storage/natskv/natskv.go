// Package natskv implements the storage.Store contract on NATS JetStream
// key/value buckets, one bucket per namespace. JetStream revisions back the
// compare-and-swap Update directly.
package natskv

import (
	"context"
	"encoding/base64"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/syncengine/errors"
	"github.com/c360/syncengine/storage"
)

// Config configures the JetStream-backed store.
type Config struct {
	// URL is the NATS server URL. Defaults to nats.DefaultURL.
	URL string

	// BucketPrefix is prepended to namespace names when creating buckets,
	// keeping multiple engines on one server apart.
	BucketPrefix string

	// Replicas is the JetStream replication factor for each bucket.
	Replicas int

	// Timeout bounds each KV operation.
	Timeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig(url string) Config {
	return Config{
		URL:          url,
		BucketPrefix: "syncengine",
		Replicas:     1,
		Timeout:      5 * time.Second,
	}
}

// Store is a NATS JetStream KV-backed durable store.
type Store struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	cfg     Config
	mu      sync.Mutex
	buckets map[string]jetstream.KeyValue
}

var _ storage.Store = (*Store)(nil)

// Connect establishes the NATS connection and JetStream context.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = 1
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, errors.WrapTransient(err, "natskv", "Connect", "connect to server")
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "natskv", "Connect", "create jetstream context")
	}

	return &Store{
		nc:      nc,
		js:      js,
		cfg:     cfg,
		buckets: make(map[string]jetstream.KeyValue),
	}, nil
}

// bucket returns the KV bucket for a namespace, creating it on first use.
func (s *Store) bucket(ctx context.Context, namespace string) (jetstream.KeyValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if kv, ok := s.buckets[namespace]; ok {
		return kv, nil
	}

	name := s.cfg.BucketPrefix + "-" + namespace
	kv, err := s.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   name,
		Replicas: s.cfg.Replicas,
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "natskv", "bucket", "create bucket "+name)
	}
	s.buckets[namespace] = kv
	return kv, nil
}

// encodeKey makes an arbitrary key a valid NATS KV key. Request fingerprints
// contain characters NATS subjects reject, so keys are base64url-encoded.
func encodeKey(key string) string {
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(key))
}

func decodeKey(encoded string) (string, error) {
	raw, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(encoded)
	if err != nil {
		return "", errors.WrapSerialization(err, "natskv", "decodeKey", "decode stored key")
	}
	return string(raw), nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.Timeout)
}

// Get retrieves the entry for a key with its JetStream revision.
func (s *Store) Get(ctx context.Context, namespace, key string) (*storage.Entry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	kv, err := s.bucket(ctx, namespace)
	if err != nil {
		return nil, err
	}

	entry, err := kv.Get(ctx, encodeKey(key))
	if err != nil {
		if strings.Contains(err.Error(), "key not found") || err == jetstream.ErrKeyNotFound {
			return nil, errors.ErrKeyNotFound
		}
		return nil, errors.WrapTransient(err, "natskv", "Get", "kv get "+key)
	}

	return &storage.Entry{
		Key:      key,
		Value:    entry.Value(),
		Revision: entry.Revision(),
	}, nil
}

// Put creates or replaces a value unconditionally (last writer wins).
func (s *Store) Put(ctx context.Context, namespace, key string, value []byte) (uint64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	kv, err := s.bucket(ctx, namespace)
	if err != nil {
		return 0, err
	}

	rev, err := kv.Put(ctx, encodeKey(key), value)
	if err != nil {
		return 0, errors.WrapTransient(err, "natskv", "Put", "kv put "+key)
	}
	return rev, nil
}

// Update replaces a value only if the key is still at the given revision.
// Revision 0 creates the key only if absent.
func (s *Store) Update(ctx context.Context, namespace, key string, value []byte, revision uint64) (uint64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	kv, err := s.bucket(ctx, namespace)
	if err != nil {
		return 0, err
	}

	encoded := encodeKey(key)
	if revision == 0 {
		rev, err := kv.Create(ctx, encoded, value)
		if err != nil {
			if err == jetstream.ErrKeyExists {
				return 0, errors.ErrVersionConflict
			}
			return 0, errors.WrapTransient(err, "natskv", "Update", "kv create "+key)
		}
		return rev, nil
	}

	rev, err := kv.Update(ctx, encoded, value, revision)
	if err != nil {
		if strings.Contains(err.Error(), "wrong last sequence") {
			return 0, errors.ErrVersionConflict
		}
		if err == jetstream.ErrKeyNotFound {
			return 0, errors.ErrKeyNotFound
		}
		return 0, errors.WrapTransient(err, "natskv", "Update", "kv update "+key)
	}
	return rev, nil
}

// Delete removes a key. Absent keys are a no-op.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	kv, err := s.bucket(ctx, namespace)
	if err != nil {
		return err
	}

	if err := kv.Purge(ctx, encodeKey(key)); err != nil {
		if err == jetstream.ErrKeyNotFound {
			return nil
		}
		return errors.WrapTransient(err, "natskv", "Delete", "kv purge "+key)
	}
	return nil
}

// ListKeys returns all keys in a namespace in lexicographic order.
func (s *Store) ListKeys(ctx context.Context, namespace string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	kv, err := s.bucket(ctx, namespace)
	if err != nil {
		return nil, err
	}

	lister, err := kv.ListKeys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "natskv", "ListKeys", "kv list")
	}

	var keys []string
	for encoded := range lister.Keys() {
		key, err := decodeKey(encoded)
		if err != nil {
			// Corrupt key name: skip rather than surface garbage
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close drains the NATS connection.
func (s *Store) Close() error {
	s.nc.Close()
	return nil
}
