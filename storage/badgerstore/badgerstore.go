// Package badgerstore implements the storage.Store contract on BadgerDB,
// an embedded key/value database requiring no external process.
//
// Namespaces map to key prefixes ("<namespace>/<key>"). Revisions are stored
// inline as an 8-byte big-endian prefix on each value and incremented inside
// a Badger read-modify-write transaction, which gives the compare-and-swap
// Update the serializability it needs.
package badgerstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/c360/syncengine/errors"
	"github.com/c360/syncengine/storage"
)

// Config holds configuration for a Badger-backed store.
type Config struct {
	// Path is the directory for BadgerDB files. Required unless InMemory.
	Path string

	// InMemory enables in-memory mode (no disk persistence). For tests.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal logging. Nil disables it.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Zero disables the GC loop.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum discardable ratio before GC rewrites
	// a value log file.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults: synchronous writes and a
// five-minute GC loop.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests: no disk, no GC.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Store is a BadgerDB-backed durable store.
type Store struct {
	db     *badger.DB
	gcStop chan struct{}
	gcDone chan struct{}
}

var _ storage.Store = (*Store)(nil)

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open creates and opens a Badger-backed store.
func Open(cfg Config) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.WrapPermanent(errors.ErrInvalidConfig,
				"badgerstore", "Open", "path required for persistent store")
		}
		if err := os.MkdirAll(filepath.Clean(cfg.Path), 0o750); err != nil {
			return nil, errors.Wrap(err, "badgerstore", "Open", "create data directory")
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(cfg.SyncWrites)
	}

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "badgerstore", "Open", "open database")
	}

	s := &Store{db: db}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gcStop = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.gcLoop(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

func (s *Store) gcLoop(interval time.Duration, discardRatio float64) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			// ErrNoRewrite just means nothing to collect
			_ = s.db.RunValueLogGC(discardRatio)
		}
	}
}

func storageKey(namespace, key string) []byte {
	return []byte(namespace + "/" + key)
}

func encodeRecord(revision uint64, value []byte) []byte {
	buf := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(buf, revision)
	copy(buf[8:], value)
	return buf
}

func decodeRecord(raw []byte) (uint64, []byte, error) {
	if len(raw) < 8 {
		return 0, nil, errors.WrapSerialization(
			fmt.Errorf("record too short: %d bytes", len(raw)),
			"badgerstore", "decodeRecord", "decode revision prefix")
	}
	return binary.BigEndian.Uint64(raw), raw[8:], nil
}

// Get retrieves the entry for a key.
func (s *Store) Get(ctx context.Context, namespace, key string) (*storage.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var entry *storage.Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(storageKey(namespace, key))
		if err == badger.ErrKeyNotFound {
			return errors.ErrKeyNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(raw []byte) error {
			rev, value, err := decodeRecord(raw)
			if err != nil {
				return err
			}
			copied := make([]byte, len(value))
			copy(copied, value)
			entry = &storage.Entry{Key: key, Value: copied, Revision: rev}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Put creates or replaces a value unconditionally and returns the new revision.
func (s *Store) Put(ctx context.Context, namespace, key string, value []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var newRev uint64
	err := s.db.Update(func(txn *badger.Txn) error {
		sk := storageKey(namespace, key)
		newRev = 1
		item, err := txn.Get(sk)
		if err == nil {
			err = item.Value(func(raw []byte) error {
				rev, _, decErr := decodeRecord(raw)
				if decErr != nil {
					// Corrupt record: overwrite at revision 1
					return nil
				}
				newRev = rev + 1
				return nil
			})
			if err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(sk, encodeRecord(newRev, value))
	})
	if err != nil {
		return 0, errors.Wrap(err, "badgerstore", "Put", "write record")
	}
	return newRev, nil
}

// Update replaces a value only if the key is still at the given revision.
func (s *Store) Update(ctx context.Context, namespace, key string, value []byte, revision uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var newRev uint64
	err := s.db.Update(func(txn *badger.Txn) error {
		sk := storageKey(namespace, key)
		item, err := txn.Get(sk)
		if err == badger.ErrKeyNotFound {
			if revision != 0 {
				return errors.ErrKeyNotFound
			}
			newRev = 1
			return txn.Set(sk, encodeRecord(newRev, value))
		}
		if err != nil {
			return err
		}
		var current uint64
		err = item.Value(func(raw []byte) error {
			rev, _, decErr := decodeRecord(raw)
			if decErr != nil {
				return decErr
			}
			current = rev
			return nil
		})
		if err != nil {
			return err
		}
		if current != revision {
			return errors.ErrVersionConflict
		}
		newRev = current + 1
		return txn.Set(sk, encodeRecord(newRev, value))
	})
	if err != nil {
		return 0, err
	}
	return newRev, nil
}

// Delete removes a key. Absent keys are a no-op.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(storageKey(namespace, key))
	})
	if err != nil {
		return errors.Wrap(err, "badgerstore", "Delete", "delete record")
	}
	return nil
}

// ListKeys returns all keys in a namespace in lexicographic order.
func (s *Store) ListKeys(ctx context.Context, namespace string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte(namespace + "/")
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			full := string(it.Item().Key())
			keys = append(keys, strings.TrimPrefix(full, namespace+"/"))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "badgerstore", "ListKeys", "iterate namespace")
	}
	return keys, nil
}

// Close stops the GC loop and closes the database.
func (s *Store) Close() error {
	if s.gcStop != nil {
		close(s.gcStop)
		<-s.gcDone
	}
	return s.db.Close()
}
