package insights

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// DismissalStore remembers when each insight identity was dismissed.
type DismissalStore interface {
	// Get returns the dismissal time of key and whether one exists.
	Get(key string) (time.Time, bool, error)
	Put(key string, at time.Time) error
	Delete(key string) error
	Close() error
}

// MemoryStore is a process-local DismissalStore.
type MemoryStore struct {
	mu sync.Mutex
	m  map[string]time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: make(map[string]time.Time)}
}

func (s *MemoryStore) Get(key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.m[key]
	return t, ok, nil
}

func (s *MemoryStore) Put(key string, at time.Time) error {
	s.mu.Lock()
	s.m[key] = at
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }

const dismissalPrefix = "dismissal/"

// BadgerStore persists dismissals in BadgerDB so they survive restarts.
// Entries carry no TTL: the cool-down can change at runtime, so the generator
// decides when a dismissal has expired and deletes it.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) a store at path. An empty path keeps the
// database in memory.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o750); err != nil {
			return nil, fmt.Errorf("insights: create dismissal dir %s: %w", path, err)
		}
		opts = badger.DefaultOptions(path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(&badgerLogger{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("insights: open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Get(key string) (time.Time, bool, error) {
	var at time.Time
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(dismissalPrefix + key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			if len(v) != 8 {
				return fmt.Errorf("insights: corrupt dismissal value for %q", key)
			}
			at = time.Unix(0, int64(binary.BigEndian.Uint64(v))).UTC()
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}

func (s *BadgerStore) Put(key string, at time.Time) error {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, uint64(at.UnixNano()))
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(dismissalPrefix+key), v)
	})
}

func (s *BadgerStore) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(dismissalPrefix + key))
	})
}

// Len counts the stored dismissals.
func (s *BadgerStore) Len() (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(dismissalPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (s *BadgerStore) Close() error { return s.db.Close() }

// badgerLogger routes badger's internal logging through slog.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	slog.Error("insights: badger: " + fmt.Sprintf(format, args...))
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	slog.Warn("insights: badger: " + fmt.Sprintf(format, args...))
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	slog.Debug("insights: badger: " + fmt.Sprintf(format, args...))
}

func (badgerLogger) Debugf(format string, args ...interface{}) {}
