// Package metrics (store.go).
//
// CounterStore is the interface for the cross-restart lifetime-counter
// store. It keeps aggregate serving totals (requests accepted, dropped,
// served by class) that survive process restarts, so /metrics shows lifetime
// numbers alongside the since-boot counters.
//
// Two implementations are provided:
//   - memoryStore: in-memory only, used in tests and when no path is configured.
//   - bboltStore:  embedded key-value store (bbolt), used in production.
//
// The interface is intentionally minimal. Totals are loaded once at startup
// and saved as a whole map on each flush; per-key operations and iteration
// are not needed.
package metrics

import (
	"encoding/json"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// CounterStore is the lifetime-counter store interface.
// All implementations must be safe for concurrent use.
type CounterStore interface {
	// Load returns the persisted totals, or an empty map if none exist.
	Load() (map[string]int64, error)

	// Save replaces the persisted totals with the given map.
	Save(totals map[string]int64) error

	// Close releases any resources held by the store (e.g. file handles).
	Close() error
}

// --- memoryStore ---------------------------------------------------------

// memoryStore is a thread-safe in-memory CounterStore.
// Used in tests and as a fallback when no bbolt path is configured.
type memoryStore struct {
	mu     sync.Mutex
	totals map[string]int64
}

func newMemoryStore() CounterStore {
	return &memoryStore{totals: make(map[string]int64)}
}

func (s *memoryStore) Load() (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.totals))
	for k, v := range s.totals {
		out[k] = v
	}
	return out, nil
}

func (s *memoryStore) Save(totals map[string]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totals = make(map[string]int64, len(totals))
	for k, v := range totals {
		s.totals[k] = v
	}
	return nil
}

func (s *memoryStore) Close() error { return nil }

// --- bboltStore ----------------------------------------------------------

const (
	bboltBucket = "server_totals"
	bboltKey    = "totals"
)

// bboltStore is a CounterStore backed by an embedded bbolt database.
// Totals survive process restarts. The database file is created at the
// given path if it does not exist.
type bboltStore struct {
	db *bolt.DB
}

// NewBboltStore opens (or creates) the bbolt database at path and ensures
// the bucket exists. Returns an error if the file cannot be opened.
func NewBboltStore(path string) (CounterStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open metrics db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bboltBucket))
		return err
	})
	if err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &bboltStore{db: db}, nil
}

func (s *bboltStore) Load() (map[string]int64, error) {
	totals := make(map[string]int64)
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bboltBucket)).Get([]byte(bboltKey))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &totals)
	})
	if err != nil {
		return nil, fmt.Errorf("load totals: %w", err)
	}
	return totals, nil
}

func (s *bboltStore) Save(totals map[string]int64) error {
	raw, err := json.Marshal(totals)
	if err != nil {
		return fmt.Errorf("encode totals: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bboltBucket)).Put([]byte(bboltKey), raw)
	})
}

func (s *bboltStore) Close() error { return s.db.Close() }
