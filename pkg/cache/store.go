// This module implements a namespaced, capacity-bounded store with FIFO eviction on top of a storage.Backend.
//
// Eviction Policy (FIFO):
// Keys are queued in the order they were set. Overwriting a key moves it to the back of the queue without
// evicting anything; setting a new key while the queue is full evicts the front key. Reads never promote.
//
// The queue is persisted next to the entries under the bare namespace key, so a store created later on the same
// backend (e.g. the one built on the next page load) resumes with the same eviction order.

package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/bits-and-blooms/bloom/v3"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/nobletooth/snapback/pkg/storage"
	"github.com/nobletooth/snapback/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	DefaultNamespace = "pageCache"
	DefaultMaxItems  = 10

	bloomFalsePositiveRate = 0.01
)

var (
	ErrWriteFailed = errors.New("failed to write to backend")

	// Namespaces can't hold the separator; otherwise a namespace's index key could alias another's entry.
	namespacePattern = regexp.MustCompile(`^[^.]+$`)

	storeLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bounded_store_lookups_total",
		Help: "Total number of bounded store lookups.",
	}, []string{"namespace", "status" /* hit | unindexed | miss | malformed */})
	storeWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bounded_store_writes_total",
		Help: "Total number of bounded store writes.",
	}, []string{"namespace", "status" /* ok | failed */})
	storeEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bounded_store_evictions_total",
		Help: "Total number of entries evicted to make room for new keys.",
	}, []string{"namespace"})
)

// StoreConfig configures a BoundedStore. Zero values select the defaults.
type StoreConfig struct {
	Namespace string // Defaults to DefaultNamespace.
	MaxItems  int    // Defaults to DefaultMaxItems; negative values are rejected.
}

func (c StoreConfig) withDefaults() StoreConfig {
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.MaxItems == 0 {
		c.MaxItems = DefaultMaxItems
	}
	return c
}

// Validate checks the config after defaults are applied.
func (c StoreConfig) Validate() error {
	c = c.withDefaults()
	return validation.ValidateStruct(&c,
		validation.Field(&c.Namespace, validation.Required, validation.Match(namespacePattern)),
		validation.Field(&c.MaxItems, validation.Required, validation.Min(1)),
	)
}

// BoundedStore holds at most `maxItems` values of type V under one namespace of a backend.
// It is not safe for concurrent use; callers sharing a store must serialize access.
type BoundedStore[V any] struct {
	backend   storage.Backend
	codec     Codec[V]
	namespace string
	maxItems  int
	queue     *evictionQueue // Logical keys present in the backend, oldest first.
	// filter holds the keys this store indexed, either by writing them or by loading them from the persisted
	// index. Other writers on the backend aren't reflected, so it only labels lookups and never hides an entry.
	// It is rebuilt from the queue once enough deletions have made it stale.
	filter              *bloom.BloomFilter
	deletesSinceRebuild int
}

// NewBoundedStore creates a store over `backend`. A nil codec selects JSONCodec.
// The persisted eviction index of the namespace, if any, is loaded.
func NewBoundedStore[V any](backend storage.Backend, codec Codec[V], conf StoreConfig) (*BoundedStore[V], error) {
	if backend == nil {
		return nil, errors.New("expected a non-nil backend")
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid store config: %w", err)
	}
	conf = conf.withDefaults()
	if codec == nil {
		codec = JSONCodec[V]{}
	}

	store := &BoundedStore[V]{
		backend:   backend,
		codec:     codec,
		namespace: conf.Namespace,
		maxItems:  conf.MaxItems,
		queue:     newEvictionQueue(),
		filter:    bloom.NewWithEstimates(uint(max(conf.MaxItems*16, 64)), bloomFalsePositiveRate),
	}
	store.loadIndex()
	return store, nil
}

// KeyFor returns the physical backend key of `key`: "{namespace}.{key}".
func (s *BoundedStore[V]) KeyFor(key string) string {
	return s.namespace + "." + key
}

// indexKey is where the eviction queue is persisted. It has no separator, so it never collides with KeyFor.
func (s *BoundedStore[V]) indexKey() string {
	return s.namespace
}

// Set stores `value` under `key`. An existing entry is replaced and becomes the newest one; a new key evicts
// the oldest entries while the store is full. Backend write failures are returned wrapped in ErrWriteFailed.
func (s *BoundedStore[V]) Set(key string, value V) error {
	encoded, err := s.codec.Encode(value)
	if err != nil {
		return fmt.Errorf("failed to encode value of '%s': %w", key, err)
	}

	if s.Contains(key) {
		s.remove(key)
	}
	for s.queue.Len() >= s.maxItems {
		oldest, found := s.queue.Oldest()
		if !found {
			utils.RaiseInvariant("bounded_store", "empty_queue_at_capacity",
				"Eviction queue is empty while at capacity.", "namespace", s.namespace, "maxItems", s.maxItems)
			break
		}
		s.remove(oldest)
		storeEvictions.WithLabelValues(s.namespace).Inc()
		slog.Debug("Evicted the oldest cache entry.", "namespace", s.namespace, "key", oldest)
	}

	if err := s.backend.Set(s.KeyFor(key), encoded); err != nil {
		storeWrites.WithLabelValues(s.namespace, "failed").Inc()
		s.persistIndexOrLog() // Removals above already changed the queue.
		return fmt.Errorf("%w: '%s': %w", ErrWriteFailed, key, err)
	}
	s.queue.PushBack(key)
	s.filter.AddString(key)
	if err := s.persistIndex(); err != nil {
		// Without an index entry the value would outlive the queue; undo the write.
		s.queue.Remove(key)
		s.backend.Remove(s.KeyFor(key))
		storeWrites.WithLabelValues(s.namespace, "failed").Inc()
		return fmt.Errorf("%w: index of '%s': %w", ErrWriteFailed, s.namespace, err)
	}
	storeWrites.WithLabelValues(s.namespace, "ok").Inc()

	if s.queue.Len() > s.maxItems {
		utils.RaiseInvariant("bounded_store", "queue_over_capacity", "Eviction queue grew past its capacity.",
			"namespace", s.namespace, "len", s.queue.Len(), "maxItems", s.maxItems)
	}
	return nil
}

// Get returns the value stored under `key` in the backend. Missing and undecodable entries are both reported as
// not found. Reading never promotes a key; an entry written by another store of the namespace makes this store
// adopt the persisted eviction index first.
func (s *BoundedStore[V]) Get(key string) (V, bool /*found*/) {
	var zero V
	raw, err := s.backend.Get(s.KeyFor(key))
	if err != nil {
		if !errors.Is(err, storage.ErrKeyNotFound) {
			slog.Warn("Failed to read cache entry, treating it as a miss.",
				"namespace", s.namespace, "key", key, "error", err)
		}
		storeLookups.WithLabelValues(s.namespace, "miss").Inc()
		return zero, false
	}
	value, err := s.codec.Decode(raw)
	if err != nil {
		slog.Warn("Cache entry is malformed, treating it as a miss.",
			"namespace", s.namespace, "key", key, "error", err)
		storeLookups.WithLabelValues(s.namespace, "malformed").Inc()
		return zero, false
	}
	if !s.queue.Contains(key) {
		s.syncIndex()
	}
	if s.filter.TestString(key) {
		storeLookups.WithLabelValues(s.namespace, "hit").Inc()
	} else { // Present in the backend, but in no eviction index, e.g. written before the index existed.
		storeLookups.WithLabelValues(s.namespace, "unindexed").Inc()
	}
	return value, true
}

// Contains reports whether an entry exists under `key`, decodable or not.
func (s *BoundedStore[V]) Contains(key string) bool {
	return s.queue.Contains(key) || s.backendHas(key)
}

// Delete removes `key` from the queue and the backend. Deleting a missing key is a no-op.
func (s *BoundedStore[V]) Delete(key string) {
	s.remove(key)
	s.persistIndexOrLog()
}

// Len returns the number of entries held.
func (s *BoundedStore[V]) Len() int {
	return s.queue.Len()
}

// Keys returns the held keys in eviction order, oldest first.
func (s *BoundedStore[V]) Keys() []string {
	return s.queue.Keys()
}

// Namespace returns the namespace prefixed to every key.
func (s *BoundedStore[V]) Namespace() string {
	return s.namespace
}

// Capacity returns the maximum number of entries held.
func (s *BoundedStore[V]) Capacity() int {
	return s.maxItems
}

// remove drops `key` without persisting the index.
func (s *BoundedStore[V]) remove(key string) {
	s.queue.Remove(key)
	s.backend.Remove(s.KeyFor(key))
	s.deletesSinceRebuild++
	if s.deletesSinceRebuild >= s.maxItems {
		s.rebuildFilter()
	}
}

func (s *BoundedStore[V]) backendHas(key string) bool {
	_, err := s.backend.Get(s.KeyFor(key))
	return err == nil
}

func (s *BoundedStore[V]) rebuildFilter() {
	s.filter.ClearAll()
	for _, key := range s.queue.Keys() {
		s.filter.AddString(key)
	}
	s.deletesSinceRebuild = 0
}

func (s *BoundedStore[V]) persistIndex() error {
	encoded, err := json.Marshal(s.queue.Keys())
	if err != nil {
		return err
	}
	return s.backend.Set(s.indexKey(), string(encoded))
}

func (s *BoundedStore[V]) persistIndexOrLog() {
	if err := s.persistIndex(); err != nil {
		slog.Warn("Failed to persist the eviction index.", "namespace", s.namespace, "error", err)
	}
}

// syncIndex replaces the in-memory queue with the persisted index, which another store sharing the backend and
// namespace may have written since this one was created.
func (s *BoundedStore[V]) syncIndex() {
	s.queue = newEvictionQueue()
	s.loadIndex()
	s.rebuildFilter()
}

// loadIndex restores the eviction queue persisted by an earlier store of the same namespace.
// Keys the host dropped from the backend in the meantime are skipped.
func (s *BoundedStore[V]) loadIndex() {
	raw, err := s.backend.Get(s.indexKey())
	if errors.Is(err, storage.ErrKeyNotFound) {
		return
	} else if err != nil {
		slog.Warn("Failed to read the eviction index, starting empty.", "namespace", s.namespace, "error", err)
		return
	}
	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		slog.Warn("Eviction index is malformed, starting empty.", "namespace", s.namespace, "error", err)
		return
	}

	for _, key := range keys {
		if s.backendHas(key) {
			s.queue.PushBack(key)
			s.filter.AddString(key)
		}
	}
	// The capacity may have shrunk since the index was written.
	for s.queue.Len() > s.maxItems {
		oldest, _ := s.queue.Oldest()
		s.remove(oldest)
		storeEvictions.WithLabelValues(s.namespace).Inc()
	}
	if s.queue.Len() != len(keys) {
		s.persistIndexOrLog()
	}
	slog.Debug("Loaded the eviction index.", "namespace", s.namespace, "keys", s.queue.Len())
}
