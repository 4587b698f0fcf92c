package port

import (
	"errors"
	"flag"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/nobletooth/snapback/pkg/cache"
	"github.com/nobletooth/snapback/pkg/snapshot"
	"github.com/nobletooth/snapback/pkg/storage"
)

var (
	maxCacheItems = flag.Int("max_cache_items", cache.DefaultMaxItems,
		"Maximum number of snapshots kept per namespace; applies to namespaces opened after it is set.")
	freshnessWindow = flag.Duration("freshness_window", snapshot.DefaultFreshnessWindow,
		"Maximum age of a snapshot that is still restored on a visit.")
	defaultNamespace = flag.String("default_namespace", cache.DefaultNamespace,
		"Namespace used by connections that never sent NAMESPACE.")
)

// SnapshotStorage is the storage backend used by snapback ports. It shares one bounded store per namespace
// between all connections, so every tab sees the same eviction queue.
// Its methods are not safe for concurrent use; ports call them under Exclusive.
type SnapshotStorage struct {
	mux     sync.Mutex // Serializes commands of all connections with config reloads.
	backend storage.Backend
	stores  map[ /*namespace*/ string]*cache.BoundedStore[snapshot.Snapshot]
}

// NewSnapshotStorage creates a SnapshotStorage over `backend`.
func NewSnapshotStorage(backend storage.Backend) (*SnapshotStorage, error) {
	if backend == nil {
		return nil, errors.New("expected a non-nil backend")
	}
	return &SnapshotStorage{backend: backend, stores: make(map[string]*cache.BoundedStore[snapshot.Snapshot])}, nil
}

// Store returns the store of `namespace`, opening it with the current --max_cache_items on first use.
func (ss *SnapshotStorage) Store(namespace string) (*cache.BoundedStore[snapshot.Snapshot], error) {
	if store, exists := ss.stores[namespace]; exists {
		return store, nil
	}
	store, err := cache.NewBoundedStore[snapshot.Snapshot](ss.backend, snapshot.Codec{},
		cache.StoreConfig{Namespace: namespace, MaxItems: *maxCacheItems})
	if err != nil {
		return nil, fmt.Errorf("failed to open namespace '%s': %w", namespace, err)
	}
	ss.stores[namespace] = store
	return store, nil
}

// Exclusive runs `fn` while no command is being handled. Writes to the flags read by ports (e.g. config reloads)
// must go through it.
func (ss *SnapshotStorage) Exclusive(fn func()) {
	ss.mux.Lock()
	defer ss.mux.Unlock()
	fn()
}

// Namespaces returns the opened namespaces, sorted.
func (ss *SnapshotStorage) Namespaces() []string {
	return slices.Sorted(maps.Keys(ss.stores))
}
