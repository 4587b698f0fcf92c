package cache

import (
	"errors"
	"fmt"
	"testing"

	"github.com/nobletooth/snapback/pkg/storage"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// page is a structured value similar to what gets cached in practice.
type page struct {
	Body  string         `json:"body"`
	Tags  []string       `json:"tags"`
	Attrs map[string]int `json:"attrs"`
}

// failingBackend wraps a Memory backend and fails writes to keys in `failOn`.
type failingBackend struct {
	*storage.Memory
	failOn map[string]bool
}

func (f *failingBackend) Set(key, value string) error {
	if f.failOn[key] {
		return errors.New("disk on fire")
	}
	return f.Memory.Set(key, value)
}

func newTestStore[V any](t *testing.T, backend storage.Backend, namespace string, maxItems int) *BoundedStore[V] {
	t.Helper()
	store, err := NewBoundedStore[V](backend, nil /*codec*/, StoreConfig{Namespace: namespace, MaxItems: maxItems})
	require.NoError(t, err)
	return store
}

func TestNewBoundedStore(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		store := newTestStore[string](t, storage.NewMemory(0), "", 0)
		assert.Equal(t, DefaultNamespace, store.Namespace())
		assert.Equal(t, DefaultMaxItems, store.Capacity())
	})
	t.Run("negative_capacity", func(t *testing.T) {
		_, err := NewBoundedStore[string](storage.NewMemory(0), nil, StoreConfig{MaxItems: -1})
		assert.Error(t, err)
	})
	t.Run("namespace_with_separator", func(t *testing.T) {
		_, err := NewBoundedStore[string](storage.NewMemory(0), nil, StoreConfig{Namespace: "page.cache"})
		assert.Error(t, err)
	})
	t.Run("nil_backend", func(t *testing.T) {
		_, err := NewBoundedStore[string](nil, nil, StoreConfig{})
		assert.Error(t, err)
	})
}

func TestBoundedStore_KeyFor(t *testing.T) {
	store := newTestStore[string](t, storage.NewMemory(0), "tabs", 2)
	assert.Equal(t, "tabs.https://example.com/?q=1", store.KeyFor("https://example.com/?q=1"))
	assert.Zero(t, store.Len(), "KeyFor must not change state")
}

func TestBoundedStore_RoundTrip(t *testing.T) {
	backend := storage.NewMemory(0)
	store := newTestStore[page](t, backend, "roundtrip", 3)
	want := page{Body: "<p>hi</p>", Tags: []string{"a", "b"}, Attrs: map[string]int{"x": 1}}
	require.NoError(t, store.Set("k", want))

	got, found := store.Get("k")
	assert.True(t, found)
	assert.Equal(t, want, got)

	raw, err := backend.Get("roundtrip.k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"body":"<p>hi</p>","tags":["a","b"],"attrs":{"x":1}}`, raw)
}

func TestBoundedStore_UpdateInPlace(t *testing.T) {
	store := newTestStore[string](t, storage.NewMemory(0), "update", 2)
	require.NoError(t, store.Set("a", "v1"))
	require.NoError(t, store.Set("a", "v2"))
	assert.Equal(t, 1, store.Len())
	got, found := store.Get("a")
	assert.True(t, found)
	assert.Equal(t, "v2", got)

	t.Run("overwrite_moves_to_back_without_eviction", func(t *testing.T) {
		require.NoError(t, store.Set("b", "v1"))
		require.NoError(t, store.Set("a", "v3")) // Full, but "a" exists; nothing evicted.
		assert.Equal(t, []string{"b", "a"}, store.Keys())
		require.NoError(t, store.Set("c", "v1")) // Evicts "b", the oldest.
		assert.Equal(t, []string{"a", "c"}, store.Keys())
	})
}

func TestBoundedStore_Delete(t *testing.T) {
	store := newTestStore[string](t, storage.NewMemory(0), "delete", 2)
	require.NoError(t, store.Set("a", "v"))
	store.Delete("a")
	_, found := store.Get("a")
	assert.False(t, found)
	assert.Zero(t, store.Len())
	store.Delete("missing") // No-op.
	assert.Zero(t, store.Len())
}

func TestBoundedStore_Eviction(t *testing.T) {
	backend := storage.NewMemory(0)
	store := newTestStore[string](t, backend, "evict", 2)
	before := testutil.ToFloat64(storeEvictions.WithLabelValues("evict"))

	require.NoError(t, store.Set("a", "1"))
	require.NoError(t, store.Set("b", "2"))
	require.NoError(t, store.Set("c", "3"))

	assert.Equal(t, []string{"b", "c"}, store.Keys())
	_, found := store.Get("a")
	assert.False(t, found)
	_, err := backend.Get("evict.a")
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)
	for _, key := range []string{"b", "c"} {
		_, found := store.Get(key)
		assert.True(t, found, key)
	}
	assert.Equal(t, before+1, testutil.ToFloat64(storeEvictions.WithLabelValues("evict")))
}

func TestBoundedStore_CapacityInvariant(t *testing.T) {
	for _, maxItems := range []int{1, 3, 10} {
		t.Run(fmt.Sprintf("max_%d", maxItems), func(t *testing.T) {
			backend := storage.NewMemory(0)
			store := newTestStore[int](t, backend, "capacity", maxItems)
			for i := range 25 {
				require.NoError(t, store.Set(fmt.Sprintf("k%d", i%17), i))
				assert.LessOrEqual(t, store.Len(), maxItems)
				// Entries plus the index entry.
				assert.Equal(t, store.Len()+1, backend.Len())
			}
			// The most recently set keys remain.
			wantKeys := make([]string, 0, maxItems)
			for i := 25 - maxItems; i < 25; i++ {
				wantKeys = append(wantKeys, fmt.Sprintf("k%d", i%17))
			}
			assert.Equal(t, wantKeys, store.Keys())
		})
	}
}

func TestBoundedStore_NamespaceIsolation(t *testing.T) {
	backend := storage.NewMemory(0)
	first := newTestStore[string](t, backend, "first", 2)
	second := newTestStore[string](t, backend, "second", 2)

	require.NoError(t, first.Set("shared", "from-first"))
	_, found := second.Get("shared")
	assert.False(t, found)

	require.NoError(t, second.Set("shared", "from-second"))
	got, _ := first.Get("shared")
	assert.Equal(t, "from-first", got)
	got, _ = second.Get("shared")
	assert.Equal(t, "from-second", got)

	// Filling one namespace never evicts from the other.
	require.NoError(t, second.Set("x", "1"))
	require.NoError(t, second.Set("y", "1"))
	_, found = first.Get("shared")
	assert.True(t, found)
}

func TestBoundedStore_MalformedEntryIsMiss(t *testing.T) {
	backend := storage.NewMemory(0)
	store := newTestStore[page](t, backend, "malformed", 2)
	require.NoError(t, store.Set("k", page{Body: "ok"}))
	require.NoError(t, backend.Set("malformed.k", "{not json"))

	_, found := store.Get("k")
	assert.False(t, found)
	assert.Equal(t, 1.0, testutil.ToFloat64(storeLookups.WithLabelValues("malformed", "malformed")))
}

func TestBoundedStore_IndexReload(t *testing.T) {
	backend := storage.NewMemory(0)
	first := newTestStore[string](t, backend, "reload", 3)
	require.NoError(t, first.Set("a", "1"))
	require.NoError(t, first.Set("b", "2"))
	require.NoError(t, first.Set("c", "3"))

	t.Run("resumes_order", func(t *testing.T) {
		second := newTestStore[string](t, backend, "reload", 3)
		assert.Equal(t, []string{"a", "b", "c"}, second.Keys())
		got, found := second.Get("b")
		assert.True(t, found)
		assert.Equal(t, "2", got)

		require.NoError(t, second.Set("d", "4")) // Still evicts "a" first.
		assert.Equal(t, []string{"b", "c", "d"}, second.Keys())
	})
	t.Run("skips_keys_cleared_by_host", func(t *testing.T) {
		backend.Remove("reload.c")
		third := newTestStore[string](t, backend, "reload", 3)
		assert.Equal(t, []string{"b", "d"}, third.Keys())
	})
	t.Run("shrunk_capacity_evicts_oldest", func(t *testing.T) {
		fourth := newTestStore[string](t, backend, "reload", 1)
		assert.Equal(t, []string{"d"}, fourth.Keys())
		_, err := backend.Get("reload.b")
		assert.ErrorIs(t, err, storage.ErrKeyNotFound)
	})
	t.Run("malformed_index", func(t *testing.T) {
		require.NoError(t, backend.Set("reload", "nope"))
		fifth := newTestStore[string](t, backend, "reload", 3)
		assert.Zero(t, fifth.Len())
	})
}

func TestBoundedStore_WriteFailure(t *testing.T) {
	backend := &failingBackend{Memory: storage.NewMemory(0), failOn: map[string]bool{"fail.bad": true}}
	store := newTestStore[string](t, backend, "fail", 2)
	require.NoError(t, store.Set("good", "1"))

	err := store.Set("bad", "2")
	assert.ErrorIs(t, err, ErrWriteFailed)
	assert.Equal(t, []string{"good"}, store.Keys())
	_, found := store.Get("bad")
	assert.False(t, found)

	t.Run("quota", func(t *testing.T) {
		store := newTestStore[string](t, storage.NewMemory(64), "quota", 5)
		err := store.Set("big", string(make([]byte, 128)))
		assert.ErrorIs(t, err, ErrWriteFailed)
		assert.ErrorIs(t, err, storage.ErrQuotaExceeded)
		assert.Zero(t, store.Len())
	})
	t.Run("index_write_rolls_back", func(t *testing.T) {
		backend := &failingBackend{Memory: storage.NewMemory(0), failOn: map[string]bool{}}
		store := newTestStore[string](t, backend, "idx", 2)
		backend.failOn["idx"] = true
		assert.ErrorIs(t, store.Set("k", "v"), ErrWriteFailed)
		assert.Zero(t, store.Len())
		_, err := backend.Get("idx.k")
		assert.ErrorIs(t, err, storage.ErrKeyNotFound)
	})
}

func TestBoundedStore_FilterRebuild(t *testing.T) {
	store := newTestStore[string](t, storage.NewMemory(0), "filter", 2)
	for i := range 10 {
		require.NoError(t, store.Set(fmt.Sprintf("k%d", i), "v"))
	}
	// Rebuilds keep every live key visible.
	assert.Less(t, store.deletesSinceRebuild, store.Capacity())
	for _, key := range store.Keys() {
		_, found := store.Get(key)
		assert.True(t, found, key)
	}
	assert.False(t, store.filter.TestString("never-set"))
}

func TestBoundedStore_SiblingStores(t *testing.T) {
	backend := storage.NewMemory(0)
	reader := newTestStore[string](t, backend, "siblings", 2)
	writer := newTestStore[string](t, backend, "siblings", 2)
	require.NoError(t, writer.Set("https://x/1", "v1"))

	got, found := reader.Get("https://x/1")
	require.True(t, found)
	assert.Equal(t, "v1", got)
	assert.Equal(t, []string{"https://x/1"}, reader.Keys(), "The writer's index is adopted")
	assert.Equal(t, 1.0, testutil.ToFloat64(storeLookups.WithLabelValues("siblings", "hit")))

	// The adopted order keeps the capacity bound across both stores.
	require.NoError(t, writer.Set("https://x/2", "v2"))
	_, found = reader.Get("https://x/2")
	require.True(t, found)
	require.NoError(t, reader.Set("https://x/3", "v3"))
	assert.Equal(t, []string{"https://x/2", "https://x/3"}, reader.Keys())
	_, err := backend.Get("siblings.https://x/1")
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)
}

func TestBoundedStore_UnindexedEntry(t *testing.T) {
	backend := storage.NewMemory(0)
	require.NoError(t, backend.Set("unindexed.k", `"v"`))
	store := newTestStore[string](t, backend, "unindexed", 2)

	got, found := store.Get("k")
	require.True(t, found)
	assert.Equal(t, "v", got)
	assert.True(t, store.Contains("k"))
	assert.Equal(t, 1.0, testutil.ToFloat64(storeLookups.WithLabelValues("unindexed", "unindexed")))

	// Overwriting replaces the pre-existing entry and indexes it.
	require.NoError(t, store.Set("k", "w"))
	assert.Equal(t, []string{"k"}, store.Keys())
	got, _ = store.Get("k")
	assert.Equal(t, "w", got)
}

func TestBoundedStore_Contains(t *testing.T) {
	backend := storage.NewMemory(0)
	store := newTestStore[string](t, backend, "contains", 2)
	require.NoError(t, store.Set("a", "1"))
	require.NoError(t, backend.Set("contains.bad", "{"))

	assert.True(t, store.Contains("a"))
	assert.True(t, store.Contains("bad"), "Malformed entries still exist")
	assert.False(t, store.Contains("missing"))
}
