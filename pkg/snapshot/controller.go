package snapshot

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/nobletooth/snapback/pkg/cache"
	"github.com/nobletooth/snapback/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	DefaultFreshnessWindow = 15 * time.Minute
	// Scroll restoration waits this long under the default scheduler so the restored content is laid out first.
	defaultScrollDelay = time.Millisecond
)

var (
	ErrSurfaceNotFound    = errors.New("content surface not found")
	ErrStorageUnavailable = errors.New("snapshot storage is unavailable")

	snapshotsCached = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snapshots_cached_total",
		Help: "Total number of page snapshots stored.",
	})
	snapshotLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapshot_loads_total",
		Help: "Total number of page loads, by whether a snapshot was restored.",
	}, []string{"result" /* restored | no_cache */})
	storageDegradations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snapshot_storage_degradations_total",
		Help: "Total number of controllers that stopped caching after a storage write failure.",
	})
)

// Options configures a Controller. Only ContentSelector and Host are required.
type Options struct {
	ContentSelector string // Selects the surface to cache; must match an element of Host.
	Host            Host
	// Backend keeps the snapshots. Without a Backend (and without a Store) the controller is unsupported and every
	// operation degrades to a no-op.
	Backend storage.Backend
	// Store overrides Backend, MaxCacheItems and CacheNamespace, so several controllers can share one queue.
	Store           *cache.BoundedStore[Snapshot]
	OnLoaded        Listener
	OnCached        Listener
	MaxCacheItems   int           // Defaults to cache.DefaultMaxItems.
	CacheNamespace  string        // Defaults to cache.DefaultNamespace.
	FreshnessWindow time.Duration // Defaults to DefaultFreshnessWindow.
	// Scheduler runs the scroll restoration; defaults to a 1ms TimerScheduler, which calls Host.ScrollTo from
	// the timer goroutine.
	Scheduler Scheduler
	Clock     func() time.Time
}

// Validate checks options that don't depend on the host.
func (o Options) Validate() error {
	return validation.ValidateStruct(&o,
		validation.Field(&o.ContentSelector, validation.Required),
		validation.Field(&o.MaxCacheItems, validation.Min(0)),
		validation.Field(&o.FreshnessWindow, validation.Min(time.Duration(0))),
	)
}

// Controller caches the content surface of the current page and restores it on return.
// It is bound to one page load and must be used from a single goroutine; only the deferred Host.ScrollTo may run
// elsewhere, depending on the Scheduler.
type Controller struct {
	selector  string
	host      Host
	surface   Surface
	store     *cache.BoundedStore[Snapshot] // nil when no storage is available.
	freshness time.Duration
	scheduler Scheduler
	now       func() time.Time
	observers *observers
	enabled   bool
	// storageFailed is set once the store rejected a write; the controller then behaves as unsupported.
	storageFailed bool
}

// New creates a controller for the page currently shown by `opts.Host` and immediately restores the page from
// its snapshot if a fresh one exists, consuming it.
func New(opts Options) (*Controller, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid snapshot options: %w", err)
	}
	if opts.Host == nil {
		return nil, errors.New("expected a non-nil host")
	}
	surface, found := opts.Host.Surface(opts.ContentSelector)
	if !found {
		return nil, fmt.Errorf("%w: nothing matches selector '%s'", ErrSurfaceNotFound, opts.ContentSelector)
	}

	store := opts.Store
	if store == nil && opts.Backend != nil {
		var err error
		store, err = cache.NewBoundedStore[Snapshot](opts.Backend, Codec{},
			cache.StoreConfig{Namespace: opts.CacheNamespace, MaxItems: opts.MaxCacheItems})
		if err != nil {
			return nil, fmt.Errorf("failed to create snapshot store: %w", err)
		}
	}

	controller := &Controller{
		selector:  opts.ContentSelector,
		host:      opts.Host,
		surface:   surface,
		store:     store,
		freshness: opts.FreshnessWindow,
		scheduler: opts.Scheduler,
		now:       opts.Clock,
		observers: newObservers(),
		enabled:   true,
	}
	if controller.freshness == 0 {
		controller.freshness = DefaultFreshnessWindow
	}
	if controller.scheduler == nil {
		controller.scheduler = TimerScheduler{Delay: defaultScrollDelay}
	}
	if controller.now == nil {
		controller.now = time.Now
	}
	if opts.OnLoaded != nil {
		controller.On(EventLoaded, opts.OnLoaded)
	}
	if opts.OnCached != nil {
		controller.On(EventCached, opts.OnCached)
	}

	controller.LoadFromCache(nil /*noCache*/)
	return controller, nil
}

func (c *Controller) Enable() {
	c.enabled = true
}

// Disable turns every operation into a no-op without touching stored snapshots.
func (c *Controller) Disable() {
	c.enabled = false
}

// IsSupported reports whether snapshots can be cached and restored right now.
func (c *Controller) IsSupported() bool {
	return c.enabled && c.store != nil && !c.storageFailed && c.host.HistorySupported()
}

// SetItem stores `value` under `key`, subject to FIFO eviction.
func (c *Controller) SetItem(key string, value Snapshot) error {
	if c.store == nil {
		return ErrStorageUnavailable
	}
	return c.store.Set(key, value)
}

// GetItem returns the snapshot under `key` regardless of its age.
func (c *Controller) GetItem(key string) (Snapshot, bool /*found*/) {
	if c.store == nil {
		return Snapshot{}, false
	}
	return c.store.Get(key)
}

func (c *Controller) RemoveItem(key string) {
	if c.store != nil {
		c.store.Delete(key)
	}
}

// WillUseCacheOnThisPage reports whether a fresh snapshot exists for the current location. It doesn't consume it.
func (c *Controller) WillUseCacheOnThisPage() bool {
	_, fresh := c.freshSnapshot(c.host.Location())
	return fresh
}

// freshSnapshot returns the snapshot of `location` if the controller is supported and the snapshot is no older
// than the freshness window.
func (c *Controller) freshSnapshot(location string) (Snapshot, bool) {
	if !c.IsSupported() {
		return Snapshot{}, false
	}
	snap, found := c.store.Get(location)
	if !found || snap.Age(c.now()) > c.freshness {
		return Snapshot{}, false
	}
	return snap, true
}

// CachePage captures the current page and stores it under the current location, then emits EventCached and calls
// `callback` with the snapshot. When the controller is unsupported, or the store rejects the snapshot, nothing is
// stored and `callback` receives nil.
func (c *Controller) CachePage(callback func(*Snapshot)) {
	if !c.IsSupported() {
		if callback != nil {
			callback(nil)
		}
		return
	}

	x, y := c.host.ScrollOffset()
	snap := Snapshot{
		Body:      c.surface.Content(),
		Title:     c.host.Title(),
		PositionX: x,
		PositionY: y,
		CachedAt:  c.now().UTC().Truncate(time.Millisecond), // Stored with millisecond precision.
	}
	location := c.host.Location()
	if err := c.store.Set(location, snap); err != nil {
		c.storageFailed = true
		storageDegradations.Inc()
		slog.Warn("Failed to store page snapshot, disabling the page cache.",
			"location", location, "namespace", c.store.Namespace(), "error", err)
		if callback != nil {
			callback(nil)
		}
		return
	}
	snapshotsCached.Inc()
	slog.Debug("Cached page snapshot.", "location", location, "namespace", c.store.Namespace())

	c.trigger(EventCached, &snap)
	if callback != nil {
		callback(&snap)
	}
}

// LoadFromCache restores the current page from its fresh snapshot and returns true. The snapshot is deleted, so
// it is used exactly once; the scroll position is restored on the next turn of the scheduler. Without a fresh
// snapshot `noCache` is called and false is returned. Either way EventLoaded is emitted, with a nil Cache when
// nothing was restored.
func (c *Controller) LoadFromCache(noCache func()) bool /*restored*/ {
	location := c.host.Location()
	snap, fresh := c.freshSnapshot(location)
	if !fresh {
		if noCache != nil {
			noCache()
		}
		snapshotLoads.WithLabelValues("no_cache").Inc()
		c.trigger(EventLoaded, nil)
		return false
	}

	c.surface.SetContent(snap.Body)
	c.host.SetTitle(snap.Title)
	c.scheduler.Defer(func() { c.host.ScrollTo(snap.PositionX, snap.PositionY) })
	c.store.Delete(location)
	snapshotLoads.WithLabelValues("restored").Inc()
	slog.Debug("Restored page from snapshot.", "location", location, "age", snap.Age(c.now()))

	c.trigger(EventLoaded, &snap)
	return true
}

// On registers `listener` for `name` and returns an ID for Off. A nil listener is ignored and yields 0.
func (c *Controller) On(name EventName, listener Listener) ListenerID {
	if listener == nil {
		return 0
	}
	return c.observers.add(name.Scoped(), listener)
}

// Off removes a listener registered with On and reports whether it was registered.
func (c *Controller) Off(name EventName, id ListenerID) bool {
	return c.observers.remove(name.Scoped(), id)
}

// FreshnessWindow returns the maximum age of a restorable snapshot.
func (c *Controller) FreshnessWindow() time.Duration {
	return c.freshness
}

func (c *Controller) trigger(name EventName, snap *Snapshot) {
	c.observers.dispatch(Event{Type: name.Scoped(), Selector: c.selector, Cache: snap})
}
