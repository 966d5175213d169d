// Package cache implements the time-boxed value cache shared by every
// enrichment source. Entries live in a database.Store under a namespace and
// are treated as absent once older than their TTL.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/franckalain/plantdex/internal/database"
	"github.com/franckalain/plantdex/internal/logging"
)

// Namespaces used by the service. They share one physical store.
const (
	NamespaceNutrition      = "nutrition"
	NamespaceVideos         = "videos"
	NamespaceThumbnails     = "thumbnails"
	NamespaceIdentification = "identification"
)

// Write outcomes reported to the Observer.
const (
	WriteOK        = "ok"
	WriteRecovered = "recovered"
	WriteDropped   = "dropped"
)

// Observer receives cache events. Implementations must be safe for concurrent use.
type Observer interface {
	CacheLookup(namespace string, hit bool)
	CacheWrite(namespace, outcome string)
}

// Entry is the serialised form of a cached value.
type Entry[T any] struct {
	Key      string        `json:"key"`
	Value    T             `json:"value"`
	StoredAt time.Time     `json:"stored_at"`
	TTL      time.Duration `json:"ttl"`
}

// Expired reports whether the entry is logically absent at now.
func (e Entry[T]) Expired(now time.Time) bool {
	return now.Sub(e.StoredAt) > e.TTL
}

// TTL is a namespaced, TTL-bounded cache of T values.
type TTL[T any] struct {
	store     database.Store
	namespace string
	now       func() time.Time
	logger    *slog.Logger
	observer  Observer
}

// Option configures a TTL cache.
type Option func(*options)

type options struct {
	now      func() time.Time
	logger   *slog.Logger
	observer Observer
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger used for best-effort failures.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithObserver registers an observer for hits, misses and writes.
func WithObserver(observer Observer) Option {
	return func(o *options) { o.observer = observer }
}

// New creates a cache for namespace on top of store.
func New[T any](store database.Store, namespace string, opts ...Option) *TTL[T] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.Discard()
	}

	return &TTL[T]{
		store:     store,
		namespace: namespace,
		now:       o.now,
		logger:    o.logger.With("component", "cache", "namespace", namespace),
		observer:  o.observer,
	}
}

// Namespace returns the namespace the cache writes under.
func (c *TTL[T]) Namespace() string {
	return c.namespace
}

// Get returns the value stored under key if it has not expired.
// Expired and unreadable entries are deleted and reported as absent.
func (c *TTL[T]) Get(ctx context.Context, key string) (T, bool) {
	var zero T
	if key == "" {
		return zero, false
	}

	raw, err := c.store.Get(ctx, c.namespace, key)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			c.logger.Warn("cache read failed", "key", key, "error", err)
		}
		c.observeLookup(false)
		return zero, false
	}

	var entry Entry[T]
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Warn("discarding unreadable cache entry", "key", key, "error", err)
		c.evict(ctx, key)
		c.observeLookup(false)
		return zero, false
	}

	if entry.Expired(c.now()) {
		c.logger.Debug("cache entry expired", "key", key, "stored_at", entry.StoredAt, "ttl", entry.TTL)
		c.evict(ctx, key)
		c.observeLookup(false)
		return zero, false
	}

	c.observeLookup(true)
	return entry.Value, true
}

// Set stores value under key for ttl. Writes are best-effort: a full store is
// cleared and the write retried once, and any remaining failure is dropped.
func (c *TTL[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) {
	if key == "" || ttl <= 0 {
		return
	}

	raw, err := json.Marshal(Entry[T]{
		Key:      key,
		Value:    value,
		StoredAt: c.now(),
		TTL:      ttl,
	})
	if err != nil {
		c.logger.Warn("cache entry not serialisable", "key", key, "error", err)
		c.observeWrite(WriteDropped)
		return
	}

	recovered, err := database.PutWithRecovery(ctx, c.store, c.namespace, key, raw)
	switch {
	case err != nil:
		c.logger.Warn("cache write dropped", "key", key, "recovered", recovered, "error", err)
		c.observeWrite(WriteDropped)
	case recovered:
		c.logger.Warn("store was full; cleared and rewrote entry", "key", key)
		c.observeWrite(WriteRecovered)
	default:
		c.observeWrite(WriteOK)
	}
}

// Delete removes key.
func (c *TTL[T]) Delete(ctx context.Context, key string) {
	c.evict(ctx, key)
}

func (c *TTL[T]) evict(ctx context.Context, key string) {
	if err := c.store.Delete(ctx, c.namespace, key); err != nil {
		c.logger.Debug("cache eviction failed", "key", key, "error", err)
	}
}

func (c *TTL[T]) observeLookup(hit bool) {
	if c.observer != nil {
		c.observer.CacheLookup(c.namespace, hit)
	}
}

func (c *TTL[T]) observeWrite(outcome string) {
	if c.observer != nil {
		c.observer.CacheWrite(c.namespace, outcome)
	}
}
