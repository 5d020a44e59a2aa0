// Package cache keeps named, periodically refreshed copies of auxiliary data
// fetched from external services.
//
// Reads of an unexpired entry take no locks. An expired or empty entry is
// refreshed by exactly one goroutine while concurrent readers of the same key
// wait for that refresh; other keys are unaffected. A refresh either replaces
// the whole value or leaves the previous one in place.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
	"github.com/tjfontaine/provisioning-gateway/internal/core/ports"
	"github.com/tjfontaine/provisioning-gateway/internal/dotpath"
)

// DefaultTTL applies when a source declares no expiry.
const DefaultTTL = 5 * time.Minute

// LoadFunc fetches a fresh value for one entry.
type LoadFunc func(ctx context.Context) (map[string]any, error)

// Source declares one cache entry.
type Source struct {
	Name string
	TTL  time.Duration
	Load LoadFunc
	// Blocking entries return refresh errors. Non-blocking entries answer
	// with their previous value, or Fallback when there is none.
	Blocking bool
	Fallback map[string]any
}

// RefreshObserver is told about every completed refresh.
type RefreshObserver func(name string, err error, elapsed time.Duration)

type snapshot struct {
	value   map[string]any
	expires time.Time
}

type entry struct {
	src  Source
	snap atomic.Pointer[snapshot]
}

// Cache is safe for concurrent use. The set of entries is fixed at
// construction.
type Cache struct {
	entries  map[string]*entry
	group    singleflight.Group
	now      func() time.Time
	logger   *slog.Logger
	observer RefreshObserver
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithObserver registers a refresh observer (metrics).
func WithObserver(o RefreshObserver) Option {
	return func(c *Cache) { c.observer = o }
}

// New creates a cache over sources. Duplicate names are rejected.
func New(sources []Source, opts ...Option) (*Cache, error) {
	c := &Cache{
		entries: make(map[string]*entry, len(sources)),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, src := range sources {
		if src.Name == "" {
			return nil, fmt.Errorf("cache source requires a name")
		}
		if src.Load == nil {
			return nil, fmt.Errorf("cache %s: no loader", src.Name)
		}
		if _, dup := c.entries[src.Name]; dup {
			return nil, fmt.Errorf("cache %s: duplicate name", src.Name)
		}
		if src.TTL <= 0 {
			src.TTL = DefaultTTL
		}
		c.entries[src.Name] = &entry{src: src}
	}
	return c, nil
}

// Names lists the configured entries.
func (c *Cache) Names() []string {
	names := make([]string, 0, len(c.entries))
	for n := range c.entries {
		names = append(names, n)
	}
	return names
}

// Get returns a deep copy of the entry's value, refreshing it first when it
// is missing or expired.
func (c *Cache) Get(ctx context.Context, key string) (map[string]any, error) {
	e, ok := c.entries[key]
	if !ok {
		return nil, fmt.Errorf("unknown cache %q", key)
	}

	if s := e.snap.Load(); s != nil && c.now().Before(s.expires) {
		return dotpath.Copy(s.value), nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		return c.refresh(ctx, e)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return c.degrade(e, res.Err)
		}
		return dotpath.Copy(res.Val.(map[string]any)), nil
	}
}

// Lookup resolves "<name>.<dotted.path>" against the cache. A bare name
// returns the whole value.
func (c *Cache) Lookup(ctx context.Context, ref string) (any, error) {
	name, path, _ := strings.Cut(ref, ".")
	v, err := c.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return v, nil
	}
	out, ok := dotpath.Get(v, path)
	if !ok {
		return nil, fmt.Errorf("cache %s has no field %q", name, path)
	}
	return out, nil
}

// Invalidate expires every entry so the next Get refreshes it.
func (c *Cache) Invalidate() {
	for _, e := range c.entries {
		e.snap.Store(nil)
	}
}

// Close drops cached values.
func (c *Cache) Close() error {
	c.Invalidate()
	return nil
}

func (c *Cache) refresh(ctx context.Context, e *entry) (map[string]any, error) {
	// The refresh is shared, so one caller's cancellation must not fail
	// the others.
	ctx = context.WithoutCancel(ctx)

	// A caller that saw the expired snapshot may arrive after the previous
	// refresh finished.
	if s := e.snap.Load(); s != nil && c.now().Before(s.expires) {
		return s.value, nil
	}

	start := c.now()
	v, err := e.src.Load(ctx)
	if c.observer != nil {
		c.observer(e.src.Name, err, c.now().Sub(start))
	}
	if err != nil {
		return nil, err
	}
	if v == nil {
		v = map[string]any{}
	}
	e.snap.Store(&snapshot{value: v, expires: c.now().Add(e.src.TTL)})
	c.logger.Debug("cache refreshed", slog.String("cache", e.src.Name), slog.Duration("ttl", e.src.TTL))
	return v, nil
}

func (c *Cache) degrade(e *entry, err error) (map[string]any, error) {
	if e.src.Blocking {
		return nil, fmt.Errorf("cache %s: %w", e.src.Name, err)
	}
	c.logger.Warn("cache refresh failed, serving fallback",
		slog.String("cache", e.src.Name),
		slog.String("error", fmt.Errorf("%w: %w", domain.ErrFetchDegraded, err).Error()),
	)
	if s := e.snap.Load(); s != nil {
		return dotpath.Copy(s.value), nil
	}
	return dotpath.Copy(e.src.Fallback), nil
}

var _ ports.CacheReader = (*Cache)(nil)
