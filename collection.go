package gpucache

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/ankur-anand/gpucache/config"
	"github.com/ankur-anand/gpucache/memcache"
	"github.com/dustin/go-humanize"
)

// Collection owns one Cache per Handle. The memory tiers of its caches share
// a single byte budget.
type Collection struct {
	memorySize int64
	asyncOpts  AsyncDiskWriteOpts
	opts       CollectionOptions
	budget     *memcache.Budget
	log        *slog.Logger

	mu     sync.Mutex
	caches map[Handle]*Cache
}

// NewCollection creates an empty collection. A maxInMemoryCacheSize of zero
// or less disables the memory tiers unless opts.MemoryCache is set.
func NewCollection(maxInMemoryCacheSize int64, asyncOpts AsyncDiskWriteOpts, opts CollectionOptions) *Collection {
	logger := cmp.Or(opts.Logger, slog.Default())
	logger.Debug("gpucache: collection created",
		"memory_budget", humanize.Bytes(uint64(max(maxInMemoryCacheSize, 0))),
		"async", asyncOpts.TaskRunner != nil)
	return &Collection{
		memorySize: maxInMemoryCacheSize,
		asyncOpts:  asyncOpts,
		opts:       opts,
		budget:     memcache.NewBudget(maxInMemoryCacheSize),
		log:        logger,
		caches:     make(map[Handle]*Cache),
	}
}

// NewCollectionFromConfig builds a collection from cfg. runner may be nil for
// synchronous writes.
func NewCollectionFromConfig(cfg config.CollectionConfig, runner TaskRunner, opts CollectionOptions) *Collection {
	opts.MaxInMemoryItemSize = cmp.Or(opts.MaxInMemoryItemSize, cfg.MaxInMemoryItemSize)
	if opts.Limits == nil && cfg.Limits != (config.EntryLimits{}) {
		limits := cfg.Limits
		opts.Limits = &limits
	}
	return NewCollection(cfg.MaxInMemoryCacheSize, AsyncDiskWriteOptsFromConfig(cfg.AsyncWrite, runner), opts)
}

type cacheCandidate[T any] struct {
	enabled bool
	build   func() T
}

func chooseCache[T any](candidates ...cacheCandidate[T]) T {
	for _, candidate := range candidates {
		if candidate.enabled {
			return candidate.build()
		}
	}

	var zero T
	return zero
}

func (c *Collection) newMemoryCache(h Handle) memcache.Cache {
	return chooseCache(
		cacheCandidate[memcache.Cache]{
			enabled: c.opts.MemoryCache != nil,
			build: func() memcache.Cache {
				return c.opts.MemoryCache(h, c.budget)
			},
		},
		cacheCandidate[memcache.Cache]{
			enabled: c.memorySize > 0,
			build: func() memcache.Cache {
				return memcache.NewLRUWithBudget(c.budget, c.opts.MaxInMemoryItemSize)
			},
		},
		cacheCandidate[memcache.Cache]{
			enabled: true,
			build:   memcache.NewNoop,
		},
	)
}

// GetCache returns the cache for h, creating it on first use. Later calls
// return the same *Cache until RemoveCache.
func (c *Collection) GetCache(h Handle) *Cache {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cache, ok := c.caches[h]; ok {
		return cache
	}

	if !h.Valid() {
		c.log.Warn("gpucache: cache requested for invalid handle",
			"handle", h.String(), "prefix", h.Prefix())
	}
	limits := h.defaultLimits()
	if c.opts.Limits != nil {
		limits = *c.opts.Limits
	}
	cache := NewCache(h.Prefix(), c.newMemoryCache(h), CacheOptions{
		AsyncWrite:      c.asyncOpts,
		Limits:          limits,
		MaxPreInitBytes: c.opts.MaxPreInitBytes,
		Recorder:        c.opts.Recorder,
		Metrics:         c.opts.Metrics,
		Logger:          c.log.With("handle", h.String()),
	})
	c.caches[h] = cache
	return cache
}

// RemoveCache forgets the cache for h. Holders of the cache may keep using
// it; the next GetCache creates a new one.
func (c *Collection) RemoveCache(h Handle) *Cache {
	c.mu.Lock()
	defer c.mu.Unlock()
	cache, ok := c.caches[h]
	if !ok {
		return nil
	}
	delete(c.caches, h)
	return cache
}

// snapshot returns the caches ordered by handle.
func (c *Collection) snapshot() ([]Handle, []*Cache) {
	c.mu.Lock()
	defer c.mu.Unlock()
	handles := slices.SortedFunc(maps.Keys(c.caches), compareHandles)
	caches := make([]*Cache, len(handles))
	for i, h := range handles {
		caches[i] = c.caches[h]
	}
	return handles, caches
}

func compareHandles(a, b Handle) int {
	if a.Type != b.Type {
		return cmp.Compare(a.Type, b.Type)
	}
	return cmp.Compare(a.ID, b.ID)
}

func (c *Collection) PurgeMemory(level PressureLevel) {
	_, caches := c.snapshot()
	for _, cache := range caches {
		cache.PurgeMemory(level)
	}
}

// MemoryDumpName is the allocator dump name used for the cache of h.
func MemoryDumpName(h Handle, cache *Cache) string {
	return fmt.Sprintf("gpu/persistent_cache/%s/%d/0x%s", h.Type, h.ID, cache.ID())
}

const collectionDumpName = "gpu/persistent_cache"

func (c *Collection) OnMemoryDump(args MemoryDumpArgs, pmd *ProcessMemoryDump) bool {
	handles, caches := c.snapshot()
	for i, cache := range caches {
		cache.OnMemoryDump(MemoryDumpName(handles[i], cache), pmd)
	}

	total := pmd.CreateAllocatorDump(collectionDumpName)
	total.AddScalar("size", UnitsBytes, uint64(max(c.budget.Used(), 0)))
	total.AddScalar("cache_count", UnitsObjects, uint64(len(caches)))
	if args.LevelOfDetail == DumpDetailed {
		total.AddScalar("limit", UnitsBytes, uint64(max(c.budget.Limit(), 0)))
	}
	return true
}

// MemoryUsed is the combined size of the memory tiers.
func (c *Collection) MemoryUsed() int64 {
	return c.budget.Used()
}

// Close flushes and closes every cache and forgets them.
func (c *Collection) Close() error {
	c.mu.Lock()
	caches := c.caches
	c.caches = make(map[Handle]*Cache)
	c.mu.Unlock()

	var errs []error
	for h, cache := range caches {
		if err := cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache %s: %w", h, err))
		}
	}
	return errors.Join(errs...)
}
