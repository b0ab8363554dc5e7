package gpucache

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ankur-anand/gpucache/config"
	"github.com/ankur-anand/gpucache/memcache"
	"github.com/ankur-anand/gpucache/persistent"
	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/segmentio/ksuid"
)

var ErrNoBackend = errors.New("gpucache: no persistent backend")

const storeStripes = 64

// storeStripe orders stores against disk backfills for the keys hashing to
// it. gen changes on every store.
type storeStripe struct {
	mu  sync.Mutex
	gen uint64
}

// Cache is a two tier key/value cache for compiled GPU programs. Entries live
// in a bounded memory tier and, once InitializeCache has run, in a persistent
// store. All methods are safe for concurrent use.
type Cache struct {
	prefix   string
	id       ksuid.KSUID
	mem      memcache.Cache
	opts     CacheOptions
	recorder OutcomeRecorder
	metrics  *CacheMetrics
	log      *slog.Logger
	now      func() time.Time

	loadCount  atomic.Uint64
	storeCount atomic.Uint64

	stripes [storeStripes]storeStripe

	// preInit holds entries the memory tier refused before the disk tier
	// existed. InitializeCache drains it.
	preMu    sync.Mutex
	preInit  map[string][]byte
	preBytes int64

	initStarted atomic.Bool
	disk        atomic.Pointer[diskCache]
	closed      atomic.Bool
}

// NewCache returns a cache whose memory tier is mem. A nil mem gets an LRU of
// memcache.DefaultMaxSize bytes.
func NewCache(prefix string, mem memcache.Cache, opts CacheOptions) *Cache {
	if mem == nil {
		mem = memcache.NewLRU(memcache.DefaultMaxSize)
	}
	defaults := config.DefaultEntryLimits()
	opts.Limits.MaxKeySize = cmp.Or(opts.Limits.MaxKeySize, defaults.MaxKeySize)
	opts.Limits.MaxValueSize = cmp.Or(opts.Limits.MaxValueSize, defaults.MaxValueSize)
	opts.AsyncWrite.MaxPendingBytesToWrite = cmp.Or(opts.AsyncWrite.MaxPendingBytesToWrite, math.MaxInt64)
	opts.MaxPreInitBytes = cmp.Or(opts.MaxPreInitBytes, DefaultMaxPreInitBytes)

	id := ksuid.New()
	logger := cmp.Or(opts.Logger, slog.Default()).With("cache", prefix, "id", id.String())
	return &Cache{
		prefix:   prefix,
		id:       id,
		mem:      mem,
		opts:     opts,
		recorder: opts.Recorder,
		metrics:  opts.Metrics,
		log:      logger,
		now:      time.Now,
	}
}

func (c *Cache) Prefix() string { return c.prefix }

// ID is unique per Cache instance.
func (c *Cache) ID() ksuid.KSUID { return c.id }

// InitializeCache opens the persistent store and copies the entries already
// held in memory into it. It must succeed at most once; calling it again after
// a successful call panics. activity may be nil.
func (c *Cache) InitializeCache(ctx context.Context, pending persistent.PendingBackend, activity WriteActivity) error {
	if !c.initStarted.CompareAndSwap(false, true) {
		panic("gpucache: InitializeCache called more than once")
	}
	if pending == nil {
		c.initStarted.Store(false)
		return ErrNoBackend
	}

	store, err := pending.Open(ctx)
	if err != nil {
		c.initStarted.Store(false)
		c.log.Error("gpucache: open persistent store failed", "error", err)
		return fmt.Errorf("gpucache: open persistent store: %w", err)
	}

	dc := newDiskCache(c, store, activity)
	c.disk.Store(dc)

	start := time.Now()
	c.preMu.Lock()
	held := maps.Clone(c.preInit)
	c.preMu.Unlock()

	count, size := dc.copyFrom(func(fn func(key string, value []byte) bool) {
		keepGoing := true
		c.mem.Range(func(key string, value []byte) bool {
			keepGoing = fn(key, value)
			return keepGoing
		})
		for k, v := range held {
			if !keepGoing || !fn(k, v) {
				return
			}
		}
	})

	c.preMu.Lock()
	c.preInit = nil
	c.preBytes = 0
	c.preMu.Unlock()

	c.log.Info("gpucache: persistent store initialized",
		"copied_entries", count,
		"held_entries", len(held),
		"copied_size", humanize.Bytes(uint64(size)),
		"async", dc.async(),
		"took", time.Since(start))
	return nil
}

// Initialized reports whether the disk tier is available.
func (c *Cache) Initialized() bool {
	return c.disk.Load() != nil
}

// Load returns a copy of the value stored for key.
func (c *Cache) Load(key []byte) ([]byte, bool) {
	out := c.load(key, nil)
	return out.value, out.result.IsHit()
}

type loadOutcome struct {
	// value is nil when the provider declined the buffer.
	value  []byte
	size   int
	result LoadResult
}

// load looks key up and hands the value to provide. A nil provide returns
// the cache's own copy.
func (c *Cache) load(key []byte, provide persistent.BufferProvider) loadOutcome {
	c.loadCount.Add(1)
	value, result := c.lookup(key)
	if c.recorder != nil {
		c.recorder.Record(c.prefix, result)
	}
	c.metrics.Record(c.prefix, result)

	out := loadOutcome{size: len(value), result: result}
	if !result.IsHit() {
		return out
	}
	if provide == nil {
		out.value = value
		return out
	}
	buf := provide(len(value))
	if len(buf) < len(value) {
		return out
	}
	out.value = buf[:copy(buf, value)]
	return out
}

func (c *Cache) lookup(key []byte) ([]byte, LoadResult) {
	dc := c.disk.Load()
	if dc == nil || c.closed.Load() {
		dc = nil
	}
	miss := LoadMiss
	if dc == nil {
		miss = LoadMissNoDiskCache
	}
	if len(key) == 0 {
		return nil, miss
	}

	k := string(key)
	s := c.stripe(k)
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	if v, ok := c.mem.Get(k); ok {
		return v, LoadHitMemory
	}
	if v, ok := c.heldValue(k); ok {
		return v, LoadHitMemory
	}
	if dc == nil {
		return nil, miss
	}
	v, ok := dc.load(k)
	if !ok {
		return nil, LoadMiss
	}

	// A store that ran during the read already placed a newer value.
	s.mu.Lock()
	if s.gen == gen {
		c.mem.Put(k, v)
	}
	s.mu.Unlock()
	return v, LoadHitDisk
}

func (c *Cache) stripe(key string) *storeStripe {
	return &c.stripes[xxhash.Sum64String(key)%storeStripes]
}

func (c *Cache) heldValue(key string) ([]byte, bool) {
	c.preMu.Lock()
	defer c.preMu.Unlock()
	v, ok := c.preInit[key]
	if !ok {
		return nil, false
	}
	return bytes.Clone(v), true
}

// hold keeps an entry the memory tier refused until InitializeCache copies
// it to disk. It returns the disk tier when one exists, in which case nothing
// is held.
func (c *Cache) hold(key string, value []byte, admitted bool) *diskCache {
	c.preMu.Lock()
	defer c.preMu.Unlock()
	if old, ok := c.preInit[key]; ok {
		delete(c.preInit, key)
		c.preBytes -= int64(len(old))
	}
	if dc := c.disk.Load(); dc != nil {
		return dc
	}
	if admitted {
		return nil
	}
	if c.preBytes+int64(len(value)) > c.opts.MaxPreInitBytes {
		c.log.Warn("gpucache: dropping entry stored before initialization",
			"value_size", humanize.Bytes(uint64(len(value))),
			"held_size", humanize.Bytes(uint64(c.preBytes)))
		return nil
	}
	if c.preInit == nil {
		c.preInit = make(map[string][]byte)
	}
	c.preInit[key] = bytes.Clone(value)
	c.preBytes += int64(len(value))
	return nil
}

// Store saves value for key in memory and, once initialized, on disk. Empty
// and oversized entries are dropped. Failures are logged, never returned.
func (c *Cache) Store(key, value []byte) {
	c.storeCount.Add(1)
	if !c.acceptable(key, value) {
		c.metrics.ObserveStore(c.prefix, false)
		c.log.Debug("gpucache: store rejected",
			"key_size", len(key),
			"value_size", humanize.Bytes(uint64(len(value))))
		return
	}
	c.metrics.ObserveStore(c.prefix, true)

	k := string(key)
	s := c.stripe(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	admitted := c.mem.Put(k, value)
	if c.closed.Load() {
		return
	}
	if dc := c.hold(k, value, admitted); dc != nil {
		dc.storeEntry(k, value)
	}
}

func (c *Cache) acceptable(key, value []byte) bool {
	if len(key) == 0 || len(value) == 0 {
		return false
	}
	return len(key) <= c.opts.Limits.MaxKeySize &&
		int64(len(value)) <= c.opts.Limits.MaxValueSize
}

// Flush writes queued entries to the persistent store before returning.
func (c *Cache) Flush() {
	if dc := c.disk.Load(); dc != nil {
		dc.flush()
	}
}

// PurgeMemory shrinks the memory tier. The persistent store is untouched.
func (c *Cache) PurgeMemory(level PressureLevel) {
	switch level {
	case PressureModerate:
		c.mem.Trim(c.mem.Stats().Size / 2)
	case PressureCritical:
		c.mem.Clear()
	default:
		return
	}
	c.log.Debug("gpucache: purged memory", "level", level.String())
}

// OnMemoryDump reports the memory tier under name. It does no disk I/O.
func (c *Cache) OnMemoryDump(name string, pmd *ProcessMemoryDump) {
	st := c.mem.Stats()
	d := pmd.CreateAllocatorDump(name)
	d.AddScalar("size", UnitsBytes, uint64(st.Size))
	d.AddScalar("object_count", UnitsObjects, uint64(st.EntryCount))
	d.AddScalar("load_count", UnitsObjects, c.loadCount.Load())
	d.AddScalar("store_count", UnitsObjects, c.storeCount.Load())
	if pmd.Args.LevelOfDetail != DumpDetailed {
		return
	}
	d.AddScalar("max_size", UnitsBytes, uint64(st.MaxSize))
	d.AddScalar("hits", UnitsObjects, uint64(st.Hits))
	d.AddScalar("misses", UnitsObjects, uint64(st.Misses))
	d.AddScalar("evictions", UnitsObjects, uint64(st.Evictions))
	if dc := c.disk.Load(); dc != nil {
		pendingBytes, _ := dc.pendingStats()
		d.AddScalar("pending_write_size", UnitsBytes, uint64(pendingBytes))
	}
}

type CacheStats struct {
	Prefix          string
	LoadCount       uint64
	StoreCount      uint64
	Initialized     bool
	PendingBytes    int64
	PendingEntries  int
	HeldEntries     int
	HeldBytes       int64
	DiskWrites      int64
	DiskWriteErrors int64
	DiskReadErrors  int64
	BytesWritten    int64
	Flushes         int64
	Memory          memcache.Stats
}

func (c *Cache) Stats() CacheStats {
	st := CacheStats{
		Prefix:     c.prefix,
		LoadCount:  c.loadCount.Load(),
		StoreCount: c.storeCount.Load(),
		Memory:     c.mem.Stats(),
	}
	c.preMu.Lock()
	st.HeldEntries, st.HeldBytes = len(c.preInit), c.preBytes
	c.preMu.Unlock()
	if dc := c.disk.Load(); dc != nil {
		st.Initialized = true
		st.PendingBytes, st.PendingEntries = dc.pendingStats()
		st.DiskWrites = dc.writes.Load()
		st.DiskWriteErrors = dc.writeErrors.Load()
		st.DiskReadErrors = dc.readErrors.Load()
		st.BytesWritten = dc.bytesWritten.Load()
		st.Flushes = dc.flushes.Load()
	}
	return st
}

// Close flushes queued writes and closes the persistent store and the memory
// tier. Later calls no longer reach the persistent store.
func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if dc := c.disk.Load(); dc != nil {
		if err := dc.close(); err != nil {
			errs = append(errs, fmt.Errorf("close persistent store: %w", err))
		}
	}
	if closer, ok := c.mem.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close memory tier: %w", err))
		}
	}
	return errors.Join(errs...)
}
