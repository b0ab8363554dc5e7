package gpucache

import (
	"bytes"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ankur-anand/gpucache/persistent"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"
)

// WriteActivity is told when a disk write starts and ends. Shutdown code uses
// it to wait for in-flight writes.
type WriteActivity interface {
	Increment()
	Decrement()
}

// WriteCounter is a WriteActivity backed by an atomic counter.
type WriteCounter struct {
	n atomic.Int64
}

func (c *WriteCounter) Increment() { c.n.Add(1) }

func (c *WriteCounter) Decrement() { c.n.Add(-1) }

// Active reports the number of writes in progress.
func (c *WriteCounter) Active() int64 { return c.n.Load() }

type pendingWrite struct {
	value []byte
}

// diskCache is the initialized disk tier of a Cache. It is published once and
// never replaced.
type diskCache struct {
	prefix   string
	store    persistent.Store
	opts     AsyncDiskWriteOpts
	activity WriteActivity
	metrics  *CacheMetrics
	log      *slog.Logger
	now      func() time.Time

	loads singleflight.Group

	// copying is set while entries held in memory before initialization
	// are written out. Writes during that window go through copyMu so a
	// newer value for a key is never overwritten by the copy.
	copying atomic.Bool
	copyMu  sync.Mutex
	touched map[string]struct{}

	// flushMu orders batches so an older value never lands after a newer one.
	flushMu sync.Mutex

	mu             sync.Mutex
	pending        map[string]*pendingWrite
	pendingBytes   int64
	flushScheduled bool
	lastStore      time.Time

	writes       atomic.Int64
	writeErrors  atomic.Int64
	readErrors   atomic.Int64
	bytesWritten atomic.Int64
	flushes      atomic.Int64
}

func newDiskCache(c *Cache, store persistent.Store, activity WriteActivity) *diskCache {
	d := &diskCache{
		prefix:   c.prefix,
		store:    store,
		opts:     c.opts.AsyncWrite,
		activity: activity,
		metrics:  c.metrics,
		log:      c.log,
		now:      c.now,
		pending:  make(map[string]*pendingWrite),
		touched:  make(map[string]struct{}),
	}
	d.copying.Store(true)
	return d
}

func (d *diskCache) async() bool {
	return d.opts.TaskRunner != nil
}

// load returns a private copy of the value for key, looking at queued
// writes before the store.
func (d *diskCache) load(key string) ([]byte, bool) {
	d.mu.Lock()
	if w, ok := d.pending[key]; ok {
		v := bytes.Clone(w.value)
		d.mu.Unlock()
		return v, true
	}
	d.mu.Unlock()

	v, err, shared := d.loads.Do(key, func() (any, error) {
		return d.store.Load([]byte(key), persistent.AllocBuffer)
	})
	if err != nil {
		if !errors.Is(err, persistent.ErrNotFound) {
			d.readErrors.Add(1)
			d.metrics.ObserveDiskReadError(d.prefix)
			d.log.Warn("gpucache: disk load failed", "error", err)
		}
		return nil, false
	}
	value := v.([]byte)
	if shared {
		value = bytes.Clone(value)
	}
	return value, true
}

func (d *diskCache) storeEntry(key string, value []byte) {
	if !d.async() {
		d.write(key, value)
		return
	}

	v := bytes.Clone(value)
	d.mu.Lock()
	if old, ok := d.pending[key]; ok {
		d.pendingBytes -= int64(len(old.value))
	}
	d.pending[key] = &pendingWrite{value: v}
	d.pendingBytes += int64(len(v))
	d.lastStore = d.now()
	schedule := !d.flushScheduled
	d.flushScheduled = true
	d.mu.Unlock()

	if !schedule {
		return
	}
	if !d.opts.TaskRunner.PostDelayedTask(d.onFlushTimer, d.opts.InitialDelay) {
		d.mu.Lock()
		d.flushScheduled = false
		d.mu.Unlock()
		d.flush()
	}
}

// onFlushTimer writes the queued entries unless the cache is still busy and
// the queue is within its byte limit, in which case it tries again later.
func (d *diskCache) onFlushTimer() {
	d.mu.Lock()
	busy := d.pendingBytes <= d.opts.MaxPendingBytesToWrite &&
		d.now().Sub(d.lastStore) < d.opts.IdleDelay
	if !busy {
		d.flushScheduled = false
	}
	d.mu.Unlock()

	if busy {
		if d.opts.TaskRunner.PostDelayedTask(d.onFlushTimer, d.opts.IdleDelay) {
			return
		}
		d.mu.Lock()
		d.flushScheduled = false
		d.mu.Unlock()
	}
	d.flush()
}

type queuedWrite struct {
	key string
	w   *pendingWrite
}

func (d *diskCache) flush() {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()

	d.mu.Lock()
	if len(d.pending) == 0 {
		d.mu.Unlock()
		return
	}
	batch := make([]queuedWrite, 0, len(d.pending))
	var size int64
	for k, w := range d.pending {
		batch = append(batch, queuedWrite{key: k, w: w})
		size += int64(len(w.value))
	}
	d.mu.Unlock()

	for _, q := range batch {
		d.write(q.key, q.w.value)
		d.mu.Lock()
		// Entries stay visible to loads until they are on disk.
		if d.pending[q.key] == q.w {
			delete(d.pending, q.key)
			d.pendingBytes -= int64(len(q.w.value))
		}
		d.mu.Unlock()
	}

	d.flushes.Add(1)
	d.metrics.ObserveFlush(d.prefix)
	d.log.Debug("gpucache: flushed pending writes",
		"entries", len(batch),
		"size", humanize.Bytes(uint64(size)))
}

func (d *diskCache) write(key string, value []byte) {
	if d.copying.Load() {
		d.copyMu.Lock()
		defer d.copyMu.Unlock()
		if d.touched != nil {
			d.touched[key] = struct{}{}
		}
	}
	d.writeStore(key, value)
}

func (d *diskCache) writeStore(key string, value []byte) {
	if d.activity != nil {
		d.activity.Increment()
		defer d.activity.Decrement()
	}

	start := time.Now()
	err := d.store.Store([]byte(key), value)
	d.metrics.ObserveDiskWrite(d.prefix, len(value), time.Since(start), err)
	d.writes.Add(1)
	if err != nil {
		d.writeErrors.Add(1)
		d.log.Warn("gpucache: disk write failed",
			"size", humanize.Bytes(uint64(len(value))),
			"error", err)
		return
	}
	d.bytesWritten.Add(int64(len(value)))
}

// copyFrom writes every entry yielded by rangeFn that has not been stored again
// since the disk tier was published.
func (d *diskCache) copyFrom(rangeFn func(fn func(key string, value []byte) bool)) (int, int64) {
	var (
		count int
		size  int64
	)
	rangeFn(func(key string, value []byte) bool {
		d.copyMu.Lock()
		if _, ok := d.touched[key]; !ok {
			d.writeStore(key, value)
			count++
			size += int64(len(value))
		}
		d.copyMu.Unlock()
		return true
	})

	d.copyMu.Lock()
	d.copying.Store(false)
	d.touched = nil
	d.copyMu.Unlock()
	return count, size
}

func (d *diskCache) pendingStats() (int64, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pendingBytes, len(d.pending)
}

func (d *diskCache) close() error {
	d.flush()
	return d.store.Close()
}
