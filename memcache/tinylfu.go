package memcache

import (
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/ristretto/v2"
)

const avgEntrySize = 4 << 10

type tinyEntry struct {
	key  string
	data []byte
}

// TinyLFU is a ristretto backed Cache. Admission is probabilistic, so a Put
// may be rejected even when there is room; callers that need every stored
// entry to be readable should use LRU.
type TinyLFU struct {
	cache   *ristretto.Cache[string, *tinyEntry]
	maxCost int64

	mu      sync.Mutex
	entries map[string]*tinyEntry
	size    int64

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

var _ Cache = (*TinyLFU)(nil)

func NewTinyLFU(maxBytes int64) (*TinyLFU, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxSize
	}
	c := &TinyLFU{
		maxCost: maxBytes,
		entries: make(map[string]*tinyEntry),
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, *tinyEntry]{
		NumCounters:        tinyLFUCounters(maxBytes),
		MaxCost:            maxBytes,
		BufferItems:        64,
		IgnoreInternalCost: true,
		OnEvict: func(item *ristretto.Item[*tinyEntry]) {
			if c.forget(item.Value) {
				c.evictions.Add(1)
			}
		},
		OnReject: func(item *ristretto.Item[*tinyEntry]) {
			c.forget(item.Value)
		},
	})
	if err != nil {
		return nil, err
	}
	c.cache = cache
	return c, nil
}

func tinyLFUCounters(maxCost int64) int64 {
	entries := maxCost / avgEntrySize
	if entries < 1 {
		entries = 1
	}
	counters := entries * 10
	if counters < 1024 {
		counters = 1024
	}
	return counters
}

func (c *TinyLFU) Get(key string) ([]byte, bool) {
	e, ok := c.cache.Get(key)
	if !ok || e == nil {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return append([]byte(nil), e.data...), true
}

func (c *TinyLFU) Put(key string, value []byte) bool {
	cost := int64(len(value))
	if cost > c.maxCost {
		c.Remove(key)
		return false
	}
	e := &tinyEntry{key: key, data: append([]byte(nil), value...)}

	c.mu.Lock()
	if old, ok := c.entries[key]; ok {
		c.size -= int64(len(old.data))
	}
	c.entries[key] = e
	c.size += cost
	c.mu.Unlock()

	// Callbacks take c.mu, so it must not be held across Set and Wait.
	if !c.cache.Set(key, e, cost) {
		c.forget(e)
		c.cache.Del(key)
		return false
	}
	c.cache.Wait()
	return true
}

func (c *TinyLFU) Remove(key string) {
	c.mu.Lock()
	if old, ok := c.entries[key]; ok {
		c.size -= int64(len(old.data))
		delete(c.entries, key)
	}
	c.mu.Unlock()
	c.cache.Del(key)
}

// Trim clears the cache when it holds more than target bytes; ristretto
// cannot evict on demand.
func (c *TinyLFU) Trim(target int64) {
	c.mu.Lock()
	over := c.size > target
	c.mu.Unlock()
	if over {
		c.Clear()
	}
}

func (c *TinyLFU) Clear() {
	c.cache.Clear()
	c.mu.Lock()
	c.entries = make(map[string]*tinyEntry)
	c.size = 0
	c.mu.Unlock()
}

func (c *TinyLFU) Range(fn func(key string, value []byte) bool) {
	c.mu.Lock()
	entries := make([]*tinyEntry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	for _, e := range entries {
		if !fn(e.key, e.data) {
			return
		}
	}
}

func (c *TinyLFU) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Evictions:  c.evictions.Load(),
		Size:       c.size,
		MaxSize:    c.maxCost,
		EntryCount: len(c.entries),
	}
}

func (c *TinyLFU) Close() error {
	c.cache.Close()
	return nil
}

func (c *TinyLFU) forget(e *tinyEntry) bool {
	if e == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[e.key]; ok && cur == e {
		delete(c.entries, e.key)
		c.size -= int64(len(e.data))
		return true
	}
	return false
}
