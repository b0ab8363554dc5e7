// Package memcache provides the bounded in-memory tier of the GPU cache.
package memcache

// DefaultMaxSize is used when a cache is created without an explicit bound.
const DefaultMaxSize = 64 * 1024 * 1024

// Cache is a bounded key to bytes store. Implementations must be safe for
// concurrent use and must never return bytes that mix two stored values.
type Cache interface {
	Get(key string) ([]byte, bool)
	// Put stores a private copy of value. It reports whether the entry was
	// admitted; a rejected Put also drops any previous value for key.
	Put(key string, value []byte) bool
	Remove(key string)
	// Trim evicts entries until at most target bytes remain.
	Trim(target int64)
	Clear()
	// Range calls fn for a snapshot of the resident entries. fn must not
	// modify value.
	Range(fn func(key string, value []byte) bool)
	Stats() Stats
}

type Stats struct {
	Hits       int64
	Misses     int64
	Evictions  int64
	Size       int64
	MaxSize    int64
	EntryCount int
}

type noopCache struct{}

// NewNoop returns a Cache that stores nothing.
func NewNoop() Cache {
	return noopCache{}
}

func (noopCache) Get(string) ([]byte, bool) { return nil, false }

func (noopCache) Put(string, []byte) bool { return false }

func (noopCache) Remove(string) {}

func (noopCache) Trim(int64) {}

func (noopCache) Clear() {}

func (noopCache) Range(func(string, []byte) bool) {}

func (noopCache) Stats() Stats { return Stats{} }
