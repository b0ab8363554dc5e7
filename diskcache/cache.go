// Package diskcache keeps one file per cache entry in a directory bounded by
// total size.
package diskcache

// Cache is a generic diskcache interface.
type Cache interface {
	Get(key string) ([]byte, bool)
	// GetInto reads the entry into a buffer obtained from alloc, which is
	// called with the entry size and may return nil to decline.
	GetInto(key string, alloc func(size int) []byte) ([]byte, bool, error)
	Set(key string, data []byte) error
	Remove(key string)
	Clear() error
	Stats() Stats
	// Close releases the cache; entries stay on disk.
	Close() error
}

type Stats struct {
	Hits       int64
	Misses     int64
	Size       int64
	MaxSize    int64
	EntryCount int
}
