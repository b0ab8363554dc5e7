package gpucache

// SkiaPersistentCache exposes a Cache to Skia's persistent cache hooks.
type SkiaPersistentCache struct {
	cache *Cache
}

func NewSkiaPersistentCache(c *Cache) SkiaPersistentCache {
	return SkiaPersistentCache{cache: c}
}

// Load returns nil on a miss.
func (s SkiaPersistentCache) Load(key []byte) []byte {
	v, ok := s.cache.Load(key)
	if !ok {
		return nil
	}
	return v
}

func (s SkiaPersistentCache) Store(key, data []byte) {
	s.cache.Store(key, data)
}
