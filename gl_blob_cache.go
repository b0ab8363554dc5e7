package gpucache

import "sync/atomic"

// GLBlobCache exposes a Cache through the GL blob cache callbacks.
type GLBlobCache struct {
	cache *Cache
}

func NewGLBlobCache(c *Cache) GLBlobCache {
	return GLBlobCache{cache: c}
}

// Get returns the size of the value stored for key, or 0 on a miss. The value
// is copied into valueOut only when it fits.
func (g GLBlobCache) Get(key, valueOut []byte) int64 {
	out := g.cache.load(key, func(size int) []byte {
		if len(valueOut) < size {
			return nil
		}
		return valueOut[:size]
	})
	if !out.result.IsHit() {
		return 0
	}
	return int64(out.size)
}

func (g GLBlobCache) Set(key, value []byte) {
	g.cache.Store(key, value)
}

var currentGLCache atomic.Pointer[Cache]

// BindCacheToCurrentGLContext routes the process wide GL callbacks to c.
func BindCacheToCurrentGLContext(c *Cache) {
	currentGLCache.Store(c)
}

func UnbindCacheFromCurrentGLContext() {
	currentGLCache.Store(nil)
}

// GLBlobCacheGetCurrent is the get callback handed to the GL driver. It
// returns 0 when no cache is bound.
func GLBlobCacheGetCurrent(key, valueOut []byte) int64 {
	c := currentGLCache.Load()
	if c == nil {
		return 0
	}
	return NewGLBlobCache(c).Get(key, valueOut)
}

func GLBlobCacheSetCurrent(key, value []byte) {
	if c := currentGLCache.Load(); c != nil {
		c.Store(key, value)
	}
}
