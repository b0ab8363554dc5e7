package gpucache

// DawnCachingInterface exposes a Cache to Dawn's pipeline caching hooks.
type DawnCachingInterface struct {
	cache *Cache
}

func NewDawnCachingInterface(c *Cache) DawnCachingInterface {
	return DawnCachingInterface{cache: c}
}

// LoadData copies the value for key into value and returns its size. With an
// empty value it only reports the size. It returns 0 on a miss or when value
// is too small.
func (d DawnCachingInterface) LoadData(key, value []byte) int {
	out := d.cache.load(key, func(size int) []byte {
		if len(value) < size {
			return nil
		}
		return value[:size]
	})
	if !out.result.IsHit() {
		return 0
	}
	if len(value) == 0 {
		return out.size
	}
	if out.value == nil {
		return 0
	}
	return out.size
}

func (d DawnCachingInterface) StoreData(key, value []byte) {
	d.cache.Store(key, value)
}
