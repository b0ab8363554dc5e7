package persistent

import (
	"context"
	"errors"

	"github.com/ankur-anand/gpucache/diskcache"
)

type dirStore struct {
	cache diskcache.Cache
}

// Dir returns a backend keeping one file per entry under dir, evicting the
// least recently used files beyond maxSize bytes.
func Dir(dir string, maxSize int64) PendingBackend {
	return PendingBackendFunc(func(ctx context.Context) (Store, error) {
		cache, err := diskcache.OpenEntryCache(diskcache.EntryCacheOptions{
			Dir:     dir,
			MaxSize: maxSize,
		})
		if err != nil {
			return nil, err
		}
		return &dirStore{cache: cache}, nil
	})
}

func (s *dirStore) Load(key []byte, provide BufferProvider) ([]byte, error) {
	value, ok, err := s.cache.GetInto(string(key), func(size int) []byte {
		buf, err := checkedBuffer(provide, size)
		if err != nil {
			return nil
		}
		return buf
	})
	if errors.Is(err, diskcache.ErrBufferRejected) {
		return nil, ErrBufferRejected
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return value, nil
}

func (s *dirStore) Store(key, value []byte) error {
	return s.cache.Set(string(key), value)
}

func (s *dirStore) Close() error {
	return s.cache.Close()
}
