package persistent

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
)

type PebbleOptions struct {
	// Sync forces an fsync on every write.
	Sync bool
	// FS overrides the filesystem, vfs.NewMem() keeps everything in memory.
	FS vfs.FS
	// CacheSize is the pebble block cache size in bytes.
	CacheSize int64
}

type pebbleStore struct {
	db     *pebble.DB
	sync   bool
	closed atomic.Bool
}

// Pebble returns a backend storing entries in a pebble database at dir.
func Pebble(dir string, opts PebbleOptions) PendingBackend {
	return PendingBackendFunc(func(ctx context.Context) (Store, error) {
		return openPebble(dir, opts)
	})
}

// MemPebble returns an empty in-memory pebble backend.
func MemPebble() PendingBackend {
	return Pebble("gpucache", PebbleOptions{FS: vfs.NewMem()})
}

func openPebble(dir string, opts PebbleOptions) (*pebbleStore, error) {
	pOpts := &pebble.Options{FS: opts.FS}
	if opts.CacheSize > 0 {
		cache := pebble.NewCache(opts.CacheSize)
		defer cache.Unref()
		pOpts.Cache = cache
	}
	db, err := pebble.Open(dir, pOpts)
	if err != nil {
		return nil, fmt.Errorf("open pebble %q: %w", dir, err)
	}
	return &pebbleStore{db: db, sync: opts.Sync}, nil
}

func (s *pebbleStore) Load(key []byte, provide BufferProvider) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return fill(provide, value)
}

func (s *pebbleStore) Store(key, value []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	wo := pebble.NoSync
	if s.sync {
		wo = pebble.Sync
	}
	return s.db.Set(key, value, wo)
}

func (s *pebbleStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}
