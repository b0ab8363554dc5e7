package persistent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/ankur-anand/gpucache/blobstore"
)

const defaultBlobTimeout = 30 * time.Second

type BlobOptions struct {
	// Timeout bounds every bucket operation.
	Timeout time.Duration
	// CloseStore closes the blobstore when the backend is closed.
	CloseStore bool
}

type blobBackend struct {
	store *blobstore.Store
	opts  BlobOptions
}

// Blob returns a backend keeping one object per entry in a bucket. Objects
// are named by the sha256 of the key and hold the raw value.
func Blob(store *blobstore.Store, opts BlobOptions) PendingBackend {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultBlobTimeout
	}
	return PendingBackendFunc(func(ctx context.Context) (Store, error) {
		if _, err := store.Exists(ctx, store.EntryPath("probe")); err != nil {
			return nil, err
		}
		return &blobBackend{store: store, opts: opts}, nil
	})
}

func blobEntryName(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:])
}

func (b *blobBackend) Load(key []byte, provide BufferProvider) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.Timeout)
	defer cancel()

	value, err := b.store.ReadInto(ctx, b.store.EntryPath(blobEntryName(key)), func(size int64) []byte {
		buf, err := checkedBuffer(provide, int(size))
		if err != nil {
			return nil
		}
		return buf
	})
	switch {
	case errors.Is(err, blobstore.ErrNotFound):
		return nil, ErrNotFound
	case errors.Is(err, blobstore.ErrBufferTooSmall):
		return nil, ErrBufferRejected
	case err != nil:
		return nil, err
	}
	return value, nil
}

func (b *blobBackend) Store(key, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.Timeout)
	defer cancel()
	return b.store.Write(ctx, b.store.EntryPath(blobEntryName(key)), value)
}

func (b *blobBackend) Close() error {
	if b.opts.CloseStore {
		return b.store.Close()
	}
	return nil
}
