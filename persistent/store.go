// Package persistent defines the durable key to bytes store under the GPU
// cache and the backends that implement it.
package persistent

import (
	"context"
	"errors"
)

var (
	ErrNotFound       = errors.New("persistent: entry not found")
	ErrBufferRejected = errors.New("persistent: buffer provider rejected value")
	ErrClosed         = errors.New("persistent: store closed")
	ErrCorrupt        = errors.New("persistent: corrupt entry")
)

// BufferProvider returns a buffer of at least size bytes for the value being
// loaded, or nil to decline it. Stores write the value straight into it.
type BufferProvider func(size int) []byte

// Store is an opaque durable key to bytes store. Implementations must be safe
// for concurrent use.
type Store interface {
	// Load returns the value for key written into a buffer from provide,
	// sliced to the value length. It returns ErrNotFound on a miss.
	Load(key []byte, provide BufferProvider) ([]byte, error)
	Store(key, value []byte) error
	Close() error
}

// PendingBackend describes a store that has not been opened yet.
type PendingBackend interface {
	Open(ctx context.Context) (Store, error)
}

// PendingBackendFunc adapts a function to PendingBackend.
type PendingBackendFunc func(ctx context.Context) (Store, error)

func (f PendingBackendFunc) Open(ctx context.Context) (Store, error) {
	return f(ctx)
}

// AllocBuffer is a BufferProvider that allocates a new buffer.
func AllocBuffer(size int) []byte {
	return make([]byte, size)
}

// fill copies value into a buffer obtained from provide.
func fill(provide BufferProvider, value []byte) ([]byte, error) {
	if provide == nil {
		provide = AllocBuffer
	}
	buf := provide(len(value))
	if buf == nil || len(buf) < len(value) {
		return nil, ErrBufferRejected
	}
	n := copy(buf, value)
	return buf[:n], nil
}

// checkedBuffer obtains a buffer of size bytes from provide.
func checkedBuffer(provide BufferProvider, size int) ([]byte, error) {
	if provide == nil {
		provide = AllocBuffer
	}
	buf := provide(size)
	if buf == nil || len(buf) < size {
		return nil, ErrBufferRejected
	}
	return buf[:size], nil
}
