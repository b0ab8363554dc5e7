package blobstore

import (
	"gocloud.dev/blob/memblob"
)

// NewMemory creates an in-memory store, mostly for tests.
func NewMemory(prefix string) *Store {
	return &Store{
		bucket: memblob.OpenBucket(nil),
		prefix: prefix,
		owns:   true,
	}
}
