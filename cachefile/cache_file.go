// Package cachefile abstracts the random-access file operations needed by
// the file-backed persistent store so it can run against a fake file.
package cachefile

import (
	"errors"
	"os"
)

var (
	ErrInvalidFile = errors.New("cachefile: invalid file")
	ErrShortRead   = errors.New("cachefile: short read")
	ErrShortWrite  = errors.New("cachefile: short write")
)

// CacheFile is the subset of file operations used by the cache backends.
// Implementations delegate; they do not buffer or cache.
type CacheFile interface {
	IsValid() bool
	// ErrorDetails returns the error recorded when the file was opened.
	ErrorDetails() error

	// Read reads up to len(p) bytes at off. A count smaller than len(p)
	// with a nil error means end of file was reached.
	Read(off int64, p []byte) (int, error)
	Write(off int64, p []byte) (int, error)

	Info() (os.FileInfo, error)
	Length() (int64, error)
	SetLength(n int64) error

	// ReadAndCheck and WriteAndCheck transfer exactly len(p) bytes or fail.
	ReadAndCheck(off int64, p []byte) error
	WriteAndCheck(off int64, p []byte) error

	Close() error
}
