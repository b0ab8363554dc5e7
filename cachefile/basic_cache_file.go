package cachefile

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// BasicCacheFile is the default CacheFile backed by an *os.File.
type BasicCacheFile struct {
	file *os.File
	err  error
}

var _ CacheFile = (*BasicCacheFile)(nil)

// Open opens path and always returns a file. When opening fails the file is
// invalid and ErrorDetails reports why.
func Open(path string, flag int, perm os.FileMode) *BasicCacheFile {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return &BasicCacheFile{err: err}
	}
	return &BasicCacheFile{file: f}
}

// NewBasicCacheFile takes ownership of f.
func NewBasicCacheFile(f *os.File) *BasicCacheFile {
	if f == nil {
		return &BasicCacheFile{err: ErrInvalidFile}
	}
	return &BasicCacheFile{file: f}
}

func (f *BasicCacheFile) IsValid() bool {
	return f.file != nil
}

func (f *BasicCacheFile) ErrorDetails() error {
	return f.err
}

func (f *BasicCacheFile) Read(off int64, p []byte) (int, error) {
	if f.file == nil {
		return 0, ErrInvalidFile
	}
	n, err := f.file.ReadAt(p, off)
	if errors.Is(err, io.EOF) {
		return n, nil
	}
	return n, err
}

func (f *BasicCacheFile) Write(off int64, p []byte) (int, error) {
	if f.file == nil {
		return 0, ErrInvalidFile
	}
	return f.file.WriteAt(p, off)
}

func (f *BasicCacheFile) Info() (os.FileInfo, error) {
	if f.file == nil {
		return nil, ErrInvalidFile
	}
	return f.file.Stat()
}

func (f *BasicCacheFile) Length() (int64, error) {
	info, err := f.Info()
	if err != nil {
		return -1, err
	}
	return info.Size(), nil
}

func (f *BasicCacheFile) SetLength(n int64) error {
	if f.file == nil {
		return ErrInvalidFile
	}
	return f.file.Truncate(n)
}

func (f *BasicCacheFile) ReadAndCheck(off int64, p []byte) error {
	n, err := f.Read(off, p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return fmt.Errorf("%w: got %d of %d bytes at offset %d", ErrShortRead, n, len(p), off)
	}
	return nil
}

func (f *BasicCacheFile) WriteAndCheck(off int64, p []byte) error {
	n, err := f.Write(off, p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return fmt.Errorf("%w: wrote %d of %d bytes at offset %d", ErrShortWrite, n, len(p), off)
	}
	return nil
}

func (f *BasicCacheFile) Close() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}
