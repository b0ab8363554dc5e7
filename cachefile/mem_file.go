package cachefile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"
)

var ErrInjected = errors.New("cachefile: injected failure")

// MemFile is an in-memory CacheFile. Faults can be injected to exercise the
// error paths of callers.
type MemFile struct {
	mu      sync.Mutex
	name    string
	data    []byte
	modTime time.Time
	closed  bool

	failReads  bool
	failWrites bool
	// shortWriteAfter caps the bytes accepted by the next Write, -1 disables.
	shortWriteAfter int
}

var _ CacheFile = (*MemFile)(nil)

func NewMemFile(name string) *MemFile {
	return &MemFile{name: name, modTime: time.Now(), shortWriteAfter: -1}
}

// SetFailReads makes every subsequent Read fail.
func (f *MemFile) SetFailReads(fail bool) {
	f.mu.Lock()
	f.failReads = fail
	f.mu.Unlock()
}

// SetFailWrites makes every subsequent Write fail.
func (f *MemFile) SetFailWrites(fail bool) {
	f.mu.Lock()
	f.failWrites = fail
	f.mu.Unlock()
}

// ShortWriteOnce makes the next Write accept at most n bytes.
func (f *MemFile) ShortWriteOnce(n int) {
	f.mu.Lock()
	f.shortWriteAfter = n
	f.mu.Unlock()
}

// Bytes returns a copy of the file contents.
func (f *MemFile) Bytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.data...)
}

func (f *MemFile) IsValid() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *MemFile) ErrorDetails() error {
	return nil
}

func (f *MemFile) Read(off int64, p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrInvalidFile
	}
	if f.failReads {
		return 0, fmt.Errorf("read at %d: %w", off, ErrInjected)
	}
	if off < 0 {
		return 0, fmt.Errorf("read at negative offset %d", off)
	}
	if off >= int64(len(f.data)) {
		return 0, nil
	}
	return copy(p, f.data[off:]), nil
}

func (f *MemFile) Write(off int64, p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrInvalidFile
	}
	if f.failWrites {
		return 0, fmt.Errorf("write at %d: %w", off, ErrInjected)
	}
	if off < 0 {
		return 0, fmt.Errorf("write at negative offset %d", off)
	}
	if f.shortWriteAfter >= 0 && len(p) > f.shortWriteAfter {
		p = p[:f.shortWriteAfter]
		f.shortWriteAfter = -1
	}
	end := off + int64(len(p))
	if end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[off:], p)
	f.modTime = time.Now()
	return len(p), nil
}

func (f *MemFile) Info() (os.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrInvalidFile
	}
	return memFileInfo{name: f.name, size: int64(len(f.data)), modTime: f.modTime}, nil
}

func (f *MemFile) Length() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return -1, ErrInvalidFile
	}
	return int64(len(f.data)), nil
}

func (f *MemFile) SetLength(n int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrInvalidFile
	}
	if n < 0 {
		return fmt.Errorf("set negative length %d", n)
	}
	if n <= int64(len(f.data)) {
		f.data = f.data[:n]
		return nil
	}
	grown := make([]byte, n)
	copy(grown, f.data)
	f.data = grown
	return nil
}

func (f *MemFile) ReadAndCheck(off int64, p []byte) error {
	n, err := f.Read(off, p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return fmt.Errorf("%w: got %d of %d bytes at offset %d", ErrShortRead, n, len(p), off)
	}
	return nil
}

func (f *MemFile) WriteAndCheck(off int64, p []byte) error {
	n, err := f.Write(off, p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return fmt.Errorf("%w: wrote %d of %d bytes at offset %d", ErrShortWrite, n, len(p), off)
	}
	return nil
}

func (f *MemFile) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type memFileInfo struct {
	name    string
	size    int64
	modTime time.Time
}

func (i memFileInfo) Name() string       { return i.name }
func (i memFileInfo) Size() int64        { return i.size }
func (i memFileInfo) Mode() fs.FileMode  { return 0o644 }
func (i memFileInfo) ModTime() time.Time { return i.modTime }
func (i memFileInfo) IsDir() bool        { return false }
func (i memFileInfo) Sys() any           { return nil }
