package persistent

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/ankur-anand/gpucache/cachefile"
)

const (
	logMagic        = "GPUCLOG1"
	logHeaderSize   = len(logMagic)
	recordHeaderLen = 16

	maxLogKeySize   = 64 * 1024
	maxLogValueSize = 256 * 1024 * 1024
)

type logLocation struct {
	off  int64
	size int
}

// LogStats describes the space used by a LogFile store.
type LogStats struct {
	Entries    int
	LiveBytes  int64
	StaleBytes int64
	FileBytes  int64
}

// LogFileStore appends records to a single CacheFile and keeps an index of
// the latest record per key in memory.
//
// The log is never compacted: rewriting a key leaves the old record in place.
// Stats reports the stale share so callers can delete and rebuild the file.
//
// Record layout, little endian:
//
//	keyLen uint32 | valueLen uint32 | xxhash64(key||value) uint64 | key | value
type LogFileStore struct {
	file cachefile.CacheFile

	mu         sync.RWMutex
	index      map[string]logLocation
	end        int64
	liveBytes  int64
	staleBytes int64
	closed     bool
}

// LogFile returns a backend appending entries to the file at path.
func LogFile(path string) PendingBackend {
	return PendingBackendFunc(func(ctx context.Context) (Store, error) {
		f := cachefile.Open(path, os.O_RDWR|os.O_CREATE, 0644)
		if !f.IsValid() {
			return nil, fmt.Errorf("open log file %s: %w", path, f.ErrorDetails())
		}
		s, err := OpenLogFile(f)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		return s, nil
	})
}

// LogFileFrom returns a backend using an already opened file.
func LogFileFrom(f cachefile.CacheFile) PendingBackend {
	return PendingBackendFunc(func(ctx context.Context) (Store, error) {
		return OpenLogFile(f)
	})
}

// OpenLogFile rebuilds the index from f. A torn or corrupt tail is cut off;
// a file with a foreign header is reset.
func OpenLogFile(f cachefile.CacheFile) (*LogFileStore, error) {
	if !f.IsValid() {
		return nil, fmt.Errorf("open log file: %w", cachefile.ErrInvalidFile)
	}
	s := &LogFileStore{
		file:  f,
		index: make(map[string]logLocation),
	}

	length, err := f.Length()
	if err != nil {
		return nil, fmt.Errorf("log file length: %w", err)
	}

	if length >= int64(logHeaderSize) {
		header := make([]byte, logHeaderSize)
		if err := f.ReadAndCheck(0, header); err != nil {
			return nil, fmt.Errorf("read log header: %w", err)
		}
		if string(header) == logMagic {
			if err := s.replay(length); err != nil {
				return nil, err
			}
			return s, nil
		}
		slog.Warn("gpucache: resetting log file with unknown header")
	}

	if err := s.reset(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *LogFileStore) reset() error {
	if err := s.file.SetLength(0); err != nil {
		return fmt.Errorf("truncate log file: %w", err)
	}
	if err := s.file.WriteAndCheck(0, []byte(logMagic)); err != nil {
		return fmt.Errorf("write log header: %w", err)
	}
	s.end = int64(logHeaderSize)
	return nil
}

func (s *LogFileStore) replay(length int64) error {
	off := int64(logHeaderSize)
	header := make([]byte, recordHeaderLen)
	for off+recordHeaderLen <= length {
		if err := s.file.ReadAndCheck(off, header); err != nil {
			return fmt.Errorf("read record header at %d: %w", off, err)
		}
		keyLen := int(binary.LittleEndian.Uint32(header[0:4]))
		valueLen := int(binary.LittleEndian.Uint32(header[4:8]))
		sum := binary.LittleEndian.Uint64(header[8:16])

		if keyLen == 0 || keyLen > maxLogKeySize || valueLen > maxLogValueSize {
			break
		}
		end := off + recordHeaderLen + int64(keyLen) + int64(valueLen)
		if end > length {
			break
		}
		body := make([]byte, keyLen+valueLen)
		if err := s.file.ReadAndCheck(off+recordHeaderLen, body); err != nil {
			return fmt.Errorf("read record at %d: %w", off, err)
		}
		if xxhash.Sum64(body) != sum {
			break
		}
		s.put(string(body[:keyLen]), logLocation{
			off:  off + recordHeaderLen + int64(keyLen),
			size: valueLen,
		}, end-off)
		off = end
	}

	if off < length {
		slog.Warn("gpucache: truncating torn log tail", "offset", off, "length", length)
		if err := s.file.SetLength(off); err != nil {
			return fmt.Errorf("truncate torn tail: %w", err)
		}
	}
	s.end = off
	return nil
}

// put must be called with mu held or before the store is shared.
func (s *LogFileStore) put(key string, loc logLocation, recordSize int64) {
	if old, ok := s.index[key]; ok {
		oldRecord := int64(recordHeaderLen + len(key) + old.size)
		s.liveBytes -= oldRecord
		s.staleBytes += oldRecord
	}
	s.index[key] = loc
	s.liveBytes += recordSize
}

func (s *LogFileStore) Load(key []byte, provide BufferProvider) ([]byte, error) {
	// Close releases the file under the write lock.
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	loc, ok := s.index[string(key)]
	if !ok {
		return nil, ErrNotFound
	}

	buf, err := checkedBuffer(provide, loc.size)
	if err != nil {
		return nil, err
	}
	if err := s.file.ReadAndCheck(loc.off, buf); err != nil {
		return nil, fmt.Errorf("read value: %w", err)
	}
	return buf, nil
}

func (s *LogFileStore) Store(key, value []byte) error {
	if len(key) == 0 || len(key) > maxLogKeySize {
		return fmt.Errorf("key size %d out of range", len(key))
	}
	if len(value) > maxLogValueSize {
		return fmt.Errorf("value size %d exceeds max %d", len(value), maxLogValueSize)
	}

	record := make([]byte, recordHeaderLen+len(key)+len(value))
	binary.LittleEndian.PutUint32(record[0:4], uint32(len(key)))
	binary.LittleEndian.PutUint32(record[4:8], uint32(len(value)))
	copy(record[recordHeaderLen:], key)
	copy(record[recordHeaderLen+len(key):], value)
	binary.LittleEndian.PutUint64(record[8:16], xxhash.Sum64(record[recordHeaderLen:]))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	off := s.end
	if err := s.file.WriteAndCheck(off, record); err != nil {
		if terr := s.file.SetLength(off); terr != nil {
			return fmt.Errorf("append record: %w (truncate: %v)", err, terr)
		}
		return fmt.Errorf("append record: %w", err)
	}
	s.end = off + int64(len(record))
	s.put(string(key), logLocation{
		off:  off + recordHeaderLen + int64(len(key)),
		size: len(value),
	}, int64(len(record)))
	return nil
}

func (s *LogFileStore) Stats() LogStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return LogStats{
		Entries:    len(s.index),
		LiveBytes:  s.liveBytes,
		StaleBytes: s.staleBytes,
		FileBytes:  s.end,
	}
}

func (s *LogFileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}
