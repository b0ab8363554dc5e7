package diskcache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	defaultMaxSize = 1 << 30
	entrySuffix    = ".entry"
	tempPattern    = "tmp-*"
)

// ErrBufferRejected is returned by GetInto when alloc declines the entry.
var ErrBufferRejected = errors.New("diskcache: buffer rejected")

// EntryCacheOptions configures an EntryCache.
type EntryCacheOptions struct {
	// Dir is the directory where cache files are stored.
	Dir string

	// MaxSize is the maximum bytes on disk (default 1GB).
	MaxSize int64

	// MaxItemSize is the maximum size for a single item.
	// Items larger than this will not be cached.
	// Default 0 means no limit.
	MaxItemSize int64
}

type fileEntry struct {
	path string
	size int64
}

type entryCache struct {
	mu          sync.RWMutex
	dir         string
	maxSize     int64
	maxItemSize int64
	currentSize int64

	index map[string]*fileEntry
	order []string

	hits   atomic.Int64
	misses atomic.Int64
}

// OpenEntryCache opens the cache in opts.Dir, picking up entries written by
// a previous run. Older files are evicted first.
func OpenEntryCache(opts EntryCacheOptions) (Cache, error) {
	if opts.Dir == "" {
		return nil, errors.New("diskcache: cache directory is required")
	}

	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, err
	}

	c := &entryCache{
		dir:         opts.Dir,
		maxSize:     maxSize,
		maxItemSize: opts.MaxItemSize,
		index:       make(map[string]*fileEntry),
		order:       make([]string, 0),
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *entryCache) load() error {
	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("diskcache: read dir: %w", err)
	}

	type found struct {
		name    string
		size    int64
		modTime int64
	}
	var files []found
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if strings.HasPrefix(name, "tmp-") {
			os.Remove(filepath.Join(c.dir, name))
			continue
		}
		if !strings.HasSuffix(name, entrySuffix) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		files = append(files, found{
			name:    strings.TrimSuffix(name, entrySuffix),
			size:    info.Size(),
			modTime: info.ModTime().UnixNano(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime < files[j].modTime })

	for _, f := range files {
		c.index[f.name] = &fileEntry{
			path: filepath.Join(c.dir, f.name+entrySuffix),
			size: f.size,
		}
		c.order = append(c.order, f.name)
		c.currentSize += f.size
	}
	for c.currentSize > c.maxSize && len(c.order) > 0 {
		c.evictOldest()
	}
	return nil
}

func (c *entryCache) Get(key string) ([]byte, bool) {
	data, ok, err := c.GetInto(key, func(size int) []byte { return make([]byte, size) })
	if err != nil {
		return nil, false
	}
	return data, ok
}

func (c *entryCache) GetInto(key string, alloc func(size int) []byte) ([]byte, bool, error) {
	name := cacheFileName(key)

	c.mu.RLock()
	entry, ok := c.index[name]
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return nil, false, nil
	}

	var out []byte
	err := readMapped(entry.path, func(data []byte) error {
		buf := alloc(len(data))
		if buf == nil || len(buf) < len(data) {
			return ErrBufferRejected
		}
		out = buf[:copy(buf, data)]
		return nil
	})
	if errors.Is(err, ErrBufferRejected) {
		return nil, false, err
	}
	if err != nil {
		c.misses.Add(1)
		c.mu.Lock()
		if c.index[name] == entry {
			c.removeLocked(name)
		}
		c.mu.Unlock()
		return nil, false, nil
	}

	c.hits.Add(1)

	c.mu.Lock()
	if c.index[name] == entry {
		c.moveToEnd(name)
	}
	c.mu.Unlock()

	return out, true, nil
}

func (c *entryCache) Set(key string, data []byte) error {
	dataSize := int64(len(data))

	if c.maxItemSize > 0 && dataSize > c.maxItemSize {
		return nil
	}

	tmp, err := os.CreateTemp(c.dir, tempPattern)
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	name := cacheFileName(key)
	localPath := filepath.Join(c.dir, name+entrySuffix)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.index[name]; exists {
		c.dropLocked(name)
	}

	for c.currentSize+dataSize > c.maxSize && len(c.order) > 0 {
		c.evictOldest()
	}

	if err := os.Rename(tmp.Name(), localPath); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	c.index[name] = &fileEntry{
		path: localPath,
		size: dataSize,
	}
	c.order = append(c.order, name)
	c.currentSize += dataSize

	return nil
}

func (c *entryCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(cacheFileName(key))
}

func (c *entryCache) removeLocked(name string) {
	entry, ok := c.index[name]
	if !ok {
		return
	}
	os.Remove(entry.path)
	c.dropLocked(name)
}

// dropLocked forgets the entry without touching its file.
func (c *entryCache) dropLocked(name string) {
	entry, ok := c.index[name]
	if !ok {
		return
	}
	c.currentSize -= entry.size
	delete(c.index, name)
	c.removeFromOrder(name)
}

func (c *entryCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for _, entry := range c.index {
		if err := os.Remove(entry.path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}

	c.index = make(map[string]*fileEntry)
	c.order = make([]string, 0)
	c.currentSize = 0

	return firstErr
}

func (c *entryCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Stats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Size:       c.currentSize,
		MaxSize:    c.maxSize,
		EntryCount: len(c.index),
	}
}

func (c *entryCache) Close() error {
	return nil
}

func (c *entryCache) evictOldest() {
	if len(c.order) == 0 {
		return
	}
	name := c.order[0]
	if _, ok := c.index[name]; !ok {
		c.order = c.order[1:]
		return
	}
	c.removeLocked(name)
}

func (c *entryCache) moveToEnd(name string) {
	c.removeFromOrder(name)
	c.order = append(c.order, name)
}

func (c *entryCache) removeFromOrder(name string) {
	for i, k := range c.order {
		if k == name {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func cacheFileName(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}
