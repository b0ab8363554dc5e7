package memcache

import (
	"container/list"
	"sync"
	"sync/atomic"
)

type lruEntry struct {
	key   string
	value []byte
}

// LRU evicts the least recently used entries first.
type LRU struct {
	mu          sync.Mutex
	budget      *Budget
	maxItemSize int64
	ll          *list.List
	items       map[string]*list.Element
	size        int64
	closed      bool

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

var _ Cache = (*LRU)(nil)

// NewLRU creates an LRU with its own budget of maxBytes.
func NewLRU(maxBytes int64) *LRU {
	return NewLRUWithBudget(NewBudget(maxBytes), 0)
}

// NewLRUWithBudget creates an LRU sharing b with other caches. Entries larger
// than maxItemSize are not admitted; zero means only the budget limit applies.
func NewLRUWithBudget(b *Budget, maxItemSize int64) *LRU {
	c := &LRU{
		budget:      b,
		maxItemSize: maxItemSize,
		ll:          list.New(),
		items:       make(map[string]*list.Element),
	}
	b.join(c)
	return c
}

func (c *LRU) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	c.ll.MoveToFront(el)

	value := el.Value.(*lruEntry).value
	result := make([]byte, len(value))
	copy(result, value)
	return result, true
}

func (c *LRU) Put(key string, value []byte) bool {
	dataSize := int64(len(value))
	if dataSize > c.budget.limit || (c.maxItemSize > 0 && dataSize > c.maxItemSize) {
		c.Remove(key)
		return false
	}

	stored := append([]byte(nil), value...)

	c.mu.Lock()
	if c.closed {
		if el, ok := c.items[key]; ok {
			c.removeElementLocked(el)
		}
		c.mu.Unlock()
		return false
	}
	var delta int64
	if el, ok := c.items[key]; ok {
		e := el.Value.(*lruEntry)
		delta = dataSize - int64(len(e.value))
		e.value = stored
		c.ll.MoveToFront(el)
	} else {
		c.items[key] = c.ll.PushFront(&lruEntry{key: key, value: stored})
		delta = dataSize
	}
	c.size += delta
	c.budget.used.Add(delta)
	c.mu.Unlock()

	c.budget.reclaim(c, key)
	return true
}

func (c *LRU) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElementLocked(el)
	}
}

func (c *LRU) Trim(target int64) {
	if target < 0 {
		target = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.size > target {
		el := c.ll.Back()
		if el == nil {
			return
		}
		c.removeElementLocked(el)
		c.evictions.Add(1)
	}
}

func (c *LRU) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.budget.used.Add(-c.size)
	c.ll.Init()
	c.items = make(map[string]*list.Element)
	c.size = 0
}

func (c *LRU) Range(fn func(key string, value []byte) bool) {
	c.mu.Lock()
	entries := make([]lruEntry, 0, len(c.items))
	for el := c.ll.Back(); el != nil; el = el.Prev() {
		entries = append(entries, *el.Value.(*lruEntry))
	}
	c.mu.Unlock()

	for _, e := range entries {
		if !fn(e.key, e.value) {
			return
		}
	}
}

func (c *LRU) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Evictions:  c.evictions.Load(),
		Size:       c.size,
		MaxSize:    c.budget.limit,
		EntryCount: len(c.items),
	}
}

// Close drops every entry and detaches the cache from its budget.
func (c *LRU) Close() error {
	c.Clear()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.budget.leave(c)
	return nil
}

// evictOldest removes the least recently used entry unless it is keep.
func (c *LRU) evictOldest(keep string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el := c.ll.Back()
	if el == nil {
		return false
	}
	if keep != "" && el.Value.(*lruEntry).key == keep {
		return false
	}
	c.removeElementLocked(el)
	c.evictions.Add(1)
	return true
}

func (c *LRU) removeElementLocked(el *list.Element) {
	e := el.Value.(*lruEntry)
	c.ll.Remove(el)
	delete(c.items, e.key)
	n := int64(len(e.value))
	c.size -= n
	c.budget.used.Add(-n)
}
