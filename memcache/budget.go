package memcache

import (
	"sync"
	"sync/atomic"
)

// Budget is a byte limit shared by every LRU created on it. When an insert
// pushes the shared total over the limit, the inserting cache evicts its own
// oldest entries first and then reclaims from the other members.
type Budget struct {
	limit int64
	used  atomic.Int64

	mu      sync.Mutex
	members []*LRU
}

func NewBudget(limit int64) *Budget {
	if limit <= 0 {
		limit = DefaultMaxSize
	}
	return &Budget{limit: limit}
}

func (b *Budget) Limit() int64 {
	return b.limit
}

func (b *Budget) Used() int64 {
	return b.used.Load()
}

func (b *Budget) join(c *LRU) {
	b.mu.Lock()
	b.members = append(b.members, c)
	b.mu.Unlock()
}

func (b *Budget) leave(c *LRU) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, m := range b.members {
		if m == c {
			b.members = append(b.members[:i], b.members[i+1:]...)
			return
		}
	}
}

func (b *Budget) snapshot() []*LRU {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*LRU(nil), b.members...)
}

// reclaim runs without any member lock held. keep is the entry the caller
// just inserted into self and is never evicted here.
func (b *Budget) reclaim(self *LRU, keep string) {
	for b.used.Load() > b.limit {
		if self.evictOldest(keep) {
			continue
		}
		progressed := false
		for _, m := range b.snapshot() {
			if m == self {
				continue
			}
			if b.used.Load() <= b.limit {
				return
			}
			if m.evictOldest("") {
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}
