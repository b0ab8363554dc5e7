package gpucache

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ankur-anand/gpucache/persistent"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type scheduledTask struct {
	due time.Time
	seq int
	fn  func()
}

// manualRunner runs posted tasks only when the test advances its clock.
type manualRunner struct {
	clock *fakeClock

	mu     sync.Mutex
	tasks  []scheduledTask
	seq    int
	reject bool
}

func newManualRunner(clock *fakeClock) *manualRunner {
	return &manualRunner{clock: clock}
}

func (r *manualRunner) PostDelayedTask(task func(), delay time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reject {
		return false
	}
	r.seq++
	r.tasks = append(r.tasks, scheduledTask{due: r.clock.Now().Add(delay), seq: r.seq, fn: task})
	return true
}

func (r *manualRunner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Advance moves the clock and runs every task that became due, including
// tasks posted by those tasks.
func (r *manualRunner) Advance(d time.Duration) int {
	r.clock.Advance(d)
	ran := 0
	for {
		r.mu.Lock()
		now := r.clock.Now()
		idx := -1
		for i, task := range r.tasks {
			if task.due.After(now) {
				continue
			}
			if idx == -1 || task.due.Before(r.tasks[idx].due) ||
				(task.due.Equal(r.tasks[idx].due) && task.seq < r.tasks[idx].seq) {
				idx = i
			}
		}
		if idx == -1 {
			r.mu.Unlock()
			return ran
		}
		task := r.tasks[idx]
		r.tasks = slices.Delete(r.tasks, idx, idx+1)
		r.mu.Unlock()

		task.fn()
		ran++
	}
}

var errStoreFailed = errors.New("store failed")

// mapStore is an in-memory persistent.Store with fault injection.
type mapStore struct {
	mu         sync.Mutex
	data       map[string][]byte
	failWrites bool
	failReads  bool
	loads      int
	stores     int
	closed     bool
	onStore    func(key []byte)
	// afterRead runs once a value has been read, before Load returns.
	afterRead func(key []byte)
}

func newMapStore() *mapStore {
	return &mapStore{data: make(map[string][]byte)}
}

func (s *mapStore) Load(key []byte, provide persistent.BufferProvider) ([]byte, error) {
	s.mu.Lock()
	s.loads++
	if s.failReads {
		s.mu.Unlock()
		return nil, errStoreFailed
	}
	v, ok := s.data[string(key)]
	hook := s.afterRead
	s.mu.Unlock()
	if !ok {
		return nil, persistent.ErrNotFound
	}
	if hook != nil {
		hook(key)
	}
	buf := provide(len(v))
	if len(buf) < len(v) {
		return nil, persistent.ErrBufferRejected
	}
	return buf[:copy(buf, v)], nil
}

func (s *mapStore) Store(key, value []byte) error {
	if s.onStore != nil {
		s.onStore(key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores++
	if s.failWrites {
		return errStoreFailed
	}
	s.data[string(key)] = bytes.Clone(value)
	return nil
}

func (s *mapStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *mapStore) get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *mapStore) backend() persistent.PendingBackend {
	return persistent.PendingBackendFunc(func(context.Context) (persistent.Store, error) {
		return s, nil
	})
}

type recordedOutcome struct {
	prefix string
	result LoadResult
}

type outcomeLog struct {
	mu       sync.Mutex
	outcomes []recordedOutcome
}

func (l *outcomeLog) Record(prefix string, result LoadResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outcomes = append(l.outcomes, recordedOutcome{prefix: prefix, result: result})
}

func (l *outcomeLog) last() LoadResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outcomes[len(l.outcomes)-1].result
}

func newTestCache(t *testing.T, opts CacheOptions) (*Cache, *outcomeLog) {
	t.Helper()
	log := &outcomeLog{}
	if opts.Recorder == nil {
		opts.Recorder = log
	}
	return NewCache("Test", nil, opts), log
}

func initWithStore(t *testing.T, c *Cache) *mapStore {
	t.Helper()
	store := newMapStore()
	if err := c.InitializeCache(context.Background(), store.backend(), nil); err != nil {
		t.Fatalf("InitializeCache: %v", err)
	}
	return store
}
