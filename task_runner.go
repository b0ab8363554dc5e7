package gpucache

import (
	"log/slog"
	"sync"
	"time"
)

// TaskRunner runs tasks posted from any goroutine. It reports false when the
// task was not accepted.
type TaskRunner interface {
	PostDelayedTask(task func(), delay time.Duration) bool
}

// SequencedTaskRunner runs tasks one at a time on a single goroutine, in the
// order they become due.
type SequencedTaskRunner struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	timers map[*time.Timer]struct{}
	closed bool
	wg     sync.WaitGroup
}

var _ TaskRunner = (*SequencedTaskRunner)(nil)

func NewSequencedTaskRunner() *SequencedTaskRunner {
	r := &SequencedTaskRunner{timers: make(map[*time.Timer]struct{})}
	r.cond = sync.NewCond(&r.mu)
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *SequencedTaskRunner) PostTask(task func()) bool {
	return r.PostDelayedTask(task, 0)
}

func (r *SequencedTaskRunner) PostDelayedTask(task func(), delay time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if delay <= 0 {
		r.queue = append(r.queue, task)
		r.cond.Signal()
		return true
	}

	var t *time.Timer
	// The callback needs r.mu, so it cannot observe t before it is assigned.
	t = time.AfterFunc(delay, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.timers, t)
		if r.closed {
			return
		}
		r.queue = append(r.queue, task)
		r.cond.Signal()
	})
	r.timers[t] = struct{}{}
	return true
}

func (r *SequencedTaskRunner) run() {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		for len(r.queue) == 0 && !r.closed {
			r.cond.Wait()
		}
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return
		}
		task := r.queue[0]
		r.queue[0] = nil
		r.queue = r.queue[1:]
		r.mu.Unlock()

		runTask(task)
	}
}

func runTask(task func()) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("gpucache: task panicked", "panic", p)
		}
	}()
	task()
}

// Shutdown drops tasks that are not due yet, runs the queued ones and waits
// for them. Later posts are rejected.
func (r *SequencedTaskRunner) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for t := range r.timers {
		t.Stop()
	}
	r.timers = nil
	r.cond.Broadcast()
	r.mu.Unlock()

	r.wg.Wait()
}
