package gpucache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSequencedTaskRunner_RunsInOrder(t *testing.T) {
	r := NewSequencedTaskRunner()
	defer r.Shutdown()

	var (
		mu  sync.Mutex
		got []int
		wg  sync.WaitGroup
	)
	for i := range 5 {
		wg.Add(1)
		require.True(t, r.PostTask(func() {
			defer wg.Done()
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	wg.Wait()
	require.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestSequencedTaskRunner_DelayedTask(t *testing.T) {
	r := NewSequencedTaskRunner()
	defer r.Shutdown()

	done := make(chan time.Time, 1)
	start := time.Now()
	require.True(t, r.PostDelayedTask(func() { done <- time.Now() }, 20*time.Millisecond))

	select {
	case at := <-done:
		require.GreaterOrEqual(t, at.Sub(start), 20*time.Millisecond)
	case <-time.After(5 * time.Second):
		t.Fatal("delayed task did not run")
	}
}

func TestSequencedTaskRunner_ShutdownDropsFutureTasks(t *testing.T) {
	r := NewSequencedTaskRunner()

	ran := make(chan struct{}, 2)
	require.True(t, r.PostTask(func() { ran <- struct{}{} }))
	require.True(t, r.PostDelayedTask(func() { ran <- struct{}{} }, time.Hour))
	r.Shutdown()

	require.Len(t, ran, 1)
	require.False(t, r.PostTask(func() {}))
	r.Shutdown()
}

func TestSequencedTaskRunner_RecoversPanics(t *testing.T) {
	r := NewSequencedTaskRunner()
	defer r.Shutdown()

	require.True(t, r.PostTask(func() { panic("boom") }))
	done := make(chan struct{})
	require.True(t, r.PostTask(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner stopped after a panic")
	}
}

func TestSequencedTaskRunner_DrivesAsyncWrites(t *testing.T) {
	r := NewSequencedTaskRunner()
	c, _ := newTestCache(t, CacheOptions{AsyncWrite: AsyncDiskWriteOpts{
		TaskRunner:   r,
		InitialDelay: time.Millisecond,
		IdleDelay:    time.Millisecond,
	}})
	store := initWithStore(t, c)

	c.Store([]byte("k"), []byte("v"))
	require.Eventually(t, func() bool {
		_, ok := store.get("k")
		return ok
	}, 5*time.Second, 5*time.Millisecond)

	r.Shutdown()
	// Posting fails after shutdown, so the write happens inline.
	c.Store([]byte("late"), []byte("v"))
	_, ok := store.get("late")
	require.True(t, ok)
}
