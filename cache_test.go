package gpucache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/ankur-anand/gpucache/config"
	"github.com/ankur-anand/gpucache/memcache"
	"github.com/ankur-anand/gpucache/persistent"
)

func TestCache_StoreLoadBeforeInit(t *testing.T) {
	c, log := newTestCache(t, CacheOptions{})

	c.Store([]byte("k1"), []byte("v1"))
	v, ok := c.Load([]byte("k1"))
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)
	require.Equal(t, LoadHitMemory, log.last())

	_, ok = c.Load([]byte("missing"))
	require.False(t, ok)
	require.Equal(t, LoadMissNoDiskCache, log.last())
	require.False(t, c.Initialized())
}

func TestCache_InitializeCopiesMemoryEntries(t *testing.T) {
	c, _ := newTestCache(t, CacheOptions{})
	c.Store([]byte("a"), []byte("1"))
	c.Store([]byte("b"), []byte("2"))

	store := initWithStore(t, c)

	for k, want := range map[string]string{"a": "1", "b": "2"} {
		got, ok := store.get(k)
		require.True(t, ok, k)
		require.Equal(t, want, string(got))
	}
	require.True(t, c.Initialized())
}

func TestCache_InitializeWithPebble(t *testing.T) {
	dir := t.TempDir()
	c, _ := newTestCache(t, CacheOptions{})
	c.Store([]byte("shader"), []byte("binary"))
	require.NoError(t, c.InitializeCache(context.Background(), persistent.Pebble(dir, persistent.PebbleOptions{}), nil))
	require.NoError(t, c.Close())

	reopened, log := newTestCache(t, CacheOptions{})
	require.NoError(t, reopened.InitializeCache(context.Background(), persistent.Pebble(dir, persistent.PebbleOptions{}), nil))
	defer reopened.Close()

	v, ok := reopened.Load([]byte("shader"))
	require.True(t, ok)
	require.Equal(t, []byte("binary"), v)
	require.Equal(t, LoadHitDisk, log.last())
}

func TestCache_PurgeThenDiskHit(t *testing.T) {
	c, log := newTestCache(t, CacheOptions{})
	initWithStore(t, c)

	c.Store([]byte("k"), []byte("value"))
	c.PurgeMemory(PressureCritical)
	require.Zero(t, c.Stats().Memory.EntryCount)

	v, ok := c.Load([]byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("value"), v)
	require.Equal(t, LoadHitDisk, log.last())

	_, ok = c.Load([]byte("k"))
	require.True(t, ok)
	require.Equal(t, LoadHitMemory, log.last())

	_, ok = c.Load([]byte("absent"))
	require.False(t, ok)
	require.Equal(t, LoadMiss, log.last())
}

func TestCache_SlowDiskReadDoesNotHideNewerStore(t *testing.T) {
	c, _ := newTestCache(t, CacheOptions{})
	store := initWithStore(t, c)

	c.Store([]byte("k"), []byte("old"))
	c.PurgeMemory(PressureCritical)

	read := make(chan struct{})
	release := make(chan struct{})
	store.mu.Lock()
	store.afterRead = func([]byte) {
		close(read)
		<-release
	}
	store.mu.Unlock()

	done := make(chan []byte)
	go func() {
		v, _ := c.Load([]byte("k"))
		done <- v
	}()
	<-read

	store.mu.Lock()
	store.afterRead = nil
	store.mu.Unlock()
	c.Store([]byte("k"), []byte("new"))
	close(release)
	require.Equal(t, []byte("old"), <-done)

	v, ok := c.Load([]byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("new"), v)
	onDisk, _ := store.get("k")
	require.Equal(t, []byte("new"), onDisk)
}

func TestCache_HeldEntriesBounded(t *testing.T) {
	c, _ := newTestCache(t, CacheOptions{MaxPreInitBytes: 10})
	c.mem = memcache.NewNoop()

	c.Store([]byte("a"), []byte("123456"))
	c.Store([]byte("b"), []byte("123456"))
	st := c.Stats()
	require.Equal(t, 1, st.HeldEntries)
	require.Equal(t, int64(6), st.HeldBytes)

	c.Store([]byte("a"), []byte("1234"))
	require.Equal(t, int64(4), c.Stats().HeldBytes)

	store := initWithStore(t, c)
	v, ok := store.get("a")
	require.True(t, ok)
	require.Equal(t, []byte("1234"), v)
	_, ok = store.get("b")
	require.False(t, ok)
}

func TestCache_PurgeModerateHalvesMemory(t *testing.T) {
	c, _ := newTestCache(t, CacheOptions{})
	for i := range 10 {
		c.Store([]byte(fmt.Sprintf("k%d", i)), bytes.Repeat([]byte{'x'}, 100))
	}
	before := c.Stats().Memory.Size
	c.PurgeMemory(PressureModerate)
	require.LessOrEqual(t, c.Stats().Memory.Size, before/2)

	c.PurgeMemory(PressureNone)
	require.NotZero(t, c.Stats().Memory.Size)
}

func TestCache_RejectsEmptyAndOversized(t *testing.T) {
	c, _ := newTestCache(t, CacheOptions{Limits: config.EntryLimits{MaxKeySize: 4, MaxValueSize: 8}})
	store := initWithStore(t, c)

	c.Store(nil, []byte("v"))
	c.Store([]byte("k"), nil)
	c.Store([]byte("toolong"), []byte("v"))
	c.Store([]byte("k"), []byte("value too large"))

	_, ok := c.Load([]byte("k"))
	require.False(t, ok)
	require.Zero(t, store.stores)

	_, ok = c.Load(nil)
	require.False(t, ok)
	require.Equal(t, uint64(4), c.Stats().StoreCount)
}

func TestCache_InitializeTwicePanics(t *testing.T) {
	c, _ := newTestCache(t, CacheOptions{})
	initWithStore(t, c)
	require.Panics(t, func() {
		_ = c.InitializeCache(context.Background(), newMapStore().backend(), nil)
	})
}

func TestCache_InitializeFailureAllowsRetry(t *testing.T) {
	c, _ := newTestCache(t, CacheOptions{})
	failing := persistent.PendingBackendFunc(func(context.Context) (persistent.Store, error) {
		return nil, errStoreFailed
	})

	err := c.InitializeCache(context.Background(), failing, nil)
	require.ErrorIs(t, err, errStoreFailed)
	require.False(t, c.Initialized())
	require.ErrorIs(t, c.InitializeCache(context.Background(), nil, nil), ErrNoBackend)

	initWithStore(t, c)
	require.True(t, c.Initialized())
}

func TestCache_DiskFailuresAreAbsorbed(t *testing.T) {
	c, log := newTestCache(t, CacheOptions{})
	store := initWithStore(t, c)
	store.failWrites = true

	c.Store([]byte("k"), []byte("v"))
	v, ok := c.Load([]byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)

	store.failReads = true
	c.PurgeMemory(PressureCritical)
	_, ok = c.Load([]byte("k"))
	require.False(t, ok)
	require.Equal(t, LoadMiss, log.last())

	st := c.Stats()
	require.Equal(t, int64(1), st.DiskWriteErrors)
	require.Equal(t, int64(1), st.DiskReadErrors)
}

func TestCache_ConcurrentStoresSameKey(t *testing.T) {
	c, _ := newTestCache(t, CacheOptions{})
	store := initWithStore(t, c)

	values := make([][]byte, 8)
	for i := range values {
		values[i] = bytes.Repeat([]byte{byte('a' + i)}, 4096)
	}

	var wg sync.WaitGroup
	for _, v := range values {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Store([]byte("shared"), v)
		}()
	}
	wg.Wait()

	got, ok := c.Load([]byte("shared"))
	require.True(t, ok)
	require.Contains(t, values, got)
	onDisk, ok := store.get("shared")
	require.True(t, ok)
	require.Contains(t, values, onDisk)
}

func TestCache_ConcurrentDiskLoads(t *testing.T) {
	c, _ := newTestCache(t, CacheOptions{})
	store := initWithStore(t, c)
	c.Store([]byte("k"), []byte("payload"))
	c.PurgeMemory(PressureCritical)

	var wg sync.WaitGroup
	results := make([][]byte, 16)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = c.Load([]byte("k"))
		}()
	}
	wg.Wait()

	for _, r := range results {
		require.Equal(t, []byte("payload"), r)
	}
	require.GreaterOrEqual(t, store.loads, 1)
}

func newAsyncCache(t *testing.T, maxPending int64) (*Cache, *manualRunner, *mapStore, *outcomeLog) {
	t.Helper()
	clock := newFakeClock()
	runner := newManualRunner(clock)
	c, log := newTestCache(t, CacheOptions{AsyncWrite: AsyncDiskWriteOpts{
		TaskRunner:             runner,
		MaxPendingBytesToWrite: maxPending,
		InitialDelay:           time.Second,
		IdleDelay:              time.Second,
	}})
	c.now = clock.Now
	return c, runner, initWithStore(t, c), log
}

func TestCache_AsyncWriteWaitsForIdle(t *testing.T) {
	c, runner, store, log := newAsyncCache(t, 0)

	c.Store([]byte("k1"), []byte("v1"))
	require.Equal(t, 1, runner.Pending())
	_, ok := store.get("k1")
	require.False(t, ok)

	// Pending entries are visible even after the memory tier is purged.
	c.PurgeMemory(PressureCritical)
	v, ok := c.Load([]byte("k1"))
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)
	require.Equal(t, LoadHitDisk, log.last())

	runner.Advance(500 * time.Millisecond)
	c.Store([]byte("k2"), []byte("v2"))
	require.Equal(t, 1, runner.Pending())

	// The cache stored 500ms ago, so the flush is postponed.
	runner.Advance(500 * time.Millisecond)
	_, ok = store.get("k1")
	require.False(t, ok)
	require.Equal(t, 1, runner.Pending())

	runner.Advance(time.Second)
	for _, k := range []string{"k1", "k2"} {
		_, ok := store.get(k)
		require.True(t, ok, k)
	}
	require.Zero(t, runner.Pending())
	require.Zero(t, c.Stats().PendingBytes)
}

func TestCache_AsyncPendingLimitForcesFlush(t *testing.T) {
	c, runner, store, _ := newAsyncCache(t, 10)

	c.Store([]byte("k1"), bytes.Repeat([]byte{'a'}, 8))
	runner.Advance(500 * time.Millisecond)
	c.Store([]byte("k2"), bytes.Repeat([]byte{'b'}, 8))
	require.Equal(t, int64(16), c.Stats().PendingBytes)

	// Still busy, but over the limit: written at the first timer.
	runner.Advance(500 * time.Millisecond)
	_, ok := store.get("k1")
	require.True(t, ok)
	_, ok = store.get("k2")
	require.True(t, ok)
	require.Zero(t, runner.Pending())
}

func TestCache_AsyncCoalescesPerKey(t *testing.T) {
	c, runner, store, _ := newAsyncCache(t, 0)

	c.Store([]byte("k"), []byte("first"))
	c.Store([]byte("k"), []byte("second"))
	st := c.Stats()
	require.Equal(t, 1, st.PendingEntries)
	require.Equal(t, int64(len("second")), st.PendingBytes)

	runner.Advance(time.Second)
	v, ok := store.get("k")
	require.True(t, ok)
	require.Equal(t, []byte("second"), v)
	require.Equal(t, 1, store.stores)
}

func TestCache_AsyncRejectedPostWritesInline(t *testing.T) {
	c, runner, store, _ := newAsyncCache(t, 0)
	runner.reject = true

	c.Store([]byte("k"), []byte("v"))
	_, ok := store.get("k")
	require.True(t, ok)
	require.Zero(t, c.Stats().PendingBytes)
}

func TestCache_FlushAndClose(t *testing.T) {
	c, runner, store, _ := newAsyncCache(t, 0)

	c.Store([]byte("k1"), []byte("v1"))
	c.Flush()
	_, ok := store.get("k1")
	require.True(t, ok)

	c.Store([]byte("k2"), []byte("v2"))
	require.NoError(t, c.Close())
	_, ok = store.get("k2")
	require.True(t, ok)
	require.True(t, store.closed)
	require.NoError(t, c.Close())

	// The timer left behind finds nothing to write.
	runner.Advance(time.Hour)
	require.Equal(t, 2, store.stores)
}

func TestCache_WriteActivity(t *testing.T) {
	c, _ := newTestCache(t, CacheOptions{})
	store := newMapStore()
	var counter WriteCounter
	var during []int64
	store.onStore = func([]byte) { during = append(during, counter.Active()) }

	c.Store([]byte("pre"), []byte("init"))
	require.NoError(t, c.InitializeCache(context.Background(), store.backend(), &counter))
	c.Store([]byte("post"), []byte("init"))

	require.Equal(t, []int64{1, 1}, during)
	require.Zero(t, counter.Active())
}

func TestCache_LoadBufferProvider(t *testing.T) {
	c, _ := newTestCache(t, CacheOptions{})
	c.Store([]byte("k"), []byte("12345"))

	out := c.load([]byte("k"), func(size int) []byte { return make([]byte, 2) })
	require.Equal(t, LoadHitMemory, out.result)
	require.Nil(t, out.value)
	require.Equal(t, 5, out.size)

	buf := make([]byte, 16)
	out = c.load([]byte("k"), func(size int) []byte { return buf })
	require.Equal(t, []byte("12345"), out.value)
	require.Equal(t, []byte("12345"), buf[:5])
}

func TestCache_OnMemoryDump(t *testing.T) {
	c, _ := newTestCache(t, CacheOptions{})
	c.Store([]byte("k"), []byte("value"))
	c.Load([]byte("k"))

	pmd := NewProcessMemoryDump(MemoryDumpArgs{LevelOfDetail: DumpBackground})
	c.OnMemoryDump("gpu/test", pmd)
	d := pmd.AllocatorDump("gpu/test")
	require.NotNil(t, d)
	for name, want := range map[string]uint64{"size": 5, "object_count": 1, "load_count": 1, "store_count": 1} {
		got, ok := d.Scalar(name)
		require.True(t, ok, name)
		require.Equal(t, want, got, name)
	}
	_, ok := d.Scalar("hits")
	require.False(t, ok)

	detailed := NewProcessMemoryDump(MemoryDumpArgs{LevelOfDetail: DumpDetailed})
	c.OnMemoryDump("gpu/test", detailed)
	hits, ok := detailed.AllocatorDump("gpu/test").Scalar("hits")
	require.True(t, ok)
	require.Equal(t, uint64(1), hits)
}

func TestCache_Metrics(t *testing.T) {
	m := DefaultCacheMetrics(nil)
	c := NewCache("Metrics", nil, CacheOptions{Metrics: m})
	store := initWithStore(t, c)

	c.Store([]byte("k"), []byte("value"))
	c.Store([]byte("k"), nil)
	c.Load([]byte("k"))
	c.Load([]byte("absent"))

	require.Equal(t, 1.0, testutil.ToFloat64(m.LoadTotal.WithLabelValues("Metrics", "hit_memory")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.LoadTotal.WithLabelValues("Metrics", "miss")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.StoreTotal.WithLabelValues("Metrics")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.StoreRejected.WithLabelValues("Metrics")))
	require.Equal(t, 5.0, testutil.ToFloat64(m.DiskWriteBytes.WithLabelValues("Metrics")))

	store.failWrites = true
	c.Store([]byte("k2"), []byte("v"))
	require.Equal(t, 1.0, testutil.ToFloat64(m.DiskWriteErrors.WithLabelValues("Metrics")))
	require.Len(t, m.Collectors(), 9)

	var nilMetrics *CacheMetrics
	nilMetrics.Record("x", LoadMiss)
	nilMetrics.ObserveDiskWrite("x", 1, time.Millisecond, errors.New("boom"))
	require.Nil(t, nilMetrics.Collectors())
}

func TestCache_TinyLFUMemoryTier(t *testing.T) {
	mem, err := memcache.NewTinyLFU(1 << 20)
	require.NoError(t, err)
	c := NewCache("Tiny", mem, CacheOptions{})
	initWithStore(t, c)

	c.Store([]byte("k"), []byte("v"))
	v, ok := c.Load([]byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)
	require.NoError(t, c.Close())
}

func TestCache_LogFileBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.log")
	c, _ := newTestCache(t, CacheOptions{})
	require.NoError(t, c.InitializeCache(context.Background(), persistent.LogFile(path), nil))
	c.Store([]byte("k"), []byte("v"))
	require.NoError(t, c.Close())

	reopened, log := newTestCache(t, CacheOptions{})
	require.NoError(t, reopened.InitializeCache(context.Background(), persistent.LogFile(path), nil))
	defer reopened.Close()
	v, ok := reopened.Load([]byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)
	require.Equal(t, LoadHitDisk, log.last())
}

func TestCache_SyncScenarioWithEmptyBackend(t *testing.T) {
	c, log := newTestCache(t, CacheOptions{})
	shader := bytes.Repeat([]byte{0xAB}, 100)
	c.Store([]byte("shaderA"), shader)

	require.NoError(t, c.InitializeCache(context.Background(), persistent.MemPebble(), nil))
	defer c.Close()

	v, ok := c.Load([]byte("shaderA"))
	require.True(t, ok)
	require.Equal(t, shader, v)
	require.Equal(t, LoadHitMemory, log.last())

	c.PurgeMemory(PressureCritical)
	v, ok = c.Load([]byte("shaderA"))
	require.True(t, ok)
	require.Equal(t, shader, v)
	require.Equal(t, LoadHitDisk, log.last())
}
