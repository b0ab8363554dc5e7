package gpucache

import (
	"log/slog"
	"time"

	"github.com/ankur-anand/gpucache/config"
	"github.com/ankur-anand/gpucache/memcache"
)

// AsyncDiskWriteOpts controls how stores reach the disk tier. It is read-only
// once a cache has been created.
type AsyncDiskWriteOpts struct {
	// TaskRunner runs the deferred writes. If nil, writes are synchronous.
	TaskRunner TaskRunner
	// MaxPendingBytesToWrite bounds the queued payload. Once exceeded, the
	// write happens after InitialDelay and is not rescheduled even if the
	// cache is still busy.
	MaxPendingBytesToWrite int64
	// InitialDelay is the delay between the first pending write and the
	// flush attempt.
	InitialDelay time.Duration
	// IdleDelay postpones the flush while stores keep arriving within it.
	IdleDelay time.Duration
}

func DefaultAsyncDiskWriteOpts() AsyncDiskWriteOpts {
	return AsyncDiskWriteOptsFromConfig(config.DefaultAsyncWriteConfig(), nil)
}

func AsyncDiskWriteOptsFromConfig(cfg config.AsyncWriteConfig, runner TaskRunner) AsyncDiskWriteOpts {
	return AsyncDiskWriteOpts{
		TaskRunner:             runner,
		MaxPendingBytesToWrite: cfg.MaxPendingBytes,
		InitialDelay:           cfg.InitialDelay,
		IdleDelay:              cfg.IdleDelay,
	}
}

// DefaultMaxPreInitBytes bounds the entries a cache holds outside its memory
// tier while waiting for InitializeCache.
const DefaultMaxPreInitBytes = 16 * 1024 * 1024

type CacheOptions struct {
	AsyncWrite AsyncDiskWriteOpts
	Limits     config.EntryLimits
	// MaxPreInitBytes bounds values the memory tier refused before
	// initialization. They are written to disk by InitializeCache.
	MaxPreInitBytes int64
	// Recorder receives one outcome per load. Nil disables recording.
	Recorder OutcomeRecorder
	Metrics  *CacheMetrics
	Logger   *slog.Logger
}

func DefaultCacheOptions() CacheOptions {
	return CacheOptions{
		AsyncWrite: DefaultAsyncDiskWriteOpts(),
		Limits:     config.DefaultEntryLimits(),
	}
}

type CollectionOptions struct {
	// MemoryCache builds the memory tier of each cache. The default is an
	// LRU sharing the collection budget.
	MemoryCache func(h Handle, budget *memcache.Budget) memcache.Cache
	// MaxInMemoryItemSize keeps single large entries out of the memory tier.
	MaxInMemoryItemSize int64
	// Limits overrides the per handle type defaults when set.
	Limits *config.EntryLimits
	// MaxPreInitBytes is passed to each cache, see CacheOptions.
	MaxPreInitBytes int64
	Recorder OutcomeRecorder
	Metrics  *CacheMetrics
	Logger   *slog.Logger
}
