package config

import "time"

// EntryLimits bounds what a cache accepts. Entries outside the limits are
// dropped silently.
type EntryLimits struct {
	MaxKeySize   int
	MaxValueSize int64
}

type AsyncWriteConfig struct {
	// MaxPendingBytes caps the queued but unwritten payload. Past it the
	// flush is no longer postponed while the cache stays busy.
	MaxPendingBytes int64
	InitialDelay    time.Duration
	IdleDelay       time.Duration
}

type CollectionConfig struct {
	// MaxInMemoryCacheSize is shared by the memory tiers of all caches.
	MaxInMemoryCacheSize int64
	// MaxInMemoryItemSize keeps single large entries out of the memory tier.
	MaxInMemoryItemSize int64

	Limits     EntryLimits
	AsyncWrite AsyncWriteConfig
}

func DefaultEntryLimits() EntryLimits {
	return EntryLimits{
		MaxKeySize:   64 * 1024,
		MaxValueSize: 256 * 1024 * 1024,
	}
}

func DefaultAsyncWriteConfig() AsyncWriteConfig {
	return AsyncWriteConfig{
		MaxPendingBytes: 1<<63 - 1,
		InitialDelay:    time.Second,
		IdleDelay:       time.Second,
	}
}

func DefaultCollectionConfig() CollectionConfig {
	return CollectionConfig{
		MaxInMemoryCacheSize: 64 * 1024 * 1024,
		Limits:               DefaultEntryLimits(),
		AsyncWrite:           DefaultAsyncWriteConfig(),
	}
}

// GLShaderLimits suits ANGLE program binaries, which are small and numerous.
func GLShaderLimits() EntryLimits {
	cfg := DefaultEntryLimits()
	cfg.MaxKeySize = 1024
	cfg.MaxValueSize = 16 * 1024 * 1024
	return cfg
}

// DawnLimits suits Dawn pipeline blobs, which can be large.
func DawnLimits() EntryLimits {
	cfg := DefaultEntryLimits()
	cfg.MaxValueSize = 64 * 1024 * 1024
	return cfg
}

// LowMemoryCollectionConfig writes eagerly and keeps a small memory tier.
func LowMemoryCollectionConfig() CollectionConfig {
	cfg := DefaultCollectionConfig()
	cfg.MaxInMemoryCacheSize = 8 * 1024 * 1024
	cfg.MaxInMemoryItemSize = 1024 * 1024
	cfg.AsyncWrite.MaxPendingBytes = 4 * 1024 * 1024
	return cfg
}
