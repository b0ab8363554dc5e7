package persistent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
)

type BadgerOptions struct {
	// Dir is ignored when InMemory is set.
	Dir      string
	InMemory bool
	// SyncWrites forces an fsync on every write.
	SyncWrites bool
	Logger     *slog.Logger
}

type badgerStore struct {
	db     *badger.DB
	closed atomic.Bool
}

// Badger returns a backend storing entries in a badger database.
func Badger(opts BadgerOptions) PendingBackend {
	return PendingBackendFunc(func(ctx context.Context) (Store, error) {
		bOpts := badger.DefaultOptions(opts.Dir).
			WithInMemory(opts.InMemory).
			WithSyncWrites(opts.SyncWrites).
			WithLogger(newBadgerLogger(opts.Logger))
		if opts.InMemory {
			bOpts.Dir = ""
			bOpts.ValueDir = ""
		}
		db, err := badger.Open(bOpts)
		if err != nil {
			return nil, fmt.Errorf("open badger %q: %w", opts.Dir, err)
		}
		return &badgerStore{db: db}, nil
	})
}

func (s *badgerStore) Load(key []byte, provide BufferProvider) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		buf, err := checkedBuffer(provide, int(item.ValueSize()))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(buf[:0])
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if errors.Is(err, badger.ErrDBClosed) {
		return nil, ErrClosed
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *badgerStore) Store(key, value []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	if errors.Is(err, badger.ErrDBClosed) {
		return ErrClosed
	}
	return err
}

func (s *badgerStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

// badgerLogger routes badger's printf style logging to slog.
type badgerLogger struct {
	log *slog.Logger
}

func newBadgerLogger(l *slog.Logger) badger.Logger {
	if l == nil {
		l = slog.Default()
	}
	return badgerLogger{log: l.With("component", "badger")}
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.log.Error(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...))
}
