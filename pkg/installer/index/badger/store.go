// Package badger provides a SessionIndex persisted in BadgerDB.
package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/CyanogenMod/android-frameworks-base-sub001/internal/logger"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/installer/index"
)

// Config configures the BadgerDB session index.
type Config struct {
	// DBPath is the directory BadgerDB keeps its files in.
	DBPath string `mapstructure:"db_path" validate:"required" yaml:"db_path"`

	// InMemory runs BadgerDB without touching disk. Used by tests.
	InMemory bool `mapstructure:"in_memory" yaml:"in_memory,omitempty"`

	// SyncWrites fsyncs every transaction commit (default true through
	// config defaults).
	SyncWrites bool `mapstructure:"sync_writes" yaml:"sync_writes"`
}

// Store is a SessionIndex backed by BadgerDB.
type Store struct {
	db *badger.DB

	mu     sync.RWMutex
	closed bool
}

// New opens (or creates) the index at cfg.DBPath.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.DBPath == "" {
			return nil, errors.New("badger session index requires db_path")
		}
		opts = badger.DefaultOptions(cfg.DBPath)
	}
	// Records are small and few.
	opts = opts.
		WithLoggingLevel(badger.WARNING).
		WithCompression(options.None).
		WithSyncWrites(cfg.SyncWrites).
		WithBlockCacheSize(8 << 20).
		WithIndexCacheSize(4 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.DBPath, err)
	}
	logger.Debug("Opened session index at %s", cfg.DBPath)
	return &Store{db: db}, nil
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed {
		return index.ErrClosed
	}
	return nil
}

func (s *Store) Put(ctx context.Context, r index.Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return err
	}

	data, err := encodeRecord(r)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keySession(r.ID), data)
	})
}

func (s *Store) Get(ctx context.Context, id int) (index.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return index.Record{}, err
	}

	var r index.Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keySession(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return index.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			r, err = decodeRecord(val)
			return err
		})
	})
	return r, err
}

func (s *Store) Delete(ctx context.Context, id int) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(keySession(id))
	})
}

func (s *Store) List(ctx context.Context) ([]index.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var out []index.Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixSession)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			err := item.Value(func(val []byte) error {
				r, err := decodeRecord(val)
				if err != nil {
					// A corrupt record must not hide the others.
					id, _ := idFromKey(item.Key())
					logger.Warn("Skipping unreadable session record %d: %v", id, err)
					return nil
				}
				out = append(out, r)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the database. Further calls return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
