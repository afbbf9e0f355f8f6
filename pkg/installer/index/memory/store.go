// Package memory provides an in-process SessionIndex. Records do not
// survive a restart.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/installer/index"
)

// Store is a map-backed SessionIndex.
type Store struct {
	mu      sync.RWMutex
	records map[int]index.Record
	closed  bool
}

// New returns an empty store.
func New() *Store {
	return &Store{records: make(map[int]index.Record)}
}

func (s *Store) Put(ctx context.Context, r index.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return index.ErrClosed
	}
	s.records[r.ID] = r
	return nil
}

func (s *Store) Get(ctx context.Context, id int) (index.Record, error) {
	if err := ctx.Err(); err != nil {
		return index.Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return index.Record{}, index.ErrClosed
	}
	r, ok := s.records[id]
	if !ok {
		return index.Record{}, index.ErrNotFound
	}
	return r, nil
}

func (s *Store) Delete(ctx context.Context, id int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return index.ErrClosed
	}
	delete(s.records, id)
	return nil
}

func (s *Store) List(ctx context.Context) ([]index.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, index.ErrClosed
	}
	out := make([]index.Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
