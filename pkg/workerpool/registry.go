package workerpool

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/CyanogenMod/android-frameworks-base-sub001/internal/logger"
)

// Registry hands out shared pools by name.
//
// Example usage:
//
//	pools := workerpool.NewRegistry()
//	commits, _ := pools.GetOrCreate("session-commit", workerpool.Config{Size: 4})
//	defer pools.Shutdown(ctx)
type Registry struct {
	mu     sync.Mutex
	pools  map[string]*Pool
	closed bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{pools: make(map[string]*Pool)}
}

// GetOrCreate returns the pool registered under name, creating it with
// config if absent. The config of an existing pool is left unchanged.
func (r *Registry) GetOrCreate(name string, config Config) (*Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	if p, ok := r.pools[name]; ok {
		return p, nil
	}

	p := New(name, config)
	r.pools[name] = p
	logger.Debug("workerpool: created %s size=%d keep_alive=%s", name, p.config.Size, p.config.KeepAlive)
	return p, nil
}

// Get returns the pool registered under name.
func (r *Registry) Get(name string) (*Pool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[name]
	return p, ok
}

// Names returns the registered pool names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shutdown shuts down every pool and refuses further GetOrCreate calls.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	pools := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.Unlock()

	var errs []error
	for _, p := range pools {
		if err := p.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
