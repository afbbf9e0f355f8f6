// Package workerpool runs bounded background work such as session commit
// passes.
//
// A Pool never runs more than Size tasks at once. Submit only enqueues: tasks
// beyond Size wait in an unbounded FIFO queue, never in the caller. Workers
// are started on demand and exit after sitting idle for KeepAlive, so an
// unused pool holds no goroutines. Pools are shared by name through a
// Registry that is passed explicitly to the components that need it and shut
// down explicitly.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CyanogenMod/android-frameworks-base-sub001/internal/logger"
)

// DefaultKeepAlive is how long an idle worker waits for more work.
const DefaultKeepAlive = 5 * time.Second

var (
	// ErrPoolClosed is returned by Submit after Shutdown.
	ErrPoolClosed = errors.New("worker pool is closed")

	// ErrRegistryClosed is returned by GetOrCreate after Registry.Shutdown.
	ErrRegistryClosed = errors.New("worker pool registry is closed")
)

// Config sizes a Pool.
type Config struct {
	// Size is the maximum number of tasks running at once (default: 1)
	Size int `mapstructure:"size" validate:"omitempty,gte=1" yaml:"size"`

	// KeepAlive is how long an idle worker lingers (default: 5s)
	KeepAlive time.Duration `mapstructure:"keep_alive" validate:"omitempty,gt=0" yaml:"keep_alive"`
}

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = 1
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	return c
}

// Pool is a bounded set of on-demand worker goroutines fed by a task queue.
//
// Thread Safety: Safe for concurrent use.
type Pool struct {
	name   string
	config Config

	// wake carries one token per task handed to an idle worker.
	wake chan struct{}
	quit chan struct{}

	mu      sync.Mutex
	queue   []func()
	workers int
	idle    int
	closed  bool
	wg      sync.WaitGroup

	running   atomic.Int32
	completed atomic.Uint64
	panicked  atomic.Uint64
}

// New creates a pool. No goroutines are started until the first Submit.
func New(name string, config Config) *Pool {
	config = config.withDefaults()
	return &Pool{
		name:   name,
		config: config,
		wake:   make(chan struct{}, config.Size),
		quit:   make(chan struct{}),
	}
}

// Name returns the name the pool was created with.
func (p *Pool) Name() string { return p.name }

// Submit queues fn and returns without waiting for a free worker. It fails
// with ctx.Err() when ctx is already done and with ErrPoolClosed after
// Shutdown.
func (p *Pool) Submit(ctx context.Context, fn func()) error {
	if fn == nil {
		return fmt.Errorf("workerpool %s: nil task", p.name)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}

	p.queue = append(p.queue, fn)
	switch {
	case p.idle > 0:
		p.idle--
		p.wake <- struct{}{}
	case p.workers < p.config.Size:
		p.workers++
		p.wg.Add(1)
		go p.worker()
	}
	return nil
}

// next pops the oldest queued task. When the queue is empty it registers the
// caller as idle and returns nil.
func (p *Pool) next() (func(), bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) > 0 {
		fn := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		return fn, true
	}
	if p.closed {
		p.workers--
		return nil, false
	}
	p.idle++
	return nil, true
}

// retire removes an idle worker that timed out or saw quit. It reports false
// when a Submit already claimed the worker, which then owes it a wake token.
func (p *Pool) retire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.wake:
		return false
	default:
	}
	if len(p.queue) > 0 {
		p.idle--
		return false
	}
	p.idle--
	p.workers--
	return true
}

func (p *Pool) worker() {
	defer p.wg.Done()

	idle := time.NewTimer(p.config.KeepAlive)
	defer idle.Stop()

	for {
		fn, ok := p.next()
		if !ok {
			return
		}
		if fn != nil {
			p.run(fn)
			continue
		}

		idle.Reset(p.config.KeepAlive)
		select {
		case <-p.wake:
		case <-idle.C:
			if p.retire() {
				return
			}
		case <-p.quit:
			if p.retire() {
				return
			}
		}
	}
}

func (p *Pool) run(fn func()) {
	p.running.Add(1)
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			logger.Error("workerpool %s: task panicked: %v\n%s", p.name, r, debug.Stack())
		}
		p.running.Add(-1)
		p.completed.Add(1)
	}()
	fn()
}

// Shutdown stops accepting work and waits for running and already queued
// tasks to finish or ctx to expire. Safe to call more than once.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.quit)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		logger.Warn("workerpool %s: shutdown timeout with %d tasks running", p.name, p.running.Load())
		return ctx.Err()
	}
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	Name      string
	Size      int
	Workers   int
	Running   int
	Queued    int
	Completed uint64
	Panicked  uint64
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	workers, queued := p.workers, len(p.queue)
	p.mu.Unlock()

	return Stats{
		Name:      p.name,
		Size:      p.config.Size,
		Workers:   workers,
		Running:   int(p.running.Load()),
		Queued:    queued,
		Completed: p.completed.Load(),
		Panicked:  p.panicked.Load(),
	}
}
