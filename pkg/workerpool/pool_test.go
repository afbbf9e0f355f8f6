package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_BoundsConcurrency(t *testing.T) {
	p := New("test", Config{Size: 2, KeepAlive: time.Minute})
	defer func() { _ = p.Shutdown(context.Background()) }()

	var (
		current, peak atomic.Int32
		wg            sync.WaitGroup
	)
	release := make(chan struct{})

	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Submit(context.Background(), func() {
				n := current.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				<-release
				current.Add(-1)
			})
			assert.NoError(t, err)
		}()
	}

	require.Eventually(t, func() bool { return p.Stats().Running == 2 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	require.Eventually(t, func() bool { return p.Stats().Completed == 6 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(2), peak.Load())
}

func TestPool_SubmitRejectsDoneContext(t *testing.T) {
	p := New("test", Config{Size: 1})
	defer func() { _ = p.Shutdown(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Submit(ctx, func() {}), context.Canceled)
}

func TestPool_SubmitQueuesWhenSaturated(t *testing.T) {
	p := New("test", Config{Size: 1, KeepAlive: time.Minute})
	defer func() { _ = p.Shutdown(context.Background()) }()

	block := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func() { <-block }))
	require.Eventually(t, func() bool { return p.Stats().Running == 1 }, time.Second, time.Millisecond)

	var order []int
	var mu sync.Mutex
	done := make(chan struct{})
	submitted := make(chan struct{})
	go func() {
		defer close(submitted)
		for i := 0; i < 3; i++ {
			i := i
			assert.NoError(t, p.Submit(context.Background(), func() {
				mu.Lock()
				order = append(order, i)
				n := len(order)
				mu.Unlock()
				if n == 3 {
					close(done)
				}
			}))
		}
	}()

	select {
	case <-submitted:
	case <-time.After(time.Second):
		t.Fatal("Submit waited for a free worker")
	}
	assert.Equal(t, 3, p.Stats().Queued)

	close(block)
	<-done
	assert.Equal(t, []int{0, 1, 2}, order)
	assert.Equal(t, 1, p.Stats().Workers)
}

func TestPool_TaskCanSubmitToSaturatedPool(t *testing.T) {
	p := New("test", Config{Size: 1})
	defer func() { _ = p.Shutdown(context.Background()) }()

	inner := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func() {
		assert.NoError(t, p.Submit(context.Background(), func() { close(inner) }))
	}))

	select {
	case <-inner:
	case <-time.After(time.Second):
		t.Fatal("nested submit never ran")
	}
}

func TestPool_ShutdownDrainsQueue(t *testing.T) {
	p := New("test", Config{Size: 1})

	block := make(chan struct{})
	var ran atomic.Int32
	require.NoError(t, p.Submit(context.Background(), func() { <-block; ran.Add(1) }))
	require.NoError(t, p.Submit(context.Background(), func() { ran.Add(1) }))

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(block)
	}()
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, int32(2), ran.Load())
}

func TestPool_IdleWorkersExit(t *testing.T) {
	p := New("test", Config{Size: 3, KeepAlive: 10 * time.Millisecond})
	defer func() { _ = p.Shutdown(context.Background()) }()

	done := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func() { close(done) }))
	<-done

	require.Eventually(t, func() bool { return p.Stats().Workers == 0 }, time.Second, 5*time.Millisecond)

	// A fresh submit after the idle exit starts a new worker.
	again := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func() { close(again) }))
	<-again
}

func TestPool_PanicDoesNotKillPool(t *testing.T) {
	p := New("test", Config{Size: 1})
	defer func() { _ = p.Shutdown(context.Background()) }()

	require.NoError(t, p.Submit(context.Background(), func() { panic("boom") }))

	done := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func() { close(done) }))
	<-done
	assert.Equal(t, uint64(1), p.Stats().Panicked)
}

func TestPool_ShutdownWaitsAndRejects(t *testing.T) {
	p := New("test", Config{Size: 2})

	var ran atomic.Bool
	require.NoError(t, p.Submit(context.Background(), func() {
		time.Sleep(20 * time.Millisecond)
		ran.Store(true)
	}))

	require.NoError(t, p.Shutdown(context.Background()))
	assert.True(t, ran.Load())
	assert.ErrorIs(t, p.Submit(context.Background(), func() {}), ErrPoolClosed)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPool_ShutdownTimeout(t *testing.T) {
	p := New("test", Config{Size: 1})
	block := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func() { <-block }))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)
	close(block)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	a, err := r.GetOrCreate("commit", Config{Size: 4})
	require.NoError(t, err)
	b, err := r.GetOrCreate("commit", Config{Size: 1})
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 4, b.Stats().Size)

	_, err = r.GetOrCreate("io", Config{})
	require.NoError(t, err)
	assert.Equal(t, []string{"commit", "io"}, r.Names())

	got, ok := r.Get("io")
	require.True(t, ok)
	assert.Equal(t, "io", got.Name())

	require.NoError(t, r.Shutdown(context.Background()))
	_, err = r.GetOrCreate("late", Config{})
	assert.ErrorIs(t, err, ErrRegistryClosed)
	assert.ErrorIs(t, a.Submit(context.Background(), func() {}), ErrPoolClosed)
}
