package session

import (
	"errors"
	"os"
	"sync"
)

const (
	bridgeChunkSize = 64 * 1024
	bridgeDepth     = 16
)

// ErrBridgeClosed is returned by writes to a closed or force-closed bridge.
var ErrBridgeClosed = errors.New("file bridge closed")

// FileBridge is the write end handed to a client by OpenWrite. Writes are
// copied into a bounded in-memory queue; a dedicated goroutine owns the
// staged file and drains the queue into it, so the client never touches the
// file directly.
//
// A FileBridge is not safe for concurrent writes. IsClosed and ForceClose
// may be called from any goroutine.
type FileBridge struct {
	name   string
	target *os.File

	chunks chan []byte
	forced chan struct{}
	done   chan struct{}

	// wmu serializes the client side so Close cannot race a pending send.
	wmu          sync.Mutex
	clientClosed bool

	mu      sync.Mutex
	closed  bool
	err     error
	written int64

	forceOnce sync.Once
}

func newFileBridge(name string, target *os.File) *FileBridge {
	return &FileBridge{
		name:   name,
		target: target,
		chunks: make(chan []byte, bridgeDepth),
		forced: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (b *FileBridge) start() {
	go b.drain()
}

func (b *FileBridge) drain() {
	defer close(b.done)
	for {
		select {
		case chunk, ok := <-b.chunks:
			if !ok {
				err := b.target.Sync()
				if cerr := b.target.Close(); err == nil {
					err = cerr
				}
				b.finish(err)
				return
			}
			if b.failed() != nil {
				continue
			}
			n, err := b.target.Write(chunk)
			b.mu.Lock()
			b.written += int64(n)
			if err != nil && b.err == nil {
				b.err = err
			}
			b.mu.Unlock()
		case <-b.forced:
			_ = b.target.Close()
			b.finish(ErrBridgeClosed)
			return
		}
	}
}

func (b *FileBridge) finish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil && b.err == nil {
		b.err = err
	}
	b.closed = true
}

func (b *FileBridge) failed() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Name returns the staged file name.
func (b *FileBridge) Name() string { return b.name }

// Write queues p for the staged file. It blocks while the queue is full and
// returns the first write error the drain goroutine hit.
func (b *FileBridge) Write(p []byte) (int, error) {
	b.wmu.Lock()
	defer b.wmu.Unlock()

	if b.clientClosed {
		return 0, ErrBridgeClosed
	}
	if err := b.failed(); err != nil {
		return 0, err
	}

	n := 0
	for len(p) > 0 {
		size := min(len(p), bridgeChunkSize)
		chunk := make([]byte, size)
		copy(chunk, p[:size])

		select {
		case <-b.forced:
			return n, ErrBridgeClosed
		default:
		}
		select {
		case b.chunks <- chunk:
		case <-b.forced:
			return n, ErrBridgeClosed
		}
		n += size
		p = p[size:]
	}
	return n, nil
}

// Close flushes queued data, syncs and closes the staged file. It returns
// once the file is closed, with ErrBridgeClosed if the bridge was forced shut
// and queued data was dropped.
func (b *FileBridge) Close() error {
	b.wmu.Lock()
	if !b.clientClosed {
		b.clientClosed = true
		close(b.chunks)
	}
	b.wmu.Unlock()

	<-b.done
	return b.failed()
}

// IsClosed reports whether the staged file has been closed, either by the
// client or by ForceClose.
func (b *FileBridge) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// ForceClose abandons queued data and closes the staged file, unblocking any
// writer. Later writes and Close report ErrBridgeClosed. Safe to call more
// than once and after Close.
func (b *FileBridge) ForceClose() {
	b.forceOnce.Do(func() { close(b.forced) })
	<-b.done
}

// Written returns the number of bytes written to the staged file so far.
func (b *FileBridge) Written() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written
}
