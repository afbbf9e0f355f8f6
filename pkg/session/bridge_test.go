package session

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openBridge(t *testing.T) (*FileBridge, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.bin")
	f, err := os.Create(path)
	require.NoError(t, err)
	b := newFileBridge("out.bin", f)
	b.start()
	return b, path
}

func TestFileBridge_WriteAndClose(t *testing.T) {
	b, path := openBridge(t)

	payload := bytes.Repeat([]byte("apk!"), bridgeChunkSize) // several chunks
	n, err := b.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.False(t, b.IsClosed())

	require.NoError(t, b.Close())
	assert.True(t, b.IsClosed())
	assert.Equal(t, int64(len(payload)), b.Written())
	assert.Equal(t, "out.bin", b.Name())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	_, err = b.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrBridgeClosed)
	assert.NoError(t, b.Close())
}

func TestFileBridge_WriteCopiesInput(t *testing.T) {
	b, path := openBridge(t)

	buf := []byte("abc")
	_, err := b.Write(buf)
	require.NoError(t, err)
	copy(buf, "zzz")
	require.NoError(t, b.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
}

func TestFileBridge_ForceCloseUnblocksWriter(t *testing.T) {
	b, _ := openBridge(t)

	// The writer keeps the queue saturated until the bridge is forced shut.
	errc := make(chan error, 1)
	go func() {
		big := make([]byte, bridgeChunkSize*(bridgeDepth+8))
		var err error
		for err == nil {
			_, err = b.Write(big)
		}
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	b.ForceClose()
	b.ForceClose()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrBridgeClosed)
	case <-time.After(waitTimeout):
		t.Fatal("writer still blocked after ForceClose")
	}
	assert.True(t, b.IsClosed())
}

func TestFileBridge_WriteAfterForceClose(t *testing.T) {
	b, _ := openBridge(t)
	b.ForceClose()

	n, err := b.Write([]byte("hello"))
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, ErrBridgeClosed)
	assert.ErrorIs(t, b.Close(), ErrBridgeClosed)
}

func TestFileBridge_ForceCloseAfterClose(t *testing.T) {
	b, _ := openBridge(t)
	_, err := b.Write([]byte("done"))
	require.NoError(t, err)
	require.NoError(t, b.Close())

	b.ForceClose()
	assert.True(t, b.IsClosed())
	assert.Equal(t, int64(4), b.Written())
}
