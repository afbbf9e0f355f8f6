package metrics

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()
	cfg.Host = "127.0.0.1"
	if cfg.Port == 0 {
		cfg.Port = freePort(t)
	}
	srv := NewServer(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	require.Eventually(t, func() bool { return srv.Addr() != nil }, 5*time.Second, 10*time.Millisecond)
	return srv
}

func get(t *testing.T, srv *Server, path string) (int, string) {
	t.Helper()
	resp, err := http.Get("http://" + srv.Addr().String() + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServer_Healthz(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := startServer(t, ServerConfig{Health: func() error {
		if !healthy.Load() {
			return errors.New("settings unreadable")
		}
		return nil
	}})

	code, body := get(t, srv, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok\n", body)

	healthy.Store(false)
	code, body = get(t, srv, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "settings unreadable")
}

func TestServer_MetricsEndpoint(t *testing.T) {
	InitRegistry()
	srv := startServer(t, ServerConfig{})

	code, _ := get(t, srv, "/metrics")
	assert.Equal(t, http.StatusOK, code)
}

func TestServer_StopIsIdempotent(t *testing.T) {
	srv := NewServer(ServerConfig{Port: freePort(t), Host: "127.0.0.1"})
	assert.NoError(t, srv.Stop(context.Background()))
	assert.NoError(t, srv.Stop(context.Background()))
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}
