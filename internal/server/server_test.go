package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/assetcache/internal/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// freePort reserves and releases a loopback port for a listener under test.
func freePort(t *testing.T) int {
	t.Helper()
	var lc net.ListenConfig
	l, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func listenConfig(port int) config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Listen.Address = "127.0.0.1"
	cfg.Server.Listen.Port = port
	return cfg
}

func TestNewRejectsMissingGatewayHandler(t *testing.T) {
	_, err := New(config.DefaultConfig(), newTestLogger(), nil)
	require.ErrorContains(t, err, "handler required")
}

func TestNewJoinsListenAddress(t *testing.T) {
	cases := map[string]struct {
		address string
		port    int
		want    string
	}{
		"defaults": {address: "0.0.0.0", port: 8080, want: "0.0.0.0:8080"},
		"loopback": {address: "127.0.0.1", port: 9090, want: "127.0.0.1:9090"},
		"ipv6":     {address: "::1", port: 8443, want: "[::1]:8443"},
		"any host": {address: "", port: 80, want: ":80"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Server.Listen.Address = tc.address
			cfg.Server.Listen.Port = tc.port
			srv, err := New(cfg, nil, http.NewServeMux())
			require.NoError(t, err)
			require.Equal(t, tc.want, srv.Addr())
		})
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	port := freePort(t)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(CacheHeader, "hit")
		w.WriteHeader(http.StatusOK)
	})
	srv, err := New(listenConfig(port), newTestLogger(), handler)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx)
	}()

	client := &http.Client{Timeout: time.Second}
	target := "http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(port)) + "/favicon.ico"
	require.Eventually(t, func() bool {
		resp, err := client.Get(target)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK && resp.Header.Get(CacheHeader) == "hit"
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.True(t, errors.Is(err, context.Canceled), "expected context canceled, got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not return after cancellation")
	}
}

func TestRunReportsListenFailure(t *testing.T) {
	var lc net.ListenConfig
	occupied, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	srv, err := New(listenConfig(occupied.Addr().(*net.TCPAddr).Port), newTestLogger(), http.NewServeMux())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = srv.Run(ctx)
	require.ErrorContains(t, err, "server: listen")
}
