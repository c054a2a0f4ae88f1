package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/jarcoal/httpmock"
	"github.com/l0p7/assetcache/internal/config"
	"github.com/l0p7/assetcache/internal/storage"
	"github.com/l0p7/assetcache/internal/worker"
	"github.com/stretchr/testify/require"
)

const testOrigin = "https://roomify.test"

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestBuildStorage(t *testing.T) {
	tests := []struct {
		name   string
		cfg    func(t *testing.T) config.ServerCacheConfig
		verify func(t *testing.T, store storage.CacheStorage)
	}{
		{
			name: "defaults to memory",
			cfg: func(t *testing.T) config.ServerCacheConfig {
				return config.ServerCacheConfig{}
			},
			verify: func(t *testing.T, store storage.CacheStorage) {
				require.NotNil(t, store, "expected storage to be constructed")
			},
		},
		{
			name: "falls back to memory when redis unreachable",
			cfg: func(t *testing.T) config.ServerCacheConfig {
				return config.ServerCacheConfig{Backend: "redis"}
			},
			verify: func(t *testing.T, store storage.CacheStorage) {
				require.NotNil(t, store)
			},
		},
		{
			name: "constructs redis storage",
			cfg: func(t *testing.T) config.ServerCacheConfig {
				server, err := miniredis.Run()
				if err != nil {
					if strings.Contains(err.Error(), "operation not permitted") {
						t.Skip("miniredis unavailable in sandbox")
					}
					require.NoError(t, err)
				}
				t.Cleanup(server.Close)
				return config.ServerCacheConfig{
					Backend: "redis",
					Prefix:  "main-test:",
					Redis: config.ServerRedisCacheConfig{
						Address: server.Addr(),
					},
				}
			},
			verify: func(t *testing.T, store storage.CacheStorage) {
				ctx := context.Background()
				bucket, err := store.Open(ctx, "roomify_cache_v1")
				require.NoError(t, err)
				key := storage.RequestKey{Method: http.MethodGet, URL: testOrigin + "/"}
				require.NoError(t, bucket.PutAll(ctx, []storage.Entry{{
					Key:      key,
					Response: storage.NewResponse(http.StatusOK, nil, []byte("index")),
				}}))
				resp, ok, err := bucket.Match(ctx, key)
				require.NoError(t, err)
				require.True(t, ok, "expected match to succeed")
				require.Equal(t, []byte("index"), resp.Body)
			},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg(t)
			store := buildStorage(newTestLogger(), cfg)
			t.Cleanup(func() {
				require.NoError(t, store.Close(context.Background()))
			})

			tc.verify(t, store)
		})
	}
}

func newDeployer(t *testing.T, transport http.RoundTripper) (*deployer, storage.CacheStorage) {
	t.Helper()
	origin, err := url.Parse(testOrigin)
	require.NoError(t, err)
	client := &http.Client{Transport: transport}
	store := storage.NewMemory()
	logger := newTestLogger()
	return &deployer{
		registration: worker.NewRegistration(client, nil, logger),
		storage:      store,
		network:      client,
		origin:       origin,
		logger:       logger,
	}, store
}

func TestDeployerRollsOutNewBuckets(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodGet, testOrigin+"/", httpmock.NewStringResponder(http.StatusOK, "index"))
	transport.RegisterResponder(http.MethodGet, testOrigin+"/favicon.ico", httpmock.NewStringResponder(http.StatusOK, "icon"))
	d, store := newDeployer(t, transport)
	ctx := context.Background()

	v1 := config.WorkerConfig{BucketName: "roomify_cache_v1", Manifest: []string{"/"}}
	require.NoError(t, d.Deploy(ctx, v1))
	require.Equal(t, 1, transport.GetTotalCallCount())

	// Same bucket name is ignored even if the manifest changed.
	v1.Manifest = []string{"/", "/favicon.ico"}
	require.NoError(t, d.Deploy(ctx, v1))
	require.Equal(t, 1, transport.GetTotalCallCount())

	v2 := config.WorkerConfig{BucketName: "roomify_cache_v2", Manifest: []string{"/", "/favicon.ico"}}
	require.NoError(t, d.Deploy(ctx, v2))
	require.Equal(t, 3, transport.GetTotalCallCount())

	names, err := store.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"roomify_cache_v2"}, names)

	active, ok := d.registration.Active()
	require.True(t, ok)
	require.Equal(t, "roomify_cache_v2", active)
}

func TestDeployerKeepsPreviousVersionOnFailure(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodGet, testOrigin+"/", httpmock.NewStringResponder(http.StatusOK, "index"))
	transport.RegisterResponder(http.MethodGet, testOrigin+"/missing.png", httpmock.NewStringResponder(http.StatusNotFound, "nope"))
	d, _ := newDeployer(t, transport)
	ctx := context.Background()

	require.NoError(t, d.Deploy(ctx, config.WorkerConfig{BucketName: "roomify_cache_v1", Manifest: []string{"/"}}))

	err := d.Deploy(ctx, config.WorkerConfig{BucketName: "roomify_cache_v2", Manifest: []string{"/", "/missing.png"}})
	require.ErrorIs(t, err, worker.ErrInstallFailed)

	active, ok := d.registration.Active()
	require.True(t, ok)
	require.Equal(t, "roomify_cache_v1", active)

	// A failed bucket name is retried on the next deploy.
	transport.RegisterResponder(http.MethodGet, testOrigin+"/missing.png", httpmock.NewStringResponder(http.StatusOK, "png"))
	require.NoError(t, d.Deploy(ctx, config.WorkerConfig{BucketName: "roomify_cache_v2", Manifest: []string{"/", "/missing.png"}}))
	active, _ = d.registration.Active()
	require.Equal(t, "roomify_cache_v2", active)
}

func TestRunLoaderError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{loadErr: errors.New("boom")}
	})

	err := run(context.Background(), "ASSETCACHE", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "load configuration")
}

func TestRunServerConstructorError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: offlineConfig()}
	})

	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return nil, errors.New("construct failed")
	})

	err := run(context.Background(), "ASSETCACHE", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "construct failed")
}

func TestRunServerRunError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: offlineConfig()}
	})

	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{err: errors.New("run failed")}, nil
	})

	err := run(context.Background(), "ASSETCACHE", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "run failed")
}

func TestRunStartsManifestWatcher(t *testing.T) {
	cfg := offlineConfig()
	cfg.ManifestSource = "/etc/assetcache/manifest.yaml"
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: cfg}
	})

	var (
		watchedPath string
		stopped     bool
	)
	overrideManifestWatcher(t, func(_ context.Context, path string, onChange func(config.ManifestDocument), _ func(error)) (manifestWatcher, error) {
		watchedPath = path
		// Same bucket as the initial deploy, so nothing is fetched.
		onChange(config.ManifestDocument{BucketName: cfg.Worker.BucketName})
		return &noOpWatcher{stopped: &stopped}, nil
	})

	var handler http.Handler
	overrideHTTPServer(t, func(_ config.Config, _ *slog.Logger, h http.Handler) (runnableServer, error) {
		handler = h
		return &stubServer{}, nil
	})

	require.NoError(t, run(context.Background(), "ASSETCACHE", ""))
	require.Equal(t, cfg.ManifestSource, watchedPath)
	require.True(t, stopped, "watcher should be stopped on shutdown")
	require.NotNil(t, handler)
}

func TestRunToleratesWatcherSetupError(t *testing.T) {
	cfg := offlineConfig()
	cfg.ManifestSource = "/etc/assetcache/manifest.yaml"
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: cfg}
	})
	overrideManifestWatcher(t, func(context.Context, string, func(config.ManifestDocument), func(error)) (manifestWatcher, error) {
		return nil, errors.New("inotify exhausted")
	})
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{err: context.Canceled}, nil
	})

	require.NoError(t, run(context.Background(), "ASSETCACHE", ""))
}

// offlineConfig has an empty manifest so the initial install never touches
// the network.
func offlineConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Logging.Level = "error"
	cfg.Worker.Manifest = nil
	return cfg
}

func overrideConfigLoader(t *testing.T, fn func(string, string) configLoader) {
	original := newConfigLoader
	newConfigLoader = fn
	t.Cleanup(func() { newConfigLoader = original })
}

func overrideHTTPServer(t *testing.T, fn func(config.Config, *slog.Logger, http.Handler) (runnableServer, error)) {
	original := newHTTPServer
	newHTTPServer = fn
	t.Cleanup(func() { newHTTPServer = original })
}

func overrideManifestWatcher(t *testing.T, fn func(context.Context, string, func(config.ManifestDocument), func(error)) (manifestWatcher, error)) {
	original := watchManifest
	watchManifest = fn
	t.Cleanup(func() { watchManifest = original })
}

type fakeLoader struct {
	cfg     config.Config
	loadErr error
}

func (f *fakeLoader) Load(context.Context) (config.Config, error) {
	if f.loadErr != nil {
		return config.Config{}, f.loadErr
	}
	return f.cfg, nil
}

type noOpWatcher struct {
	stopped *bool
}

func (n *noOpWatcher) Stop() {
	if n.stopped != nil {
		*n.stopped = true
	}
}

type stubServer struct {
	err error
}

func (s *stubServer) Run(context.Context) error {
	return s.err
}
