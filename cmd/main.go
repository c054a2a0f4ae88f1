package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/l0p7/assetcache/internal/config"
	"github.com/l0p7/assetcache/internal/logging"
	"github.com/l0p7/assetcache/internal/metrics"
	"github.com/l0p7/assetcache/internal/server"
	"github.com/l0p7/assetcache/internal/storage"
	"github.com/l0p7/assetcache/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
)

type configLoader interface {
	Load(context.Context) (config.Config, error)
}

type manifestWatcher interface {
	Stop()
}

type runnableServer interface {
	Run(context.Context) error
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return config.NewLoader(envPrefix, configFile)
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		srv, err := server.New(cfg, logger, handler)
		if err != nil {
			return nil, err
		}
		return srv, nil
	}
	watchManifest = func(ctx context.Context, path string, onChange func(config.ManifestDocument), onError func(error)) (manifestWatcher, error) {
		w, err := config.WatchManifest(ctx, path, onChange, onError)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "ASSETCACHE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, *envPrefix, *configFile)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	cfg, err := newConfigLoader(envPrefix, configFile).Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	origin, err := cfg.OriginURL()
	if err != nil {
		return err
	}

	store := buildStorage(logger.With(slog.String("agent", "storage_factory")), cfg.Server.Cache)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := store.Close(shutdownCtx); err != nil {
			logger.Error("cache storage shutdown failed", slog.Any("error", err))
		}
	}()

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	// Misses pass origin redirects through untouched; installs follow them so
	// the final asset is what gets stored.
	network := worker.NewPassthroughClient(nil)
	installer := &http.Client{}
	reg := worker.NewRegistration(network, metricsRecorder, logger)
	deploy := &deployer{
		registration: reg,
		storage:      store,
		network:      network,
		installer:    installer,
		origin:       origin,
		concurrency:  cfg.Origin.InstallConcurrency,
		metrics:      metricsRecorder,
		logger:       logger,
	}

	// A failed first install is not fatal: with no active version every
	// request goes straight to the origin.
	if err := deploy.Deploy(ctx, cfg.Worker); err != nil {
		logger.Error("initial install failed", slog.Any("error", err))
	}

	if path := strings.TrimSpace(cfg.ManifestSource); path != "" {
		base := cfg.Worker
		watcher, err := watchManifest(ctx, path, func(doc config.ManifestDocument) {
			if err := deploy.Deploy(ctx, doc.Apply(base)); err != nil {
				logger.Error("redeploy failed", slog.String("bucket", doc.BucketName), slog.Any("error", err))
			}
		}, func(err error) {
			if err != nil {
				logger.Error("manifest watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("manifest watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsRecorder.Handler())
	mux.Handle("/", server.NewGatewayHandler(reg, origin, logger))

	srv, err := newHTTPServer(cfg, logger, mux)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server terminated unexpectedly: %w", err)
	}

	logger.Info("server shutdown complete")
	return nil
}

func buildStorage(logger *slog.Logger, cfg config.ServerCacheConfig) storage.CacheStorage {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		if logger != nil {
			logger.Info("using memory cache storage")
		}
		return storage.NewMemory()
	case "redis":
		redisStore, err := storage.NewRedis(storage.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Prefix,
			TLS: storage.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			if logger != nil {
				logger.Error("redis cache storage initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory cache storage")
			}
			return storage.NewMemory()
		}
		if logger != nil {
			logger.Info("using redis cache storage", slog.String("address", cfg.Redis.Address), slog.String("prefix", cfg.Prefix))
		}
		return redisStore
	default:
		if logger != nil {
			logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		}
		return storage.NewMemory()
	}
}
