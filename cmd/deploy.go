package main

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/l0p7/assetcache/internal/config"
	"github.com/l0p7/assetcache/internal/metrics"
	"github.com/l0p7/assetcache/internal/storage"
	"github.com/l0p7/assetcache/internal/worker"
)

// deployer turns worker configurations into registered versions. Repeating
// the bucket name of the last successful deploy is a no-op.
type deployer struct {
	registration *worker.Registration
	storage      storage.CacheStorage
	network      worker.Doer
	installer    worker.Doer
	origin       *url.URL
	concurrency  int
	metrics      *metrics.Recorder
	logger       *slog.Logger

	mu      sync.Mutex
	current string
}

func (d *deployer) Deploy(ctx context.Context, cfg config.WorkerConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	name := strings.TrimSpace(cfg.BucketName)
	if name != "" && name == d.current {
		d.logger.Debug("bucket unchanged, skipping deploy", slog.String("bucket", name))
		return nil
	}

	mgr, err := worker.NewManager(worker.Config{
		BucketName:    name,
		ManifestPaths: cfg.Manifest,
	}, worker.Options{
		Storage:            d.storage,
		Network:            d.network,
		Installer:          d.installer,
		Origin:             d.origin,
		InstallConcurrency: d.concurrency,
		Metrics:            d.metrics,
		Logger:             d.logger,
	})
	if err != nil {
		return err
	}

	report, err := d.registration.Register(ctx, mgr)
	if err != nil {
		return err
	}
	d.current = name
	d.logger.Info("version deployed",
		slog.String("bucket", name),
		slog.Int("assets", len(mgr.Manifest())),
		slog.Any("deleted", report.Deleted),
	)
	return nil
}
