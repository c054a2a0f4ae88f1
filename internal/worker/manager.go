package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/l0p7/assetcache/internal/metrics"
	"github.com/l0p7/assetcache/internal/storage"
)

// ErrInstallFailed wraps every error that aborts an install.
var ErrInstallFailed = errors.New("worker: install failed")

// Doer is the network surface the manager falls back to.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// NewPassthroughClient returns a client that hands redirects back to the
// caller instead of following them, so a miss returns exactly what the
// origin answered. A nil transport uses http.DefaultTransport.
func NewPassthroughClient(transport http.RoundTripper) *http.Client {
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Config names one worker version: the bucket it owns and the assets it
// populates that bucket with.
type Config struct {
	BucketName    string
	ManifestPaths []string
}

// Options carries the collaborators a Manager needs.
type Options struct {
	Storage storage.CacheStorage
	// Network serves misses and non-GET requests. It should not follow
	// redirects; see NewPassthroughClient.
	Network Doer
	// Installer fetches manifest assets. Nil means Network.
	Installer Doer
	// Origin resolves root-relative manifest paths.
	Origin *url.URL
	// InstallConcurrency bounds parallel manifest fetches; zero means one
	// goroutine per asset.
	InstallConcurrency int
	Metrics            *metrics.Recorder
	Logger             *slog.Logger
}

// Handler is the lifecycle surface driven by a Registration.
type Handler interface {
	Version() string
	Install(ctx context.Context) error
	Activate(ctx context.Context) (SweepReport, error)
	Fetch(ctx context.Context, r *http.Request) (*http.Response, bool, error)
}

// Manager owns exactly one bucket generation.
type Manager struct {
	cfg         Config
	storage     storage.CacheStorage
	network     Doer
	installer   Doer
	origin      *url.URL
	concurrency int
	metrics     *metrics.Recorder
	logger      *slog.Logger

	mu     sync.RWMutex
	bucket storage.Bucket
}

var _ Handler = (*Manager)(nil)

// NewManager validates cfg and binds it to its collaborators.
func NewManager(cfg Config, opts Options) (*Manager, error) {
	name := strings.TrimSpace(cfg.BucketName)
	if name == "" {
		return nil, errors.New("worker: bucket name required")
	}
	if opts.Storage == nil {
		return nil, errors.New("worker: storage required")
	}
	if opts.Network == nil {
		return nil, errors.New("worker: network client required")
	}
	if opts.Origin == nil || !opts.Origin.IsAbs() {
		return nil, errors.New("worker: absolute origin URL required")
	}
	paths := make([]string, 0, len(cfg.ManifestPaths))
	seen := make(map[string]struct{}, len(cfg.ManifestPaths))
	for i, p := range cfg.ManifestPaths {
		if !strings.HasPrefix(p, "/") {
			return nil, fmt.Errorf("worker: manifest[%d] must be root-relative: %q", i, p)
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		paths = append(paths, p)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	installer := opts.Installer
	if installer == nil {
		installer = opts.Network
	}
	return &Manager{
		cfg:         Config{BucketName: name, ManifestPaths: paths},
		storage:     opts.Storage,
		network:     opts.Network,
		installer:   installer,
		origin:      opts.Origin,
		concurrency: opts.InstallConcurrency,
		metrics:     opts.Metrics,
		logger:      logger.With(slog.String("agent", "worker"), slog.String("bucket", name)),
	}, nil
}

// Version is the bucket name; bumping it is how a new generation is deployed.
func (m *Manager) Version() string { return m.cfg.BucketName }

// Manifest returns a copy of the asset paths this version installs.
func (m *Manager) Manifest() []string {
	return append([]string(nil), m.cfg.ManifestPaths...)
}

// Whitelist is the set of bucket names that survive activation.
func (m *Manager) Whitelist() map[string]struct{} {
	return map[string]struct{}{m.cfg.BucketName: {}}
}

// Install fetches every manifest asset and stores them together. Either the
// whole manifest lands in the bucket or nothing is written.
func (m *Manager) Install(ctx context.Context) error {
	bucket, err := m.storage.Open(ctx, m.cfg.BucketName)
	if err != nil {
		return fmt.Errorf("%w: open bucket: %w", ErrInstallFailed, err)
	}

	entries := make([]storage.Entry, len(m.cfg.ManifestPaths))
	g, gctx := errgroup.WithContext(ctx)
	if m.concurrency > 0 {
		g.SetLimit(m.concurrency)
	}
	for i, path := range m.cfg.ManifestPaths {
		g.Go(func() error {
			entry, err := m.fetchAsset(gctx, path)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	if err := bucket.PutAll(ctx, entries); err != nil {
		return fmt.Errorf("%w: store: %w", ErrInstallFailed, err)
	}
	m.mu.Lock()
	m.bucket = bucket
	m.mu.Unlock()
	m.logger.Info("manifest installed", slog.Int("assets", len(entries)))
	return nil
}

func (m *Manager) fetchAsset(ctx context.Context, path string) (storage.Entry, error) {
	target := m.origin.ResolveReference(&url.URL{Path: path})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return storage.Entry{}, fmt.Errorf("request %s: %w", path, err)
	}
	resp, err := m.installer.Do(req)
	if err != nil {
		return storage.Entry{}, fmt.Errorf("fetch %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return storage.Entry{}, fmt.Errorf("fetch %s: unexpected status %d", path, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return storage.Entry{}, fmt.Errorf("read %s: %w", path, err)
	}
	return storage.Entry{
		Key:      storage.KeyFor(req),
		Response: storage.NewResponse(resp.StatusCode, resp.Header, body),
	}, nil
}

// Fetch answers r from the bucket when it holds an exact match and otherwise
// hands r to the network untouched. The boolean reports a cache hit.
func (m *Manager) Fetch(ctx context.Context, r *http.Request) (*http.Response, bool, error) {
	if r.Method != http.MethodGet && r.Method != "" {
		resp, err := m.network.Do(r)
		return resp, false, err
	}

	m.mu.RLock()
	bucket := m.bucket
	m.mu.RUnlock()
	if bucket == nil {
		resp, err := m.network.Do(r)
		return resp, false, err
	}
	stored, ok, err := bucket.Match(ctx, storage.KeyFor(r))
	if err != nil {
		return nil, false, fmt.Errorf("worker: match: %w", err)
	}
	if ok {
		return toHTTPResponse(r, stored), true, nil
	}
	resp, err := m.network.Do(r)
	return resp, false, err
}

// SweepReport lists what an activation sweep did with every bucket it saw.
type SweepReport struct {
	Kept    []string
	Deleted []string
	Failed  map[string]error
}

// Activate deletes every bucket outside the whitelist. Deletions are
// independent; a failed one is reported and left for the next activation.
func (m *Manager) Activate(ctx context.Context) (SweepReport, error) {
	names, err := m.storage.Keys(ctx)
	if err != nil {
		return SweepReport{}, fmt.Errorf("worker: list buckets: %w", err)
	}
	whitelist := m.Whitelist()

	report := SweepReport{Failed: map[string]error{}}
	results := make([]error, len(names))
	stale := make([]bool, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		if _, keep := whitelist[name]; keep {
			continue
		}
		stale[i] = true
		wg.Go(func() {
			_, results[i] = m.storage.Delete(ctx, name)
		})
	}
	wg.Wait()

	for i, name := range names {
		switch {
		case !stale[i]:
			report.Kept = append(report.Kept, name)
		case results[i] != nil:
			report.Failed[name] = results[i]
			m.metrics.ObserveBucketDeletion(metrics.DeletionFailed)
			m.logger.Warn("stale bucket deletion failed", slog.String("stale_bucket", name), slog.Any("error", results[i]))
		default:
			report.Deleted = append(report.Deleted, name)
			m.metrics.ObserveBucketDeletion(metrics.DeletionDeleted)
		}
	}
	m.logger.Info("activation sweep complete",
		slog.Int("kept", len(report.Kept)),
		slog.Int("deleted", len(report.Deleted)),
		slog.Int("failed", len(report.Failed)))
	return report, nil
}

func toHTTPResponse(r *http.Request, stored storage.Response) *http.Response {
	header := make(http.Header, len(stored.Header))
	for k, v := range stored.Header {
		header[k] = append([]string(nil), v...)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", stored.Status, http.StatusText(stored.Status)),
		StatusCode:    stored.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(stored.Body)),
		ContentLength: int64(len(stored.Body)),
		Request:       r,
	}
}
