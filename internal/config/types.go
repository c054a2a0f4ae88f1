package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// DefaultBucketName is the cache generation shipped with the current assets.
const DefaultBucketName = "roomify_cache_v1"

// DefaultManifest lists the static assets precached by default.
var DefaultManifest = []string{
	"/",
	"/site.webmanifest",
	"/favicon.ico",
	"/favicon-32x32.png",
	"/favicon-16x16.png",
	"/apple-touch-icon.png",
	"/android-chrome-192x192.png",
	"/android-chrome-512x512.png",
	"/og-image.jpg",
}

// Config holds every option the gateway needs at start-up.
type Config struct {
	Server ServerConfig `koanf:"server"`
	Origin OriginConfig `koanf:"origin"`
	Worker WorkerConfig `koanf:"worker"`

	// ManifestSource records the file the worker manifest was read from, if any.
	ManifestSource string `koanf:"-"`
}

// ServerConfig collects listener, logging and storage knobs.
type ServerConfig struct {
	Listen  ListenConfig      `koanf:"listen"`
	Logging LoggingConfig     `koanf:"logging"`
	Cache   ServerCacheConfig `koanf:"cache"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type ServerCacheConfig struct {
	Backend string                 `koanf:"backend"`
	Prefix  string                 `koanf:"prefix"`
	Redis   ServerRedisCacheConfig `koanf:"redis"`
}

type ServerRedisCacheConfig struct {
	Address  string               `koanf:"address"`
	Username string               `koanf:"username"`
	Password string               `koanf:"password"`
	DB       int                  `koanf:"db"`
	TLS      ServerRedisTLSConfig `koanf:"tls"`
}

type ServerRedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// OriginConfig points at the deployment serving the real static files.
type OriginConfig struct {
	BaseURL            string `koanf:"baseURL"`
	InstallConcurrency int    `koanf:"installConcurrency"`
}

// WorkerConfig names the cache generation and the assets it precaches.
// ManifestFile, when set, overrides BucketName and Manifest and is watched
// for changes.
type WorkerConfig struct {
	BucketName   string   `koanf:"bucketName"`
	Manifest     []string `koanf:"manifest"`
	ManifestFile string   `koanf:"manifestFile"`
}

// OriginURL parses the configured origin. Only scheme and host are allowed.
func (c Config) OriginURL() (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(c.Origin.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("config: origin.baseURL invalid: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("config: origin.baseURL must use http or https: %q", c.Origin.BaseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("config: origin.baseURL missing host: %q", c.Origin.BaseURL)
	}
	// Manifest and request paths are root-relative, so a path prefix would be
	// silently discarded.
	if u.Path != "" && u.Path != "/" {
		return nil, fmt.Errorf("config: origin.baseURL must not carry a path: %q", c.Origin.BaseURL)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return nil, fmt.Errorf("config: origin.baseURL must not carry a query or fragment: %q", c.Origin.BaseURL)
	}
	return u, nil
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port < 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Cache.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Server.Cache.Redis.Address) == "" {
			return errors.New("config: server.cache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: server.cache.backend unsupported: %s", c.Server.Cache.Backend)
	}
	if _, err := c.OriginURL(); err != nil {
		return err
	}
	if c.Origin.InstallConcurrency < 0 {
		return fmt.Errorf("config: origin.installConcurrency invalid: %d", c.Origin.InstallConcurrency)
	}
	return c.Worker.validate()
}

func (w WorkerConfig) validate() error {
	if strings.TrimSpace(w.BucketName) == "" {
		return errors.New("config: worker.bucketName required")
	}
	return validateManifest(w.Manifest)
}

func validateManifest(paths []string) error {
	for i, p := range paths {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("config: worker.manifest[%d] empty", i)
		}
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("config: worker.manifest[%d] must be root-relative: %s", i, p)
		}
	}
	return nil
}

// DefaultConfig returns the baseline values that align with the design defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
			Cache: ServerCacheConfig{
				Backend: "memory",
				Prefix:  "assetcache:",
			},
		},
		Origin: OriginConfig{
			BaseURL: "http://127.0.0.1:3000",
		},
		Worker: WorkerConfig{
			BucketName: DefaultBucketName,
			Manifest:   append([]string(nil), DefaultManifest...),
		},
	}
}
