package storage

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

const defaultRedisPrefix = "assetcache:"

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	// Prefix namespaces every key so unrelated applications sharing the
	// database are never enumerated or swept.
	Prefix string
	TLS    RedisTLSConfig
}

// openScript registers the bucket name once; the sequence counter keeps
// Keys ordered by creation.
var openScript = valkey.NewLuaScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) == false then
  local seq = redis.call('INCR', KEYS[2])
  redis.call('ZADD', KEYS[1], seq, ARGV[1])
end
return 1
`)

// putAllScript writes every field in one step, refusing buckets removed
// after the handle was opened.
var putAllScript = valkey.NewLuaScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) == false then
  return 0
end
for i = 2, #ARGV, 2 do
  redis.call('HSET', KEYS[2], ARGV[i], ARGV[i + 1])
end
return 1
`)

var deleteScript = valkey.NewLuaScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
return removed
`)

type redisStorage struct {
	client valkey.Client
	prefix string
}

// NewRedis connects to a valkey/redis server and verifies it answers PING.
func NewRedis(cfg RedisConfig) (CacheStorage, error) {
	if cfg.Address == "" {
		return nil, errors.New("storage: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("storage: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("storage: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("storage: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("storage: redis ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &redisStorage{client: client, prefix: prefix}, nil
}

func (s *redisStorage) namesKey() string { return s.prefix + "buckets" }

func (s *redisStorage) seqKey() string { return s.prefix + "buckets:seq" }

func (s *redisStorage) bucketKey(name string) string { return s.prefix + "bucket:" + name }

func (s *redisStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if name == "" {
		return nil, errors.New("storage: bucket name required")
	}
	keys := []string{s.namesKey(), s.seqKey()}
	if err := openScript.Exec(ctx, s.client, keys, []string{name}).Error(); err != nil {
		return nil, fmt.Errorf("storage: redis open %s: %w", name, err)
	}
	return &redisBucket{storage: s, name: name}, nil
}

func (s *redisStorage) Keys(ctx context.Context) ([]string, error) {
	resp := s.client.Do(ctx, s.client.B().Zrange().Key(s.namesKey()).Min("0").Max("-1").Build())
	names, err := resp.AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("storage: redis list buckets: %w", err)
	}
	return names, nil
}

func (s *redisStorage) Delete(ctx context.Context, name string) (bool, error) {
	keys := []string{s.namesKey(), s.bucketKey(name)}
	removed, err := deleteScript.Exec(ctx, s.client, keys, []string{name}).AsInt64()
	if err != nil {
		return false, fmt.Errorf("storage: redis delete %s: %w", name, err)
	}
	return removed > 0, nil
}

func (s *redisStorage) Close(context.Context) error {
	s.client.Close()
	return nil
}

type redisBucket struct {
	storage *redisStorage
	name    string
}

func (b *redisBucket) Name() string { return b.name }

func (b *redisBucket) Match(ctx context.Context, key RequestKey) (Response, bool, error) {
	client := b.storage.client
	resp := client.Do(ctx, client.B().Hget().Key(b.storage.bucketKey(b.name)).Field(key.String()).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Response{}, false, nil
		}
		return Response{}, false, fmt.Errorf("storage: redis match: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Response{}, false, fmt.Errorf("storage: redis match bytes: %w", err)
	}
	var stored Response
	if err := json.Unmarshal(payload, &stored); err != nil {
		return Response{}, false, fmt.Errorf("storage: redis unmarshal: %w", err)
	}
	if err := stored.Verify(); err != nil {
		return Response{}, false, fmt.Errorf("storage: redis match %s: %w", key, err)
	}
	return stored, true, nil
}

func (b *redisBucket) PutAll(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	args := make([]string, 0, 1+2*len(entries))
	args = append(args, b.name)
	for _, e := range entries {
		payload, err := json.Marshal(e.Response)
		if err != nil {
			return fmt.Errorf("storage: redis marshal %s: %w", e.Key, err)
		}
		args = append(args, e.Key.String(), string(payload))
	}
	keys := []string{b.storage.namesKey(), b.storage.bucketKey(b.name)}
	ok, err := putAllScript.Exec(ctx, b.storage.client, keys, args).AsInt64()
	if err != nil {
		return fmt.Errorf("storage: redis put: %w", err)
	}
	if ok == 0 {
		return fmt.Errorf("storage: redis put %s: %w", b.name, ErrBucketNotFound)
	}
	return nil
}

func (b *redisBucket) Keys(ctx context.Context) ([]RequestKey, error) {
	client := b.storage.client
	fields, err := client.Do(ctx, client.B().Hkeys().Key(b.storage.bucketKey(b.name)).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("storage: redis keys: %w", err)
	}
	keys := make([]RequestKey, 0, len(fields))
	for _, field := range fields {
		method, url, ok := strings.Cut(field, " ")
		if !ok {
			continue
		}
		keys = append(keys, RequestKey{Method: method, URL: url})
	}
	sortKeys(keys)
	return keys, nil
}
