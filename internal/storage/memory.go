package storage

import (
	"context"
	"errors"
	"slices"
	"sync"
)

type memoryStorage struct {
	mu      sync.RWMutex
	order   []string
	buckets map[string]*memoryBucket
}

// NewMemory returns a process-local CacheStorage. Contents do not survive a restart.
func NewMemory() CacheStorage {
	return &memoryStorage{buckets: make(map[string]*memoryBucket)}
}

func (s *memoryStorage) Open(_ context.Context, name string) (Bucket, error) {
	if name == "" {
		return nil, errors.New("storage: bucket name required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[name]; ok {
		return b, nil
	}
	b := &memoryBucket{name: name, entries: make(map[RequestKey]Response)}
	s.buckets[name] = b
	s.order = append(s.order, name)
	return b, nil
}

func (s *memoryStorage) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.order), nil
}

func (s *memoryStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[name]
	if !ok {
		return false, nil
	}
	delete(s.buckets, name)
	s.order = slices.DeleteFunc(s.order, func(n string) bool { return n == name })
	b.markDeleted()
	return true, nil
}

func (s *memoryStorage) Close(_ context.Context) error {
	return nil
}

type memoryBucket struct {
	name string

	mu      sync.RWMutex
	deleted bool
	entries map[RequestKey]Response
}

func (b *memoryBucket) Name() string { return b.name }

func (b *memoryBucket) Match(_ context.Context, key RequestKey) (Response, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	resp, ok := b.entries[key]
	if !ok {
		return Response{}, false, nil
	}
	return cloneResponse(resp), true, nil
}

func (b *memoryBucket) PutAll(_ context.Context, entries []Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deleted {
		return ErrBucketNotFound
	}
	for _, e := range entries {
		b.entries[e.Key] = cloneResponse(e.Response)
	}
	return nil
}

func (b *memoryBucket) Keys(_ context.Context) ([]RequestKey, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]RequestKey, 0, len(b.entries))
	for k := range b.entries {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys, nil
}

func (b *memoryBucket) markDeleted() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = true
	b.entries = nil
}
