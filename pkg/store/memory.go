package store

import (
	"context"
	"sort"
	"sync"
)

const backendMemory = "memory"

// MemoryStorage is a process-local Storage. Entries are copied on the way in
// and out so callers never share buffers with the store.
type MemoryStorage struct {
	mu         sync.RWMutex
	partitions map[string]*memoryCache
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{partitions: make(map[string]*memoryCache)}
}

// Open implements Storage.
func (s *MemoryStorage) Open(_ context.Context, name string) (Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.partitions[name]
	if !ok {
		c = &memoryCache{entries: make(map[string]*Entry)}
		s.partitions[name] = c
	}
	return c, nil
}

// Delete implements Storage.
func (s *MemoryStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.partitions[name]
	if !ok {
		return false, nil
	}
	c.clear()
	delete(s.partitions, name)
	return true, nil
}

// Names implements Storage.
func (s *MemoryStorage) Names(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.partitions))
	for name := range s.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func (c *memoryCache) Match(_ context.Context, url string) (*Entry, error) {
	c.mu.RLock()
	e, ok := c.entries[url]
	c.mu.RUnlock()

	if !ok {
		StoreMisses.WithLabelValues(backendMemory).Inc()
		return nil, ErrCacheMiss
	}
	StoreHits.WithLabelValues(backendMemory).Inc()
	return copyEntry(e), nil
}

func (c *memoryCache) Has(_ context.Context, url string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[url]
	return ok, nil
}

func (c *memoryCache) Put(_ context.Context, url string, entry *Entry) error {
	if err := checkCacheable(entry); err != nil {
		StoreErrors.WithLabelValues(backendMemory, "put").Inc()
		return err
	}

	e := copyEntry(entry)
	e.URL = url

	c.mu.Lock()
	c.entries[url] = e
	c.mu.Unlock()

	StoreBytesWritten.WithLabelValues(backendMemory).Add(float64(len(e.Data)))
	return nil
}

func (c *memoryCache) Delete(_ context.Context, url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, url)
	return nil
}

func (c *memoryCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
}

func copyEntry(e *Entry) *Entry {
	cp := *e
	cp.Headers = e.Headers.Clone()
	cp.Data = append([]byte(nil), e.Data...)
	return &cp
}
