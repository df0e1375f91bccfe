package storage

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// MemoryBlobStore is an in-process BlobStore for tests and the mock broker mode.
// Versions are a per-key write counter.
type MemoryBlobStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	versions map[string]int
	putCalls int

	// putHook, when set, runs before each conditional write; tests use it to
	// simulate a competing writer.
	putHook func(key string)
}

// NewMemoryBlobStore creates an empty store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{
		objects:  make(map[string][]byte),
		versions: make(map[string]int),
	}
}

// Get reads a blob.
func (m *MemoryBlobStore) Get(ctx context.Context, key string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return Object{}, ErrNotFound
	}
	return Object{Data: append([]byte(nil), data...), Version: strconv.Itoa(m.versions[key])}, nil
}

// Put writes a blob unconditionally.
func (m *MemoryBlobStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store(key, data), nil
}

// PutIfMatch writes only if version is current.
func (m *MemoryBlobStore) PutIfMatch(ctx context.Context, key string, data []byte, version string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.putHook != nil {
		m.putHook(key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return "", ErrNotFound
	}
	if strconv.Itoa(m.versions[key]) != version {
		return "", ErrConcurrentUpdate
	}
	return m.store(key, data), nil
}

func (m *MemoryBlobStore) store(key string, data []byte) string {
	m.putCalls++
	m.objects[key] = append([]byte(nil), data...)
	m.versions[key]++
	return strconv.Itoa(m.versions[key])
}

// List returns keys under prefix in lexical order.
func (m *MemoryBlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes a blob.
func (m *MemoryBlobStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	delete(m.versions, key)
	return nil
}
