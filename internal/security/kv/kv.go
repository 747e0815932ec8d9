// Package kv provides the namespaced, ordered key-value abstraction the
// security core is persisted through: capability tokens, allowances, and
// audit entries all live under their own namespace (`capabilities:*`,
// `allowances:*`, `entries:*`, ...) inside one Store.
//
// Two implementations are provided: an in-memory Store for tests and
// short-lived sessions, and a file-backed Store that adapts the teacher's
// existing internal/storage package to this narrower, sorted-key
// interface. Production code should inject whichever fits (§9 "dynamic
// dispatch over storage ... avoid global singletons").
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sentra-run/sentra/internal/storage"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("kv: not found")

// Store is a namespaced, ordered key-value abstraction. Keys are opaque
// strings; callers build them as "namespace:id" so List/Scan can return a
// deterministic, sorted view of one namespace.
type Store interface {
	Get(ctx context.Context, key string, v any) error
	Put(ctx context.Context, key string, v any) error
	Delete(ctx context.Context, key string) error
	// List returns every key with the given prefix, sorted ascending.
	List(ctx context.Context, prefix string) ([]string, error)
	// Scan calls fn for every key with the given prefix, in sorted order.
	Scan(ctx context.Context, prefix string, fn func(key string, data json.RawMessage) error) error
}

// MemoryStore is an in-memory Store, safe for concurrent use.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Get(_ context.Context, key string, v any) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.data[key]
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(raw, v)
}

func (m *MemoryStore) Put(_ context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kv: marshal %q: %w", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = data
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) Scan(ctx context.Context, prefix string, fn func(key string, data json.RawMessage) error) error {
	m.mu.RLock()
	keys := make([]string, 0)
	snapshot := make(map[string][]byte)
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
			snapshot[k] = v
		}
	}
	m.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(k, json.RawMessage(snapshot[k])); err != nil {
			return err
		}
	}
	return nil
}

// FileStore adapts the teacher's path-sliced file storage to the Store
// interface by splitting a "namespace:id" key on ':' into a path slice.
type FileStore struct {
	backend *storage.Storage
}

// NewFileStore wraps an existing storage.Storage as a namespaced Store.
func NewFileStore(backend *storage.Storage) *FileStore {
	return &FileStore{backend: backend}
}

func splitKey(key string) []string {
	return strings.Split(key, ":")
}

func joinKey(parts ...string) string {
	return strings.Join(parts, ":")
}

func (f *FileStore) Get(ctx context.Context, key string, v any) error {
	err := f.backend.Get(ctx, splitKey(key), v)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func (f *FileStore) Put(ctx context.Context, key string, v any) error {
	return f.backend.Put(ctx, splitKey(key), v)
}

func (f *FileStore) Delete(ctx context.Context, key string) error {
	return f.backend.Delete(ctx, splitKey(key))
}

func (f *FileStore) List(ctx context.Context, prefix string) ([]string, error) {
	ids, err := f.backend.List(ctx, splitKey(prefix))
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, joinKey(prefix, id))
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *FileStore) Scan(ctx context.Context, prefix string, fn func(key string, data json.RawMessage) error) error {
	var scanErr error
	ids := make([]string, 0)
	blobs := make(map[string]json.RawMessage)

	err := f.backend.Scan(ctx, splitKey(prefix), func(id string, data json.RawMessage) error {
		ids = append(ids, id)
		blobs[id] = data
		return nil
	})
	if err != nil {
		return err
	}

	sort.Strings(ids)
	for _, id := range ids {
		key := joinKey(prefix, id)
		if err := fn(key, blobs[id]); err != nil {
			scanErr = err
			break
		}
	}
	return scanErr
}
