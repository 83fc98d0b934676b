package stores

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	pb "go.pagestream.dev/core/protocol"
)

// MemoryStore is an in-memory implementation of Store, used for testing.
// It's registered under the "memory" scheme by RegisterMemoryProvider.
type MemoryStore struct {
	URL      *url.URL
	Content  map[string][]byte
	ModTimes map[string]time.Time
	mu       sync.RWMutex
}

// NewMemoryStore returns an empty MemoryStore of the URL.
func NewMemoryStore(ep *url.URL) *MemoryStore {
	return &MemoryStore{
		URL:      ep,
		Content:  make(map[string][]byte),
		ModTimes: make(map[string]time.Time),
	}
}

// RegisterMemoryProvider registers a "memory" scheme constructor which
// returns a new MemoryStore for each distinct BackupStore. Stores built by
// Get are cached, so every Get of a memory:// URL shares one MemoryStore.
func RegisterMemoryProvider() {
	RegisterProviders(map[string]Constructor{
		"memory": func(ep *url.URL) (Store, error) { return NewMemoryStore(ep), nil },
	})
}

// Provider returns "memory".
func (m *MemoryStore) Provider() string { return "memory" }

func (m *MemoryStore) SignGet(path string, _ time.Duration) (string, error) {
	return m.URL.JoinPath(path).String(), nil
}

func (m *MemoryStore) Exists(_ context.Context, path string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var _, exists = m.Content[path]
	return exists, nil
}

func (m *MemoryStore) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var content, exists = m.Content[path]
	if !exists {
		return nil, fmt.Errorf("%w: %s", pb.ErrNotFound, path)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (m *MemoryStore) Put(_ context.Context, path string, content io.ReaderAt, contentLength int64, _ string) error {
	var buf = make([]byte, contentLength)
	if _, err := content.ReadAt(buf, 0); err != nil && err != io.EOF {
		return fmt.Errorf("failed to read content: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Content[path] = buf
	m.ModTimes[path] = time.Now()
	return nil
}

func (m *MemoryStore) List(_ context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	// Collect under lock, then invoke callbacks without it:
	// callbacks may call back into the store.
	type entry struct {
		path string
		mod  time.Time
	}
	var entries []entry

	m.mu.RLock()
	for path := range m.Content {
		if strings.HasPrefix(path, prefix) {
			entries = append(entries, entry{strings.TrimPrefix(path, prefix), m.ModTimes[path]})
		}
	}
	m.mu.RUnlock()

	for _, e := range entries {
		if err := callback(e.path, e.mod); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.Content[path]; !ok {
		return fmt.Errorf("%w: %s", pb.ErrNotFound, path)
	}
	delete(m.Content, path)
	delete(m.ModTimes, path)
	return nil
}

// Keys returns the number of objects having the prefix.
func (m *MemoryStore) Keys(prefix string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int
	for path := range m.Content {
		if strings.HasPrefix(path, prefix) {
			n++
		}
	}
	return n
}

func (m *MemoryStore) IsAuthError(error) bool { return false }
