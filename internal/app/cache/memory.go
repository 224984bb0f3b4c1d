package cache

import (
	"context"
	"sync"
	"time"
)

// Memory is a thread-safe in-memory cache store. It serves single-process
// deployments and tests; production deployments use the Redis store.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	byTag   map[string]map[string]bool
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory cache store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*Entry),
		byTag:   make(map[string]map[string]bool),
	}
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[key]
	return ok && entry.Expiry.After(time.Now()), nil
}

func (m *Memory) Get(_ context.Context, key string) (*Entry, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if !entry.Expiry.After(time.Now()) {
		m.mu.Lock()
		m.removeLocked(key)
		m.mu.Unlock()
		return nil, nil
	}

	clone := *entry
	clone.Body = append([]byte(nil), entry.Body...)
	return &clone, nil
}

func (m *Memory) Put(_ context.Context, entry *Entry, lifetime time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *entry
	stored.Body = append([]byte(nil), entry.Body...)
	if stored.Expiry.IsZero() {
		stored.Expiry = time.Now().Add(lifetime)
	}

	m.entries[entry.Key] = &stored
	for _, tag := range entry.Tags {
		if m.byTag[tag] == nil {
			m.byTag[tag] = make(map[string]bool)
		}
		m.byTag[tag][entry.Key] = true
	}
	return nil
}

func (m *Memory) InvalidateTag(_ context.Context, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.byTag[tag] {
		m.removeLocked(key)
	}
	delete(m.byTag, tag)
	return nil
}

func (m *Memory) Flush(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*Entry)
	m.byTag = make(map[string]map[string]bool)
	return nil
}

func (m *Memory) removeLocked(key string) {
	entry, ok := m.entries[key]
	if !ok {
		return
	}
	delete(m.entries, key)
	for _, tag := range entry.Tags {
		delete(m.byTag[tag], key)
	}
}
