package storage

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Memory is the default Storage: an in-process map with lazy TTL expiry and
// an LRU cap so a long-running process with many keys cannot grow the
// persisted-quota set without bound.
type Memory struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List
	maxEntries int
}

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// NewMemory creates an in-memory Storage capped at maxEntries (0 means
// unbounded).
func NewMemory(maxEntries int) *Memory {
	return &Memory{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
	}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	entry := elem.Value.(*memoryEntry)
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		m.removeElement(elem)
		return nil, nil
	}
	m.order.MoveToFront(elem)
	return entry.value, nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expiresAt time.Time
	if ttlSeconds > 0 {
		expiresAt = time.Now().Add(time.Duration(ttlSeconds) * time.Second)
	}

	if elem, ok := m.entries[key]; ok {
		entry := elem.Value.(*memoryEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		m.order.MoveToFront(elem)
		return nil
	}

	if m.maxEntries > 0 && m.order.Len() >= m.maxEntries {
		oldest := m.order.Back()
		if oldest != nil {
			m.removeElement(oldest)
		}
	}

	entry := &memoryEntry{key: key, value: value, expiresAt: expiresAt}
	elem := m.order.PushFront(entry)
	m.entries[key] = elem
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if elem, ok := m.entries[key]; ok {
		m.removeElement(elem)
	}
	return nil
}

func (m *Memory) removeElement(elem *list.Element) {
	entry := elem.Value.(*memoryEntry)
	delete(m.entries, entry.key)
	m.order.Remove(elem)
}
