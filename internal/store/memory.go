// ABOUTME: In-memory Backend implementation for tests and ephemeral runs
// ABOUTME: Allows tests to run without touching disk or SQLite

package store

import (
	"context"
	"sort"
	"sync"
)

type memoryKey struct {
	key  Key
	kind Kind
}

// MemoryBackend is an in-memory Backend. Fail hooks let tests inject
// persistence errors for a given kind.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[memoryKey][]byte
	failPut map[Kind]error
	failApp map[Kind]error
	puts    int
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		records: make(map[memoryKey][]byte),
		failPut: make(map[Kind]error),
		failApp: make(map[Kind]error),
	}
}

// FailPuts makes every Put of the given kind return err. Pass nil to clear.
func (m *MemoryBackend) FailPuts(kind Kind, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failPut, kind)
		return
	}
	m.failPut[kind] = err
}

// FailAppends makes every Append of the given kind return err. Pass nil to clear.
func (m *MemoryBackend) FailAppends(kind Kind, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failApp, kind)
		return
	}
	m.failApp[kind] = err
}

// PutCount returns the number of successful Put calls.
func (m *MemoryBackend) PutCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}

// Get returns a copy of the record.
func (m *MemoryBackend) Get(ctx context.Context, key Key, kind Kind) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.records[memoryKey{key, kind}]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Put stores a copy of data.
func (m *MemoryBackend) Put(ctx context.Context, key Key, kind Kind, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failPut[kind]; err != nil {
		return err
	}
	m.records[memoryKey{key, kind}] = append([]byte(nil), data...)
	m.puts++
	return nil
}

// Append extends the record with data.
func (m *MemoryBackend) Append(ctx context.Context, key Key, kind Kind, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failApp[kind]; err != nil {
		return err
	}
	mk := memoryKey{key, kind}
	m.records[mk] = append(m.records[mk], data...)
	return nil
}

// Delete removes the record if present.
func (m *MemoryBackend) Delete(ctx context.Context, key Key, kind Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, memoryKey{key, kind})
	return nil
}

// ListUsers returns all users with at least one record, sorted.
func (m *MemoryBackend) ListUsers(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	for mk := range m.records {
		seen[mk.key.UserID] = struct{}{}
	}
	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}

// ListChats returns the ids of the user's chat records, sorted.
func (m *MemoryBackend) ListChats(ctx context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for mk := range m.records {
		if mk.key.UserID == userID && mk.kind == KindChat {
			ids = append(ids, mk.key.ChatID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Close is a no-op.
func (m *MemoryBackend) Close() error {
	return nil
}
