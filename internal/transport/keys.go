package transport

import "sync"

// MemoryKeys is an in-memory KeyStore.
type MemoryKeys struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryKeys returns a KeyStore seeded with initial.
func NewMemoryKeys(initial map[string][]byte) *MemoryKeys {
	data := make(map[string][]byte, len(initial))
	for k, v := range initial {
		data[k] = v
	}
	return &MemoryKeys{data: data}
}

// Get returns the value stored under name.
func (m *MemoryKeys) Get(name string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[name]
	return v, ok
}

// Set stores value under name.
func (m *MemoryKeys) Set(name string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[name] = value
}

// Delete removes name.
func (m *MemoryKeys) Delete(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, name)
}

// Len returns the number of stored entries.
func (m *MemoryKeys) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
