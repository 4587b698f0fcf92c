// Snapback keeps snapshots in a session-scoped key-value store owned by the host (e.g. a browser's session
// storage). This module defines the contract of that store and an in-memory implementation of it.

package storage

import (
	"errors"
	"flag"
	"fmt"
	"sync"
)

var (
	ErrKeyNotFound   = errors.New("key was not found")
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	quotaBytes = flag.Int("backend_quota_bytes", 5<<20, /*5 MiB*/
		"Maximum total key+value bytes held by each in-memory backend shard; 0 or negative disables the quota.")
)

// Backend is the persistent key-value store snapshots are written to.
// Values are opaque strings; encoding structured values is up to the caller.
type Backend interface {
	// Get returns the value stored under `key` or an error wrapping ErrKeyNotFound.
	Get(key string) (string, error)
	// Set stores `value` under `key`, replacing any previous value.
	Set(key, value string) error
	// Remove deletes `key`; removing a missing key is a no-op.
	Remove(key string)
}

var _ Backend = (*Memory)(nil)

// Memory is a Backend holding all values in a map. It is safe for concurrent use.
// With a positive quota, writes that would grow the held bytes past it fail with ErrQuotaExceeded,
// the same way a browser's session storage rejects writes once full.
type Memory struct {
	mux       sync.RWMutex
	data      map[string]string
	quota     int
	heldBytes int // Sum of len(key)+len(value) over all entries.
}

// NewMemory creates an empty Memory backend with the given quota in bytes.
func NewMemory(quota int) *Memory {
	return &Memory{data: make(map[string]string), quota: quota}
}

// NewMemoryFromFlags creates a Memory backend using the --backend_quota_bytes flag.
func NewMemoryFromFlags() *Memory {
	return NewMemory(*quotaBytes)
}

func (m *Memory) Get(key string) (string, error) {
	m.mux.RLock()
	defer m.mux.RUnlock()

	if value, exists := m.data[key]; exists {
		return value, nil
	}
	return "", fmt.Errorf("%w: %s", ErrKeyNotFound, key)
}

func (m *Memory) Set(key, value string) error {
	m.mux.Lock()
	defer m.mux.Unlock()

	newHeld := m.heldBytes + len(key) + len(value)
	if prev, exists := m.data[key]; exists {
		newHeld -= len(key) + len(prev)
	}
	if m.quota > 0 && newHeld > m.quota {
		return fmt.Errorf("%w: setting '%s' needs %d bytes, quota is %d", ErrQuotaExceeded, key, newHeld, m.quota)
	}
	m.data[key] = value
	m.heldBytes = newHeld
	return nil
}

func (m *Memory) Remove(key string) {
	m.mux.Lock()
	defer m.mux.Unlock()

	if prev, exists := m.data[key]; exists {
		m.heldBytes -= len(key) + len(prev)
		delete(m.data, key)
	}
}

// Len returns the number of entries held.
func (m *Memory) Len() int {
	m.mux.RLock()
	defer m.mux.RUnlock()
	return len(m.data)
}

// HeldBytes returns the sum of key and value lengths over all entries.
func (m *Memory) HeldBytes() int {
	m.mux.RLock()
	defer m.mux.RUnlock()
	return m.heldBytes
}

// Clear drops every entry, like a host wiping its session storage.
func (m *Memory) Clear() {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.data = make(map[string]string)
	m.heldBytes = 0
}
