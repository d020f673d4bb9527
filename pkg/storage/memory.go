package storage

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Archive for tests and local runs.
type Memory struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

// NewMemory creates an empty in-memory archive.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

// Put stores a copy of the payload and returns a mem:// reference.
func (m *Memory) Put(_ context.Context, path string, data []byte, _ map[string]string) (string, error) {
	cp := make([]byte, len(data))
	copy(cp, data)

	m.mu.Lock()
	m.blobs[path] = cp
	m.mu.Unlock()
	return "mem://" + path, nil
}

// Get retrieves a payload by path or mem:// reference.
func (m *Memory) Get(_ context.Context, ref string) ([]byte, error) {
	path := ref
	if len(ref) > 6 && ref[:6] == "mem://" {
		path = ref[6:]
	}

	m.mu.Lock()
	data, ok := m.blobs[path]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("blob not found: %s", ref)
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Len reports how many payloads are stored.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blobs)
}
