package storage

import (
	"context"
	"sync"
)

// Memory is an in-process Adapter, used by tests and the load generator.
type Memory struct {
	mu    sync.RWMutex
	files map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{files: make(map[string][]byte)}
}

func (m *Memory) Read(ctx context.Context, name string) ([]byte, error) {
	c, err := Clean(name)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.files[c]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (m *Memory) Write(ctx context.Context, name string, data []byte) error {
	c, err := Clean(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.files[c] = append([]byte(nil), data...)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Rename(ctx context.Context, src, dst string) error {
	cs, err := Clean(src)
	if err != nil {
		return err
	}
	cd, err := Clean(dst)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[cs]
	if !ok {
		return ErrNotFound
	}
	delete(m.files, cs)
	m.files[cd] = b
	return nil
}

func (m *Memory) Delete(ctx context.Context, name string) error {
	c, err := Clean(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[c]; !ok {
		return ErrNotFound
	}
	delete(m.files, c)
	return nil
}

func (m *Memory) List(ctx context.Context, dir string) ([]string, error) {
	m.mu.RLock()
	keys := make([]string, 0, len(m.files))
	for k := range m.files {
		keys = append(keys, k)
	}
	m.mu.RUnlock()
	return childNames(keys, dir), nil
}
