// Package persist provides the stable storage that survives a restart of the
// service. Only explicitly saved records are kept; everything else is
// rebuilt from scratch on start.
package persist

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by Load when no record exists for a key.
var ErrNotFound = errors.New("persist: not found")

// Stable is a small key-value store for records saved at suspend time and
// read back at resume time.
type Stable interface {
	Save(ctx context.Context, key string, value []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
	Close() error
}

// Memory is an in-process Stable used in tests and when no data directory is
// configured.
type Memory struct {
	mu      sync.RWMutex
	records map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string][]byte)}
}

func (m *Memory) Save(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Close() error { return nil }
