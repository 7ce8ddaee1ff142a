package docstore

import (
	"context"
	"maps"
	"sync"
)

// Memory is an in-process store used for local runs and tests.
type Memory struct {
	mu          sync.RWMutex
	collections map[string][]Document
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{collections: make(map[string][]Document)}
}

// Seed replaces the contents of a collection.
func (m *Memory) Seed(collection string, docs ...Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cloned := make([]Document, 0, len(docs))
	for _, d := range docs {
		cloned = append(cloned, maps.Clone(d))
	}
	m.collections[collection] = cloned
}

func (m *Memory) FetchAll(ctx context.Context, collection string) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.collections[collection]
	out := make([]Document, 0, len(src))
	for _, d := range src {
		out = append(out, maps.Clone(d))
	}
	return out, nil
}

func (m *Memory) Append(ctx context.Context, collection string, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections[collection] = append(m.collections[collection], maps.Clone(doc))
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }
