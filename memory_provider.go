package quipodb

import (
	"context"
	"sort"
	"sync"
)

// MemoryProvider keeps collections in process memory. Data is lost when the
// process exits. Safe for concurrent use.
type MemoryProvider struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

type memCollection struct {
	spec CollectionSpec
	docs []Document
}

// NewMemoryProvider returns an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{collections: make(map[string]*memCollection)}
}

// Name returns "memory".
func (m *MemoryProvider) Name() string { return "memory" }

// CreateCollection registers spec. Re-creating an existing collection
// updates its spec and keeps its documents.
func (m *MemoryProvider) CreateCollection(ctx context.Context, spec CollectionSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.collections[spec.Name]; ok {
		c.spec = spec
		return nil
	}
	m.collections[spec.Name] = &memCollection{spec: spec}
	return nil
}

// DeleteCollection drops the collection and its documents. Missing
// collections are ignored.
func (m *MemoryProvider) DeleteCollection(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, name)
	return nil
}

// Collections returns the collection names in sorted order.
func (m *MemoryProvider) Collections(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.collections))
	for name := range m.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// GetCollection returns copies of all documents in insertion order.
func (m *MemoryProvider) GetCollection(ctx context.Context, name string) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[name]
	if !ok {
		return nil, collectionNotFound(m.Name(), name)
	}
	out := make([]Document, len(c.docs))
	for i, d := range c.docs {
		out[i] = d.Clone()
	}
	return out, nil
}

// CreateDoc appends a copy of doc. Duplicate primary keys are not rejected.
func (m *MemoryProvider) CreateDoc(ctx context.Context, collection string, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[collection]
	if !ok {
		return collectionNotFound(m.Name(), collection)
	}
	c.docs = append(c.docs, doc.Clone())
	return nil
}

// GetDoc returns the first document containing match, or ErrNotFound.
func (m *MemoryProvider) GetDoc(ctx context.Context, collection string, match Document) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[collection]
	if !ok {
		return nil, collectionNotFound(m.Name(), collection)
	}
	i := findIndex(c.docs, match)
	if i < 0 {
		return nil, ErrNotFound
	}
	return c.docs[i].Clone(), nil
}

// UpdateDoc replaces the document matched by ref, by primary key when the
// collection has one.
func (m *MemoryProvider) UpdateDoc(ctx context.Context, collection string, ref, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[collection]
	if !ok {
		return collectionNotFound(m.Name(), collection)
	}
	i := findIndex(c.docs, keyMatch(c.spec.PrimaryKey, ref))
	if i < 0 {
		return ErrNotFound
	}
	c.docs[i] = doc.Clone()
	return nil
}

// DeleteDoc removes the first document containing match. Deleting a
// missing document is not an error.
func (m *MemoryProvider) DeleteDoc(ctx context.Context, collection string, match Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[collection]
	if !ok {
		return collectionNotFound(m.Name(), collection)
	}
	i := findIndex(c.docs, match)
	if i < 0 {
		return nil
	}
	c.docs = append(c.docs[:i], c.docs[i+1:]...)
	return nil
}

// Close is a no-op.
func (m *MemoryProvider) Close() error { return nil }
