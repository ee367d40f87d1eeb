package quipodb

import (
	"sync"
	"time"
)

// Cache mirrors collection contents in process memory. It is never
// authoritative: entries may be stale with respect to the providers.
// Safe for concurrent use.
type Cache struct {
	mu          sync.RWMutex // guards the collections map
	locks       *StripedLocks
	collections map[string]*cacheCollection
}

type cacheCollection struct {
	docs []Document
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		locks:       NewStripedLocks(32),
		collections: make(map[string]*cacheCollection),
	}
}

func (c *Cache) collection(name string, create bool) *cacheCollection {
	c.mu.RLock()
	coll, ok := c.collections[name]
	c.mu.RUnlock()
	if ok || !create {
		return coll
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if coll, ok = c.collections[name]; !ok {
		coll = &cacheCollection{}
		c.collections[name] = coll
	}
	return coll
}

// Load replaces the contents of a collection.
func (c *Cache) Load(name string, docs []Document) {
	coll := c.collection(name, true)
	unlock := c.locks.Lock(name)
	defer unlock()

	coll.docs = make([]Document, len(docs))
	for i, d := range docs {
		coll.docs[i] = d.Clone()
	}
}

// Append adds documents to the end of a collection.
func (c *Cache) Append(name string, docs ...Document) {
	coll := c.collection(name, true)
	unlock := c.locks.Lock(name)
	defer unlock()

	for _, d := range docs {
		coll.docs = append(coll.docs, d.Clone())
	}
}

// Find returns the first document containing match.
func (c *Cache) Find(name string, match Document) (Document, bool) {
	coll := c.collection(name, false)
	if coll == nil {
		return nil, false
	}
	unlock := c.locks.RLock(name)
	defer unlock()

	if i := findIndex(coll.docs, match); i >= 0 {
		return coll.docs[i].Clone(), true
	}
	return nil, false
}

// Remove deletes the first document containing match.
func (c *Cache) Remove(name string, match Document) bool {
	coll := c.collection(name, false)
	if coll == nil {
		return false
	}
	unlock := c.locks.Lock(name)
	defer unlock()

	i := findIndex(coll.docs, match)
	if i < 0 {
		return false
	}
	coll.docs = append(coll.docs[:i], coll.docs[i+1:]...)
	return true
}

// Replace swaps the first document equal to old for doc, appending doc
// when old is not cached.
func (c *Cache) Replace(name string, old, doc Document) {
	coll := c.collection(name, true)
	unlock := c.locks.Lock(name)
	defer unlock()

	for i, d := range coll.docs {
		if d.Equal(old) {
			coll.docs[i] = doc.Clone()
			return
		}
	}
	coll.docs = append(coll.docs, doc.Clone())
}

// Snapshot returns copies of a collection's documents.
func (c *Cache) Snapshot(name string) ([]Document, bool) {
	coll := c.collection(name, false)
	if coll == nil {
		return nil, false
	}
	unlock := c.locks.RLock(name)
	defer unlock()

	out := make([]Document, len(coll.docs))
	for i, d := range coll.docs {
		out[i] = d.Clone()
	}
	return out, true
}

// Len returns the number of cached documents in a collection.
func (c *Cache) Len(name string) int {
	coll := c.collection(name, false)
	if coll == nil {
		return 0
	}
	unlock := c.locks.RLock(name)
	defer unlock()
	return len(coll.docs)
}

// Drop forgets a collection.
func (c *Cache) Drop(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.collections, name)
}

// Expire removes and returns the documents whose field holds an epoch
// millisecond timestamp at or before now.
func (c *Cache) Expire(name, field string, now time.Time) []Document {
	coll := c.collection(name, false)
	if coll == nil {
		return nil
	}
	unlock := c.locks.Lock(name)
	defer unlock()

	var expired []Document
	kept := coll.docs[:0]
	for _, d := range coll.docs {
		if isExpired(d, field, now) {
			expired = append(expired, d)
			continue
		}
		kept = append(kept, d)
	}
	coll.docs = kept
	return expired
}

func isExpired(d Document, field string, now time.Time) bool {
	ms, ok := toNumber(d[field])
	return ok && int64(ms) <= now.UnixMilli()
}
