package quipodb

import (
	"sync"

	"github.com/zeebo/xxh3"
)

// StripedLocks provides per-key locking over a fixed set of mutexes.
// The same key always maps to the same stripe; different keys usually
// map to different stripes and proceed concurrently.
type StripedLocks struct {
	stripes []sync.RWMutex
	count   uint64
}

// NewStripedLocks creates striped locks with the given number of stripes.
// A non-positive count defaults to 32.
func NewStripedLocks(stripeCount int) *StripedLocks {
	if stripeCount <= 0 {
		stripeCount = 32
	}
	return &StripedLocks{
		stripes: make([]sync.RWMutex, stripeCount),
		count:   uint64(stripeCount),
	}
}

// Lock acquires an exclusive lock for the given key.
// Returns an unlock function that MUST be called to release the lock.
//
//	unlock := locks.Lock(key)
//	defer unlock()
func (sl *StripedLocks) Lock(key string) func() {
	idx := sl.stripeIndex(key)
	sl.stripes[idx].Lock()
	return sl.stripes[idx].Unlock
}

// RLock acquires a shared read lock for the given key.
func (sl *StripedLocks) RLock(key string) func() {
	idx := sl.stripeIndex(key)
	sl.stripes[idx].RLock()
	return sl.stripes[idx].RUnlock
}

func (sl *StripedLocks) stripeIndex(key string) uint64 {
	return xxh3.HashString(key) % sl.count
}
