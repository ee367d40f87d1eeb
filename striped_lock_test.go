package quipodb

import (
	"sync"
	"testing"
)

func TestStripedLocksDefaultCount(t *testing.T) {
	if locks := NewStripedLocks(0); locks.count != 32 {
		t.Errorf("default stripe count = %d, want 32", locks.count)
	}
	if locks := NewStripedLocks(4); locks.count != 4 {
		t.Errorf("stripe count = %d, want 4", locks.count)
	}
}

func TestStripedLocksStableIndex(t *testing.T) {
	locks := NewStripedLocks(8)
	for _, key := range []string{"users", "orders", ""} {
		if locks.stripeIndex(key) != locks.stripeIndex(key) {
			t.Errorf("stripe index for %q is not stable", key)
		}
		if locks.stripeIndex(key) >= 8 {
			t.Errorf("stripe index for %q out of range", key)
		}
	}
}

func TestStripedLocksMutualExclusion(t *testing.T) {
	locks := NewStripedLocks(32)
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("users")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("counter = %d, want 100", counter)
	}
}

func TestStripedLocksReadersShare(t *testing.T) {
	locks := NewStripedLocks(1)
	unlockA := locks.RLock("a")
	unlockB := locks.RLock("b")
	unlockA()
	unlockB()

	unlock := locks.Lock("a")
	unlock()
}
