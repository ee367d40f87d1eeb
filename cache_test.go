package quipodb

import (
	"sync"
	"testing"
	"time"
)

func TestCacheAppendFind(t *testing.T) {
	c := NewCache()
	c.Append("users", Document{"id": 1.0, "name": "Ada"}, Document{"id": 2.0, "name": "Grace"})

	doc, ok := c.Find("users", Document{"name": "Grace"})
	if !ok || doc["id"] != 2.0 {
		t.Fatalf("Find = %v, %v", doc, ok)
	}

	doc["name"] = "mutated"
	again, _ := c.Find("users", Document{"id": 2.0})
	if again["name"] != "Grace" {
		t.Error("Find must return a copy")
	}

	if _, ok := c.Find("orders", Document{}); ok {
		t.Error("unknown collection should miss")
	}
}

func TestCacheRemoveReplace(t *testing.T) {
	c := NewCache()
	c.Load("users", []Document{{"id": 1.0, "n": 1.0}, {"id": 2.0, "n": 2.0}})

	if !c.Remove("users", Document{"id": 1.0}) {
		t.Fatal("Remove should find the document")
	}
	if c.Remove("users", Document{"id": 1.0}) {
		t.Error("second Remove should miss")
	}

	c.Replace("users", Document{"id": 2.0, "n": 2.0}, Document{"id": 2.0, "n": 3.0})
	c.Replace("users", Document{"id": 9.0}, Document{"id": 9.0})

	docs, _ := c.Snapshot("users")
	if len(docs) != 2 || docs[0]["n"] != 3.0 || docs[1]["id"] != 9.0 {
		t.Errorf("unexpected contents %v", docs)
	}

	c.Drop("users")
	if _, ok := c.Snapshot("users"); ok {
		t.Error("dropped collection should be gone")
	}
}

func TestCacheExpire(t *testing.T) {
	now := time.UnixMilli(10_000)
	c := NewCache()
	c.Load("sessions", []Document{
		{"id": "a", "ttl": 9_000.0},
		{"id": "b", "ttl": 11_000.0},
		{"id": "c"},
		{"id": "d", "ttl": 10_000.0},
		{"id": "e", "ttl": "soon"},
	})

	expired := c.Expire("sessions", "ttl", now)
	if len(expired) != 2 || expired[0]["id"] != "a" || expired[1]["id"] != "d" {
		t.Errorf("unexpected expired set %v", expired)
	}
	if c.Len("sessions") != 3 {
		t.Errorf("remaining = %d, want 3", c.Len("sessions"))
	}
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := NewCache()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			c.Append("users", Document{"id": float64(i)})
		}(i)
		go func() {
			defer wg.Done()
			c.Snapshot("users")
			c.Expire("users", "ttl", time.Now())
		}()
	}
	wg.Wait()

	if c.Len("users") != 20 {
		t.Errorf("len = %d, want 20", c.Len("users"))
	}
}
