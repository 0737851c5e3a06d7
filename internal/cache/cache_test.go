package cache

import (
	"testing"
	"time"
)

func TestGetMissOnEmptyCache(t *testing.T) {
	c := New[int, string](time.Minute, time.Minute)
	if _, ok := c.Get(1); ok {
		t.Fatal("expected miss")
	}
}

func TestPutThenGet(t *testing.T) {
	c := New[int, string](time.Minute, time.Minute)
	c.Put(1, "a")
	got, ok := c.Get(1)
	if !ok {
		t.Fatal("expected hit")
	}
	if got != "a" {
		t.Fatalf("value = %q, want %q", got, "a")
	}
}

func TestExpireAfterWrite(t *testing.T) {
	now := time.Unix(0, 0)
	c := New[int, string](time.Minute, time.Hour)
	c.SetClock(func() time.Time { return now })

	c.Put(1, "a")
	now = now.Add(30 * time.Second)
	if _, ok := c.Get(1); !ok {
		t.Fatal("expected hit before write expiry")
	}
	// Access refreshed only the access clock; the write clock keeps running.
	now = now.Add(31 * time.Second)
	if _, ok := c.Get(1); ok {
		t.Fatal("expected miss after write expiry")
	}
}

func TestExpireAfterAccess(t *testing.T) {
	now := time.Unix(0, 0)
	c := New[int, string](time.Hour, time.Minute)
	c.SetClock(func() time.Time { return now })

	c.Put(1, "a")
	now = now.Add(61 * time.Second)
	if _, ok := c.Get(1); ok {
		t.Fatal("expected miss after access expiry")
	}
}

func TestInvalidate(t *testing.T) {
	c := New[int, string](time.Minute, time.Minute)
	c.Put(1, "a")
	c.Put(2, "b")
	c.Invalidate(1)
	if _, ok := c.Get(1); ok {
		t.Fatal("expected miss after invalidate")
	}
	if _, ok := c.Get(2); !ok {
		t.Fatal("expected untouched key to survive")
	}
}

func TestInvalidateKeysAndAll(t *testing.T) {
	c := New[int, string](time.Minute, time.Minute)
	c.PutAll(map[int]string{1: "a", 2: "b", 3: "c"})
	c.InvalidateKeys([]int{1, 2})
	if got := c.Len(); got != 1 {
		t.Fatalf("len = %d, want 1", got)
	}
	c.InvalidateAll()
	if got := c.Len(); got != 0 {
		t.Fatalf("len = %d, want 0", got)
	}
}

func TestNilCacheIsAlwaysMiss(t *testing.T) {
	var c *Cache[int, string]
	c.Put(1, "a")
	c.PutAll(map[int]string{2: "b"})
	if _, ok := c.Get(1); ok {
		t.Fatal("nil cache must miss")
	}
	c.Invalidate(1)
	c.InvalidateAll()
	if got := c.Len(); got != 0 {
		t.Fatalf("len = %d, want 0", got)
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := New[int, int](time.Minute, time.Minute)
	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 200; i++ {
				c.Put(i%17, g)
				c.Get(i % 17)
				if i%50 == 0 {
					c.Invalidate(i % 17)
				}
			}
		}(g)
	}
	for g := 0; g < 8; g++ {
		<-done
	}
}
