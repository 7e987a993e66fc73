package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"reelcast/server/internal/clock"
)

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRU(10, 0, nil)
	c.Put("a", []byte("aaaa"))
	c.Put("b", []byte("bbbb"))
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("expected a")
	}
	c.Put("c", []byte("cccc"))

	if _, ok := c.Get("b"); ok {
		t.Fatalf("b should have been evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("a was recently used and should survive")
	}
	if c.Size() != 8 || c.Len() != 2 {
		t.Fatalf("size=%d len=%d", c.Size(), c.Len())
	}
}

func TestLRURejectsOversizedValue(t *testing.T) {
	c := NewLRU(4, 0, nil)
	if c.Put("big", []byte("12345")) {
		t.Fatalf("expected oversized put to be rejected")
	}
	if c.Len() != 0 {
		t.Fatalf("len=%d", c.Len())
	}
}

func TestLRUExpiresByAge(t *testing.T) {
	fc := clock.NewFake(time.Unix(100, 0))
	c := NewLRU(100, time.Minute, fc)
	c.Put("k", []byte("v"))
	fc.Advance(30 * time.Second)
	if _, ok := c.Get("k"); !ok {
		t.Fatalf("entry should still be fresh")
	}
	fc.Advance(31 * time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatalf("entry should have expired")
	}
	if c.Size() != 0 {
		t.Fatalf("expired entry still counted, size=%d", c.Size())
	}
	hits, misses := c.Stats()
	if hits != 1 || misses != 1 {
		t.Fatalf("hits=%d misses=%d", hits, misses)
	}
}

func TestLRUReplaceKeepsSizeAccurate(t *testing.T) {
	c := NewLRU(100, 0, nil)
	c.Put("k", []byte("0123456789"))
	c.Put("k", []byte("01"))
	if c.Size() != 2 {
		t.Fatalf("size=%d", c.Size())
	}
}

func TestLRUConcurrentAccess(t *testing.T) {
	c := NewLRU(1<<10, 0, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := fmt.Sprintf("k%d", (i*j)%32)
				c.Put(key, make([]byte, 16))
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()
	if c.Size() > 1<<10 {
		t.Fatalf("size exceeded capacity: %d", c.Size())
	}
}
