// Package cache keeps fetched remote assets in memory, bounded by total size
// and entry age.
package cache

import (
	"sync"
	"time"

	list "github.com/bahlo/generic-list-go"

	"reelcast/server/internal/clock"
)

type entry struct {
	key      string
	value    []byte
	storedAt time.Time
}

// LRU is safe for concurrent use.
type LRU struct {
	mu       sync.Mutex
	capacity int64
	maxAge   time.Duration
	clock    clock.Clock

	size  int64
	order *list.List[*entry]
	items map[string]*list.Element[*entry]

	hits   int64
	misses int64
}

func NewLRU(capacityBytes int64, maxAge time.Duration, c clock.Clock) *LRU {
	if c == nil {
		c = clock.Real{}
	}
	return &LRU{
		capacity: capacityBytes,
		maxAge:   maxAge,
		clock:    c,
		order:    list.New[*entry](),
		items:    map[string]*list.Element[*entry]{},
	}
}

func (c *LRU) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if c.maxAge > 0 && c.clock.Now().Sub(el.Value.storedAt) > c.maxAge {
		c.removeElement(el)
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(el)
	c.hits++
	return el.Value.value, true
}

// Put stores value under key. Values larger than the whole capacity are not
// cached and Put reports false.
func (c *LRU) Put(key string, value []byte) bool {
	n := int64(len(value))
	c.mu.Lock()
	defer c.mu.Unlock()

	if n > c.capacity {
		return false
	}
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
	el := c.order.PushFront(&entry{key: key, value: value, storedAt: c.clock.Now()})
	c.items[key] = el
	c.size += n

	for c.size > c.capacity {
		back := c.order.Back()
		if back == nil {
			break
		}
		c.removeElement(back)
	}
	return true
}

func (c *LRU) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns the hit and miss counters.
func (c *LRU) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *LRU) removeElement(el *list.Element[*entry]) {
	c.order.Remove(el)
	delete(c.items, el.Value.key)
	c.size -= int64(len(el.Value.value))
}
