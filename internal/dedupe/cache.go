// ABOUTME: Thread-safe TTL/LRU cache that spots stanzas a client re-sends.
// ABOUTME: Keys are the sender's full JID plus the stanza id; entries can hold the first response.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults used when the config leaves the window unset.
const (
	DefaultTTL     = 5 * time.Minute
	DefaultMaxSize = 10000
)

type entry struct {
	key   string
	seen  time.Time
	value any
}

// Cache remembers recently seen keys for a TTL, bounded to maxSize entries.
// The oldest entry is evicted first.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done   chan struct{}
	closed bool
}

// New creates a cache and starts its background sweeper. Non-positive
// arguments fall back to DefaultTTL and DefaultMaxSize.
func New(ttl time.Duration, maxSize int) *Cache {
	c := newCache(ttl, maxSize, time.Now)
	go c.sweep(time.Minute)
	return c
}

func newCache(ttl time.Duration, maxSize int, now func() time.Time) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
}

// StanzaKey builds the cache key for a stanza.
func StanzaKey(fullJID, id string) string {
	return fullJID + "\x00" + id
}

// Seen reports whether the stanza was already seen inside the window and
// records it if not. Stanzas without an id are never treated as duplicates.
func (c *Cache) Seen(fullJID, id string) bool {
	if id == "" {
		return false
	}
	return c.CheckAndMark(StanzaKey(fullJID, id))
}

// Remember attaches the response to an already seen stanza so a re-send can
// be answered with it. Unknown or expired keys are ignored.
func (c *Cache) Remember(fullJID, id string, value any) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.live(StanzaKey(fullJID, id)); ok {
		e.value = value
	}
}

// Recall returns the response remembered for a stanza, if any.
func (c *Cache) Recall(fullJID, id string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.live(StanzaKey(fullJID, id))
	if !ok || e.value == nil {
		return nil, false
	}
	return e.value, true
}

// live returns the entry for key if it is inside the window. Callers hold mu.
func (c *Cache) live(key string) (*entry, bool) {
	elem, ok := c.index[key]
	if !ok {
		return nil, false
	}
	e := elem.Value.(*entry)
	if c.now().Sub(e.seen) >= c.ttl {
		return nil, false
	}
	return e, true
}

// CheckAndMark returns true if key is a duplicate. Otherwise it records the
// key and returns false. Check and mark happen under one lock.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if elem, ok := c.index[key]; ok {
		e := elem.Value.(*entry)
		if now.Sub(e.seen) < c.ttl {
			return true
		}
		e.seen = now
		e.value = nil
		c.order.MoveToBack(elem)
		return false
	}

	if len(c.index) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.order.Remove(front)
			delete(c.index, front.Value.(*entry).key)
		}
	}

	c.index[key] = c.order.PushBack(&entry{key: key, seen: now})
	return false
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

func (c *Cache) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.expire()
		case <-c.done:
			return
		}
	}
}

// expire drops entries older than the TTL. Entries are ordered by last
// mark, so it stops at the first live one.
func (c *Cache) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for elem := c.order.Front(); elem != nil; {
		e := elem.Value.(*entry)
		if now.Sub(e.seen) < c.ttl {
			return
		}
		next := elem.Next()
		c.order.Remove(elem)
		delete(c.index, e.key)
		elem = next
	}
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
