// ABOUTME: Tests for the stanza dedupe cache.
// ABOUTME: Validates the window, size bound, sweeping, and concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(ttl time.Duration, maxSize int) (*Cache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return newCache(ttl, maxSize, clock.Now), clock
}

func TestCache_Seen(t *testing.T) {
	c, _ := newTestCache(5*time.Minute, 100)

	assert.False(t, c.Seen("alice@example.com/phone", "rm-1"))
	assert.True(t, c.Seen("alice@example.com/phone", "rm-1"), "same sender and id is a duplicate")
	assert.False(t, c.Seen("alice@example.com/laptop", "rm-1"), "another resource is a different sender")
	assert.False(t, c.Seen("alice@example.com/phone", "rm-2"))
}

func TestCache_Seen_EmptyID(t *testing.T) {
	c, _ := newTestCache(5*time.Minute, 100)

	assert.False(t, c.Seen("alice@example.com/phone", ""))
	assert.False(t, c.Seen("alice@example.com/phone", ""))
	assert.Equal(t, 0, c.Len())
}

func TestCache_WindowExpires(t *testing.T) {
	c, clock := newTestCache(5*time.Minute, 100)

	assert.False(t, c.CheckAndMark("k"))
	clock.Advance(4 * time.Minute)
	assert.True(t, c.CheckAndMark("k"))

	clock.Advance(5 * time.Minute)
	assert.False(t, c.CheckAndMark("k"), "expired key is accepted again")
	assert.True(t, c.CheckAndMark("k"))
}

func TestCache_RememberRecall(t *testing.T) {
	c, clock := newTestCache(5*time.Minute, 100)

	_, ok := c.Recall("alice@example.com/phone", "rm-1")
	assert.False(t, ok)

	c.Remember("alice@example.com/phone", "rm-1", "ignored: never seen")
	_, ok = c.Recall("alice@example.com/phone", "rm-1")
	assert.False(t, ok)

	assert.False(t, c.Seen("alice@example.com/phone", "rm-1"))
	_, ok = c.Recall("alice@example.com/phone", "rm-1")
	assert.False(t, ok, "nothing remembered yet")

	c.Remember("alice@example.com/phone", "rm-1", "ack")
	got, ok := c.Recall("alice@example.com/phone", "rm-1")
	assert.True(t, ok)
	assert.Equal(t, "ack", got)

	_, ok = c.Recall("alice@example.com/laptop", "rm-1")
	assert.False(t, ok, "another resource does not share responses")

	clock.Advance(5 * time.Minute)
	_, ok = c.Recall("alice@example.com/phone", "rm-1")
	assert.False(t, ok, "expired entries are not replayed")

	assert.False(t, c.Seen("alice@example.com/phone", "rm-1"))
	_, ok = c.Recall("alice@example.com/phone", "rm-1")
	assert.False(t, ok, "re-marking clears the old response")
}

func TestCache_EvictsOldest(t *testing.T) {
	c, clock := newTestCache(time.Hour, 3)

	for i := 0; i < 3; i++ {
		c.CheckAndMark(fmt.Sprintf("k%d", i))
		clock.Advance(time.Second)
	}
	c.CheckAndMark("k3")

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.CheckAndMark("k0"), "oldest was evicted")
	assert.True(t, c.CheckAndMark("k3"))
}

func TestCache_Expire(t *testing.T) {
	c, clock := newTestCache(time.Minute, 100)

	c.CheckAndMark("old-1")
	c.CheckAndMark("old-2")
	clock.Advance(30 * time.Second)
	c.CheckAndMark("fresh")
	clock.Advance(45 * time.Second)

	c.expire()
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.CheckAndMark("fresh"))
}

func TestCache_Defaults(t *testing.T) {
	c := New(0, 0)
	defer c.Close()

	assert.Equal(t, DefaultTTL, c.ttl)
	assert.Equal(t, DefaultMaxSize, c.maxSize)
}

func TestCache_CloseTwice(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	assert.NotPanics(t, c.Close)
}

func TestCache_ConcurrentCheckAndMark(t *testing.T) {
	c := New(time.Minute, 1000)
	defer c.Close()

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.Seen("alice@example.com/phone", "same-id") {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fresh.Load(), "exactly one caller wins")
}
