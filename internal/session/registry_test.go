// ABOUTME: Tests for the session registry
// ABOUTME: Covers pending streams, binding, conflicts, and per-account lookup

package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mellium.im/xmpp/jid"

	"github.com/kewe/archive-gateway/internal/stanza"
)

type fakeSession struct {
	addr     jid.JID
	streamID string
}

func (f *fakeSession) Address() jid.JID                  { return f.addr }
func (f *fakeSession) StreamID() string                  { return f.streamID }
func (f *fakeSession) Deliver(*stanza.IQ) error          { return nil }
func (f *fakeSession) SendMessage(*stanza.Message) error { return nil }

func newFake(full, streamID string) *fakeSession {
	return &fakeSession{addr: jid.MustParse(full), streamID: streamID}
}

func TestRegistry_BindAndFind(t *testing.T) {
	r := NewRegistry(nil)
	s := newFake("alice@example.com/phone", "st-1")

	r.AddPending("st-1", "alice@example.com")
	assert.Equal(t, []string{"st-1"}, r.PreAuthenticatedKeys())

	require.NoError(t, r.Bind("st-1", s))
	assert.Empty(t, r.PreAuthenticatedKeys())
	assert.Equal(t, 1, r.Count())

	found, ok := r.FindSession(jid.MustParse("alice@example.com/phone"))
	require.True(t, ok)
	assert.Equal(t, "st-1", found.StreamID())

	_, ok = r.FindSession(jid.MustParse("alice@example.com/laptop"))
	assert.False(t, ok)

	_, ok = r.FindSession(jid.MustParse("alice@example.com"))
	assert.False(t, ok, "lookup is by full JID")
}

func TestRegistry_BindConflict(t *testing.T) {
	r := NewRegistry(nil)

	r.AddPending("st-1", "alice@example.com")
	r.AddPending("st-2", "alice@example.com")
	require.NoError(t, r.Bind("st-1", newFake("alice@example.com/phone", "st-1")))

	err := r.Bind("st-2", newFake("alice@example.com/phone", "st-2"))
	assert.ErrorIs(t, err, ErrSessionConflict)

	// The losing stream stays pending until its connection cleans up.
	assert.Equal(t, []string{"st-2"}, r.PreAuthenticatedKeys())
	r.RemovePending("st-2")
	assert.Empty(t, r.PreAuthenticatedKeys())
}

func TestRegistry_BindUnknownStream(t *testing.T) {
	r := NewRegistry(nil)
	err := r.Bind("nope", newFake("alice@example.com/phone", "nope"))
	assert.ErrorIs(t, err, ErrUnknownStream)
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry(nil)
	s := newFake("alice@example.com/phone", "st-1")
	r.AddPending("st-1", "alice@example.com")
	require.NoError(t, r.Bind("st-1", s))

	// A stale session with the same address does not evict the live one.
	r.Unregister(newFake("alice@example.com/phone", "st-old"))
	assert.Equal(t, 1, r.Count())

	r.Unregister(s)
	assert.Equal(t, 0, r.Count())

	// Unregistering twice is harmless.
	r.Unregister(s)
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_SessionsFor(t *testing.T) {
	r := NewRegistry(nil)
	for i, full := range []string{"bob@example.com/tablet", "alice@example.com/phone", "bob@example.com/desk"} {
		id := string(rune('a' + i))
		r.AddPending(id, "")
		require.NoError(t, r.Bind(id, newFake(full, id)))
	}

	bobs := r.SessionsFor(jid.MustParse("bob@example.com/whatever"))
	require.Len(t, bobs, 2)
	assert.Equal(t, "bob@example.com/desk", bobs[0].Address().String())
	assert.Equal(t, "bob@example.com/tablet", bobs[1].Address().String())

	assert.Empty(t, r.SessionsFor(jid.MustParse("carol@example.com")))
}

func TestRegistry_OnChange(t *testing.T) {
	r := NewRegistry(nil)
	var counts []int
	r.OnChange(func(n int) { counts = append(counts, n) })

	s := newFake("alice@example.com/phone", "st-1")
	r.AddPending("st-1", "alice@example.com")
	require.NoError(t, r.Bind("st-1", s))
	r.Unregister(s)

	assert.Equal(t, []int{1, 0}, counts)
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("r%d", i)
			s := newFake("user@example.com/"+id, id)
			r.AddPending(id, "user@example.com")
			if err := r.Bind(id, s); err != nil {
				t.Errorf("Bind(%s): %v", id, err)
				return
			}
			r.FindSession(s.Address())
			r.Unregister(s)
		}(i)
	}

	wg.Wait()
	assert.Equal(t, 0, r.Count())
}
