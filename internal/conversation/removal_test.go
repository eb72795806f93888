// ABOUTME: Tests for RemovalHandler
// ABOUTME: Verifies both directions are flagged, failures are isolated, and the ack is always sent

package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mellium.im/xmpp/jid"

	"github.com/kewe/archive-gateway/internal/session"
	"github.com/kewe/archive-gateway/internal/stanza"
	"github.com/kewe/archive-gateway/internal/store"
)

// fakeSession records everything delivered to it.
type fakeSession struct {
	mu         sync.Mutex
	addr       jid.JID
	delivered  []*stanza.IQ
	messages   []*stanza.Message
	deliverErr error
}

func newFakeSession(full string) *fakeSession {
	return &fakeSession{addr: jid.MustParse(full)}
}

func (f *fakeSession) Address() jid.JID { return f.addr }
func (f *fakeSession) StreamID() string { return "stream-" + f.addr.String() }

func (f *fakeSession) Deliver(iq *stanza.IQ) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, iq)
	return f.deliverErr
}

func (f *fakeSession) SendMessage(msg *stanza.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return f.deliverErr
}

// fakeFinder resolves sessions from a fixed map.
type fakeFinder struct {
	sessions map[string]*fakeSession
	pending  []string
	lookups  []string
}

func newFakeFinder(sessions ...*fakeSession) *fakeFinder {
	f := &fakeFinder{sessions: make(map[string]*fakeSession)}
	for _, s := range sessions {
		f.sessions[s.addr.String()] = s
	}
	return f
}

func (f *fakeFinder) FindSession(full jid.JID) (session.Session, bool) {
	f.lookups = append(f.lookups, full.String())
	s, ok := f.sessions[full.String()]
	if !ok {
		return nil, false
	}
	return s, true
}

func (f *fakeFinder) PreAuthenticatedKeys() []string { return f.pending }

func (f *fakeFinder) SessionsFor(bare jid.JID) []session.Session {
	var result []session.Session
	for _, s := range f.sessions {
		if s.addr.Bare().Equal(bare.Bare()) {
			result = append(result, s)
		}
	}
	return result
}

// countingRecorder counts observations by label.
type countingRecorder struct {
	mu       sync.Mutex
	removals map[string]int
	failures map[string]int
	archived int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{removals: map[string]int{}, failures: map[string]int{}}
}

func (c *countingRecorder) ObserveRemoval(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removals[outcome]++
}

func (c *countingRecorder) ObserveStoreFailure(party string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[party]++
}

func (c *countingRecorder) ObserveArchived() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.archived++
}

const removeAliceBob = `<iq xmlns="jabber:client" type="set" id="rm-1" from="alice@example.com/phone" to="example.com">` +
	`<remove-conversation xmlns="kewe:archive" participant="bob@example.com"/></iq>`

func parseIQ(t *testing.T, raw string) *stanza.IQ {
	t.Helper()
	iq, err := stanza.ParseIQ([]byte(raw))
	require.NoError(t, err)
	return iq
}

func TestRemovalHandler_IssuesBothDirections(t *testing.T) {
	alice := newFakeSession("alice@example.com/phone")
	ms := store.NewMockStore()
	h := NewRemovalHandler(RemovalConfig{Sessions: newFakeFinder(alice), Store: ms})

	res := h.HandleIQ(context.Background(), parseIQ(t, removeAliceBob))
	assert.Nil(t, res, "success path returns nothing for the caller to send")

	assert.Equal(t, []store.MarkRemovedCall{
		{From: "alice@example.com", To: "bob@example.com", Party: store.PartyFrom},
		{From: "bob@example.com", To: "alice@example.com", Party: store.PartyTo},
	}, ms.Calls())
}

func TestRemovalHandler_AcksThroughSession(t *testing.T) {
	alice := newFakeSession("alice@example.com/phone")
	h := NewRemovalHandler(RemovalConfig{Sessions: newFakeFinder(alice), Store: store.NewMockStore()})

	h.HandleIQ(context.Background(), parseIQ(t, removeAliceBob))

	require.Len(t, alice.delivered, 1)
	ack := alice.delivered[0]
	assert.Equal(t, "rm-1", ack.ID)
	assert.Equal(t, stanza.TypeResult, ack.Type)
	assert.Equal(t, "alice@example.com/phone", ack.To)
	assert.Equal(t, "example.com", ack.From)
	assert.Nil(t, ack.Payload)
	assert.Nil(t, ack.Error)
}

func TestRemovalHandler_LooksUpFullJID(t *testing.T) {
	// Only a different resource of the same account is bound.
	laptop := newFakeSession("alice@example.com/laptop")
	finder := newFakeFinder(laptop)
	finder.pending = []string{"stream-7"}
	ms := store.NewMockStore()
	h := NewRemovalHandler(RemovalConfig{Sessions: finder, Store: ms})

	res := h.HandleIQ(context.Background(), parseIQ(t, removeAliceBob))

	require.NotNil(t, res)
	assert.Equal(t, []string{"alice@example.com/phone"}, finder.lookups)
	assert.Empty(t, laptop.delivered)
	assert.Empty(t, ms.Calls())
}

func TestRemovalHandler_NoSession(t *testing.T) {
	ms := store.NewMockStore()
	rec := newCountingRecorder()
	h := NewRemovalHandler(RemovalConfig{Sessions: newFakeFinder(), Store: ms, Metrics: rec})

	req := parseIQ(t, removeAliceBob)
	res := h.HandleIQ(context.Background(), req)

	require.NotNil(t, res)
	assert.Equal(t, "rm-1", res.ID)
	assert.Equal(t, stanza.TypeError, res.Type)
	assert.Equal(t, "alice@example.com/phone", res.To)
	require.NotNil(t, res.Error)
	assert.Equal(t, stanza.InternalServerError, res.Error.Condition)
	assert.Equal(t, stanza.ErrorCancel, res.Error.Type)

	require.NotNil(t, res.Payload)
	assert.Equal(t, req.Payload.XMLName, res.Payload.XMLName)
	assert.Equal(t, req.Payload.Attrs, res.Payload.Attrs)
	assert.Equal(t, string(req.Payload.Inner), string(res.Payload.Inner))

	assert.Empty(t, ms.Calls(), "no store update without a session")
	assert.Equal(t, 1, rec.removals[OutcomeNoSession])
}

func TestRemovalHandler_UnparsableFrom(t *testing.T) {
	ms := store.NewMockStore()
	h := NewRemovalHandler(RemovalConfig{Sessions: newFakeFinder(), Store: ms})

	iq := parseIQ(t, removeAliceBob)
	iq.From = "@@/"

	res := h.HandleIQ(context.Background(), iq)
	require.NotNil(t, res)
	assert.Equal(t, stanza.InternalServerError, res.Error.Condition)
	assert.Empty(t, ms.Calls())
}

func TestRemovalHandler_FailureIsolation(t *testing.T) {
	tests := []struct {
		name     string
		failFrom string
		failTo   string
		party    string
	}{
		{"owner direction fails", "alice@example.com", "bob@example.com", "from"},
		{"participant direction fails", "bob@example.com", "alice@example.com", "to"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alice := newFakeSession("alice@example.com/phone")
			ms := store.NewMockStore()
			ms.FailMarkRemoved(tt.failFrom, tt.failTo, errors.New("database is locked"))
			rec := newCountingRecorder()

			h := NewRemovalHandler(RemovalConfig{Sessions: newFakeFinder(alice), Store: ms, Metrics: rec})
			res := h.HandleIQ(context.Background(), parseIQ(t, removeAliceBob))

			assert.Nil(t, res)
			assert.Len(t, ms.Calls(), 2, "both directions are attempted")
			require.Len(t, alice.delivered, 1, "ack is still sent")
			assert.Equal(t, stanza.TypeResult, alice.delivered[0].Type)
			assert.Equal(t, 1, rec.failures[tt.party])
			assert.Equal(t, 1, rec.removals[OutcomeStoreFailure])
		})
	}
}

func TestRemovalHandler_BothDirectionsFail(t *testing.T) {
	alice := newFakeSession("alice@example.com/phone")
	ms := store.NewMockStore()
	ms.FailMarkRemoved("alice@example.com", "bob@example.com", errors.New("boom"))
	ms.FailMarkRemoved("bob@example.com", "alice@example.com", errors.New("boom"))

	var failures []StoreFailure
	h := NewRemovalHandler(RemovalConfig{
		Sessions: newFakeFinder(alice),
		Store:    ms,
		FailurePolicy: func(_ context.Context, f StoreFailure) {
			failures = append(failures, f)
		},
	})

	res := h.HandleIQ(context.Background(), parseIQ(t, removeAliceBob))

	assert.Nil(t, res)
	require.Len(t, failures, 2)
	assert.Equal(t, store.PartyFrom, failures[0].Party)
	assert.Equal(t, store.PartyTo, failures[1].Party)
	assert.Equal(t, "rm-1", failures[0].RequestID)
	require.Len(t, alice.delivered, 1)
}

func TestRemovalHandler_StripsResourceFromParticipant(t *testing.T) {
	alice := newFakeSession("alice@example.com/phone")
	ms := store.NewMockStore()
	h := NewRemovalHandler(RemovalConfig{Sessions: newFakeFinder(alice), Store: ms})

	iq := parseIQ(t, `<iq type="set" id="rm-2" from="alice@example.com/phone">`+
		`<remove-conversation xmlns="kewe:archive" participant="bob@example.com/desk"/></iq>`)
	h.HandleIQ(context.Background(), iq)

	calls := ms.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "bob@example.com", calls[0].To)
	assert.Equal(t, "bob@example.com", calls[1].From)
}

func TestRemovalHandler_BadParticipant(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"missing", `<remove-conversation xmlns="kewe:archive"/>`},
		{"empty", `<remove-conversation xmlns="kewe:archive" participant=""/>`},
		{"malformed", `<remove-conversation xmlns="kewe:archive" participant="@example.com"/>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alice := newFakeSession("alice@example.com/phone")
			ms := store.NewMockStore()
			rec := newCountingRecorder()
			h := NewRemovalHandler(RemovalConfig{Sessions: newFakeFinder(alice), Store: ms, Metrics: rec})

			res := h.HandleIQ(context.Background(), parseIQ(t,
				`<iq type="set" id="rm-3" from="alice@example.com/phone">`+tt.payload+`</iq>`))

			require.NotNil(t, res)
			require.NotNil(t, res.Error)
			assert.Equal(t, stanza.BadRequest, res.Error.Condition)
			assert.Equal(t, stanza.ErrorModify, res.Error.Type)
			assert.NotEmpty(t, res.Error.Text)
			assert.True(t, res.Payload.Is(NSArchive, ElementRemove))

			assert.Empty(t, ms.Calls())
			assert.Empty(t, alice.delivered)
			assert.Equal(t, 1, rec.removals[OutcomeBadRequest])
		})
	}
}

func TestRemovalHandler_DeliveryErrorIsNotSurfaced(t *testing.T) {
	alice := newFakeSession("alice@example.com/phone")
	alice.deliverErr = errors.New("socket closed")
	ms := store.NewMockStore()
	h := NewRemovalHandler(RemovalConfig{Sessions: newFakeFinder(alice), Store: ms})

	res := h.HandleIQ(context.Background(), parseIQ(t, removeAliceBob))
	assert.Nil(t, res)
	assert.Len(t, ms.Calls(), 2)
}

func TestRemovalHandler_OtherPartyKeepsView(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMockStore()
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	for i, r := range []struct{ id, from, to string }{
		{"a", "alice@example.com", "bob@example.com"},
		{"b", "bob@example.com", "alice@example.com"},
	} {
		require.NoError(t, ms.Archive(ctx, &store.ArchiveRecord{
			ID: r.id, FromJID: r.from, ToJID: r.to, Body: "hi", SentAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	alice := newFakeSession("alice@example.com/phone")
	h := NewRemovalHandler(RemovalConfig{Sessions: newFakeFinder(alice), Store: ms})

	// Applying the removal twice leaves the same end state.
	h.HandleIQ(ctx, parseIQ(t, removeAliceBob))
	h.HandleIQ(ctx, parseIQ(t, removeAliceBob))

	history := NewHistory(ms)
	aliceView, err := history.List(ctx, "alice@example.com", "bob@example.com", 0)
	require.NoError(t, err)
	assert.Empty(t, aliceView)

	bobView, err := history.List(ctx, "bob@example.com/desk", "alice@example.com", 0)
	require.NoError(t, err)
	assert.Len(t, bobView, 2)

	a, err := ms.Get("a")
	require.NoError(t, err)
	assert.True(t, a.RemovedByFrom)
	assert.False(t, a.RemovedByTo)
	assert.Equal(t, "hi", a.Body, "content is never deleted")
}

func TestRemovalHandler_Info(t *testing.T) {
	info := NewRemovalHandler(RemovalConfig{}).Info()
	assert.Equal(t, "remove-conversation", info.Element)
	assert.Equal(t, "kewe:archive", info.Namespace)
}
