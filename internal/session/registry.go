// ABOUTME: Tracks live client streams, both pre-authenticated and bound to a full JID.
// ABOUTME: Handlers resolve the requester's session here before touching the archive.

package session

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"mellium.im/xmpp/jid"

	"github.com/kewe/archive-gateway/internal/stanza"
)

// ErrSessionConflict indicates the full JID is already bound to another stream.
var ErrSessionConflict = errors.New("session already bound")

// ErrUnknownStream indicates Bind was called for a stream that was never added.
var ErrUnknownStream = errors.New("unknown stream")

// Session is a live, bound client stream.
type Session interface {
	// Address is the full JID the stream is bound to.
	Address() jid.JID
	StreamID() string
	// Deliver pushes an IQ to the client. Errors belong to the transport.
	Deliver(iq *stanza.IQ) error
	SendMessage(msg *stanza.Message) error
}

// Registry coordinates all live sessions.
type Registry struct {
	mu      sync.RWMutex
	pending map[string]string  // stream id -> bare JID
	bound   map[string]Session // full JID -> session
	logger  *slog.Logger

	// onChange is called with the bound count after every change
	onChange func(int)
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		pending: make(map[string]string),
		bound:   make(map[string]Session),
		logger:  logger.With("component", "session"),
	}
}

// OnChange sets a callback receiving the bound session count after each
// bind or unregister. Used to feed the sessions gauge.
func (r *Registry) OnChange(fn func(count int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// AddPending records an authenticated stream that has not opened yet.
func (r *Registry) AddPending(streamID, bare string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending[streamID] = bare
	r.logger.Debug("stream pending", "stream_id", streamID, "jid", bare)
}

// RemovePending forgets a stream that never bound.
func (r *Registry) RemovePending(streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, streamID)
}

// Bind moves a pending stream to the bound set under its full JID.
// Returns ErrSessionConflict if the full JID is already bound.
func (r *Registry) Bind(streamID string, s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[streamID]; !ok {
		return ErrUnknownStream
	}

	key := s.Address().String()
	if _, exists := r.bound[key]; exists {
		return ErrSessionConflict
	}

	delete(r.pending, streamID)
	r.bound[key] = s
	r.logger.Info("session bound",
		"jid", key,
		"stream_id", streamID,
		"total_sessions", len(r.bound),
	)
	r.notifyLocked()
	return nil
}

// Unregister removes a bound session. It is a no-op if s is not the
// session currently bound under its address.
func (r *Registry) Unregister(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := s.Address().String()
	current, exists := r.bound[key]
	if !exists || current.StreamID() != s.StreamID() {
		return
	}

	delete(r.bound, key)
	r.logger.Info("session unbound",
		"jid", key,
		"stream_id", s.StreamID(),
		"total_sessions", len(r.bound),
	)
	r.notifyLocked()
}

// FindSession returns the session bound to the given full JID.
func (r *Registry) FindSession(full jid.JID) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.bound[full.String()]
	return s, ok
}

// SessionsFor returns every bound resource of the bare JID, ordered by address.
func (r *Registry) SessionsFor(bare jid.JID) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	want := bare.Bare().String()
	var result []Session
	for _, s := range r.bound {
		if s.Address().Bare().String() == want {
			result = append(result, s)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Address().String() < result[j].Address().String()
	})
	return result
}

// PreAuthenticatedKeys lists the stream ids that are authenticated but not
// yet bound. Logged when a session lookup misses.
func (r *Registry) PreAuthenticatedKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.pending))
	for k := range r.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Count returns the number of bound sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bound)
}

func (r *Registry) notifyLocked() {
	if r.onChange != nil {
		r.onChange(len(r.bound))
	}
}
