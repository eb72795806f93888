// ABOUTME: Relay archives one-to-one chat messages and delivers them to the recipient's sessions
// ABOUTME: The archive is the record of truth; delivery still happens when archiving fails

package conversation

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"mellium.im/xmpp/jid"

	"github.com/kewe/archive-gateway/internal/session"
	"github.com/kewe/archive-gateway/internal/stanza"
	"github.com/kewe/archive-gateway/internal/store"
)

// MessageArchiver is what the relay needs from storage.
type MessageArchiver interface {
	Archive(ctx context.Context, rec *store.ArchiveRecord) error
}

// Recipients lists every bound session of an account.
type Recipients interface {
	SessionsFor(bare jid.JID) []session.Session
}

// RelayConfig contains the collaborators of a Relay.
type RelayConfig struct {
	Store      MessageArchiver
	Recipients Recipients
	Logger     *slog.Logger
	Metrics    Recorder

	// Now defaults to time.Now.
	Now func() time.Time
}

// Relay archives and delivers chat messages.
type Relay struct {
	store      MessageArchiver
	recipients Recipients
	logger     *slog.Logger
	metrics    Recorder
	now        func() time.Time
}

// NewRelay creates a Relay from cfg.
func NewRelay(cfg RelayConfig) *Relay {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rec := cfg.Metrics
	if rec == nil {
		rec = nopRecorder{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Relay{
		store:      cfg.Store,
		recipients: cfg.Recipients,
		logger:     logger.With("component", "relay"),
		metrics:    rec,
		now:        now,
	}
}

// HandleMessage archives msg as sent by from and pushes it to the recipient:
// the addressed resource for a full JID, every bound session for a bare one.
// It returns the number of sessions reached.
func (r *Relay) HandleMessage(ctx context.Context, from session.Session, msg *stanza.Message) int {
	msg.From = from.Address().String()

	if !msg.Archivable() {
		r.logger.Debug("dropping message", "id", msg.ID, "from", msg.From, "type", msg.Type)
		return 0
	}

	to, err := stanza.ParseJID(msg.To)
	if err != nil {
		r.logger.Debug("dropping message with bad recipient", "id", msg.ID, "from", msg.From, "error", err)
		return 0
	}

	rec := &store.ArchiveRecord{
		ID:      ulid.Make().String(),
		FromJID: from.Address().Bare().String(),
		ToJID:   to.Bare().String(),
		Body:    msg.Body,
		SentAt:  r.now().UTC(),
	}
	if err := r.store.Archive(ctx, rec); err != nil {
		r.logger.Error("failed to archive message",
			"id", msg.ID,
			"from", rec.FromJID,
			"to", rec.ToJID,
			"error", err,
		)
	} else {
		r.metrics.ObserveArchived()
	}

	delivered := 0
	for _, s := range r.targets(to) {
		if err := s.SendMessage(msg); err != nil {
			r.logger.Warn("failed to deliver message",
				"id", msg.ID,
				"to", s.Address().String(),
				"error", err,
			)
			continue
		}
		delivered++
	}

	r.logger.Debug("relayed message",
		"id", msg.ID,
		"archive_id", rec.ID,
		"from", rec.FromJID,
		"to", rec.ToJID,
		"delivered", delivered,
	)
	return delivered
}

// targets picks the sessions a message to `to` is pushed to. A full JID whose
// resource is not bound falls back to every session of the account.
func (r *Relay) targets(to jid.JID) []session.Session {
	all := r.recipients.SessionsFor(to.Bare())
	if to.Resourcepart() == "" {
		return all
	}
	for _, s := range all {
		if s.Address().Equal(to) {
			return []session.Session{s}
		}
	}
	return all
}
