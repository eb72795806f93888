// ABOUTME: RemovalHandler hides a whole one-to-one conversation from the requester's archive view
// ABOUTME: Both directions are flagged best-effort and the request is always acknowledged

package conversation

import (
	"context"
	"log/slog"

	"mellium.im/xmpp/jid"

	"github.com/kewe/archive-gateway/internal/router"
	"github.com/kewe/archive-gateway/internal/session"
	"github.com/kewe/archive-gateway/internal/stanza"
	"github.com/kewe/archive-gateway/internal/store"
)

// NSArchive is the namespace of the archive extension payloads.
const NSArchive = "kewe:archive"

// ElementRemove is the request element handled by RemovalHandler.
const ElementRemove = "remove-conversation"

// Removal outcomes, used as the metrics label.
const (
	OutcomeOK           = "ok"
	OutcomeStoreFailure = "store_failure"
	OutcomeNoSession    = "no_session"
	OutcomeBadRequest   = "bad_request"
)

// SessionFinder resolves live sessions by full JID.
type SessionFinder interface {
	FindSession(full jid.JID) (session.Session, bool)
	PreAuthenticatedKeys() []string
}

// ArchiveStore is what the removal handler needs from storage.
type ArchiveStore interface {
	MarkRemoved(ctx context.Context, from, to string, party store.Party) (int64, error)
}

// Recorder receives conversation metrics. *metrics.Metrics implements it.
type Recorder interface {
	ObserveRemoval(outcome string)
	ObserveStoreFailure(party string)
	ObserveArchived()
}

type nopRecorder struct{}

func (nopRecorder) ObserveRemoval(string)      {}
func (nopRecorder) ObserveStoreFailure(string) {}
func (nopRecorder) ObserveArchived()           {}

// StoreFailure describes one failed MarkRemoved call.
type StoreFailure struct {
	RequestID string
	From      string
	To        string
	Party     store.Party
	Err       error
}

// FailurePolicy decides what happens to a failed store update. It cannot
// stop the other direction or the acknowledgement.
type FailurePolicy func(ctx context.Context, f StoreFailure)

// LogAndContinue logs the failure and counts it. It is the default policy.
func LogAndContinue(logger *slog.Logger, rec Recorder) FailurePolicy {
	return func(_ context.Context, f StoreFailure) {
		logger.Error("failed to mark archive records removed",
			"request_id", f.RequestID,
			"from", f.From,
			"to", f.To,
			"party", f.Party.String(),
			"error", f.Err,
		)
		rec.ObserveStoreFailure(f.Party.String())
	}
}

// RemovalConfig contains the collaborators of a RemovalHandler.
type RemovalConfig struct {
	Sessions SessionFinder
	Store    ArchiveStore
	Logger   *slog.Logger
	Metrics  Recorder

	// FailurePolicy defaults to LogAndContinue.
	FailurePolicy FailurePolicy
}

// RemovalHandler handles <remove-conversation/> requests.
type RemovalHandler struct {
	sessions SessionFinder
	store    ArchiveStore
	logger   *slog.Logger
	metrics  Recorder
	onFail   FailurePolicy
}

// NewRemovalHandler creates a RemovalHandler from cfg.
func NewRemovalHandler(cfg RemovalConfig) *RemovalHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "removal")

	rec := cfg.Metrics
	if rec == nil {
		rec = nopRecorder{}
	}

	onFail := cfg.FailurePolicy
	if onFail == nil {
		onFail = LogAndContinue(logger, rec)
	}

	return &RemovalHandler{
		sessions: cfg.Sessions,
		store:    cfg.Store,
		logger:   logger,
		metrics:  rec,
		onFail:   onFail,
	}
}

// Info implements router.IQHandler.
func (h *RemovalHandler) Info() router.HandlerInfo {
	return router.HandlerInfo{
		Name:      "conversation-removal",
		Element:   ElementRemove,
		Namespace: NSArchive,
	}
}

// HandleIQ flags every archived message between the requester and the
// participant as removed on the requester's side, then acknowledges through
// the requester's session. It returns an error IQ only when the request
// cannot be served; on success the acknowledgement has already been
// delivered and nil is returned.
func (h *RemovalHandler) HandleIQ(ctx context.Context, iq *stanza.IQ) *stanza.IQ {
	from, sess, ok := h.findSession(iq.From)
	if !ok {
		h.logger.Error("no session for remove-conversation request",
			"request_id", iq.ID,
			"attempted_key", iq.From,
			"pre_authenticated_keys", h.sessions.PreAuthenticatedKeys(),
		)
		h.metrics.ObserveRemoval(OutcomeNoSession)
		return stanza.ErrorIQ(iq, stanza.InternalServerError)
	}

	owner := from.Bare().String()

	participant, err := h.participant(iq)
	if err != nil {
		h.logger.Warn("rejecting remove-conversation request",
			"request_id", iq.ID,
			"owner", owner,
			"error", err,
		)
		h.metrics.ObserveRemoval(OutcomeBadRequest)
		res := stanza.ErrorIQ(iq, stanza.BadRequest)
		res.Error.Text = err.Error()
		return res
	}

	// Both directions are always attempted; neither failure blocks the ack.
	failed := false
	for _, d := range []struct {
		from, to string
		party    store.Party
	}{
		{owner, participant, store.PartyFrom},
		{participant, owner, store.PartyTo},
	} {
		n, err := h.store.MarkRemoved(ctx, d.from, d.to, d.party)
		if err != nil {
			failed = true
			h.onFail(ctx, StoreFailure{
				RequestID: iq.ID,
				From:      d.from,
				To:        d.to,
				Party:     d.party,
				Err:       err,
			})
			continue
		}
		h.logger.Debug("marked direction removed",
			"request_id", iq.ID,
			"from", d.from,
			"to", d.to,
			"rows", n,
		)
	}

	if err := sess.Deliver(stanza.ResultIQ(iq)); err != nil {
		h.logger.Warn("failed to deliver remove-conversation ack",
			"request_id", iq.ID,
			"jid", sess.Address().String(),
			"error", err,
		)
	}

	outcome := OutcomeOK
	if failed {
		outcome = OutcomeStoreFailure
	}
	h.metrics.ObserveRemoval(outcome)

	h.logger.Info("conversation removed",
		"request_id", iq.ID,
		"owner", owner,
		"participant", participant,
		"outcome", outcome,
	)
	return nil
}

func (h *RemovalHandler) findSession(from string) (jid.JID, session.Session, bool) {
	addr, err := stanza.ParseJID(from)
	if err != nil {
		return jid.JID{}, nil, false
	}
	sess, ok := h.sessions.FindSession(addr)
	return addr, sess, ok
}

// participant returns the bare counterpart JID from the payload.
func (h *RemovalHandler) participant(iq *stanza.IQ) (string, error) {
	raw, ok := iq.Payload.Attr("participant")
	if !ok || raw == "" {
		return "", errMissingParticipant
	}
	return stanza.Bare(raw)
}

// Ensure RemovalHandler implements router.IQHandler
var _ router.IQHandler = (*RemovalHandler)(nil)
