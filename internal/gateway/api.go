// ABOUTME: HTTP handlers for health checks and the archive history API
// ABOUTME: History responses only include records the caller has not removed

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kewe/archive-gateway/internal/auth"
	"github.com/kewe/archive-gateway/internal/conversation"
	"github.com/kewe/archive-gateway/internal/stanza"
	"github.com/kewe/archive-gateway/internal/store"
)

// ArchiveMessage is one record in an archive listing.
type ArchiveMessage struct {
	ID     string    `json:"id"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Body   string    `json:"body"`
	SentAt time.Time `json:"sent_at"`
}

// ArchiveResponse is the body of GET /api/archive/{with}.
type ArchiveResponse struct {
	Owner    string           `json:"owner"`
	With     string           `json:"with"`
	Messages []ArchiveMessage `json:"messages"`
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 if the store answers a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions)", g.registry.Count())
}

// handleArchive handles GET /api/archive/{with}?limit=N for the
// authenticated account.
func (g *Gateway) handleArchive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ac := auth.FromContext(r.Context())
	if ac == nil {
		g.sendJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	with := strings.TrimPrefix(r.URL.Path, "/api/archive/")
	if with == "" {
		g.sendJSONError(w, http.StatusBadRequest, "counterpart JID is required")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := g.history.List(r.Context(), ac.JID, with, limit)
	if err != nil {
		if errors.Is(err, conversation.ErrInvalidJID) {
			g.sendJSONError(w, http.StatusBadRequest, "invalid JID")
			return
		}
		g.logger.Error("failed to list archive", "owner", ac.JID, "with", with, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list archive")
		return
	}

	// List already validated it
	withBare, _ := stanza.Bare(with)

	response := ArchiveResponse{
		Owner:    ac.JID,
		With:     withBare,
		Messages: make([]ArchiveMessage, 0, len(records)),
	}
	for _, rec := range records {
		response.Messages = append(response.Messages, toArchiveMessage(rec))
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

func toArchiveMessage(rec *store.ArchiveRecord) ArchiveMessage {
	return ArchiveMessage{
		ID:     rec.ID,
		From:   rec.FromJID,
		To:     rec.ToJID,
		Body:   rec.Body,
		SentAt: rec.SentAt.UTC(),
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	auth.WriteError(w, status, message)
}
