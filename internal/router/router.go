// ABOUTME: Dispatches inbound IQ requests to handlers by payload namespace and element.
// ABOUTME: Produces protocol error responses for unroutable requests.

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/kewe/archive-gateway/internal/stanza"
)

// ErrHandlerConflict indicates a handler is already registered for the same payload.
var ErrHandlerConflict = errors.New("handler already registered")

// HandlerInfo describes which payload a handler serves.
type HandlerInfo struct {
	Name      string
	Element   string
	Namespace string
}

func (i HandlerInfo) key() string {
	return i.Namespace + " " + i.Element
}

// IQHandler handles one kind of IQ request. HandleIQ returns an IQ to send
// back on the originating stream, or nil when the handler already replied.
type IQHandler interface {
	Info() HandlerInfo
	HandleIQ(ctx context.Context, iq *stanza.IQ) *stanza.IQ
}

// Router routes IQ requests to registered handlers.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]IQHandler
	logger   *slog.Logger
}

// New creates an empty Router.
func New(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		handlers: make(map[string]IQHandler),
		logger:   logger.With("component", "router"),
	}
}

// Register adds a handler.
// Returns ErrHandlerConflict if its namespace and element are already taken.
func (r *Router) Register(h IQHandler) error {
	info := h.Info()
	if info.Element == "" || info.Namespace == "" {
		return fmt.Errorf("handler %q: element and namespace are required", info.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.handlers[info.key()]; ok {
		return fmt.Errorf("%w: {%s}%s claimed by %s", ErrHandlerConflict, info.Namespace, info.Element, existing.Info().Name)
	}

	r.handlers[info.key()] = h
	r.logger.Info("registered IQ handler",
		"name", info.Name,
		"element", info.Element,
		"namespace", info.Namespace,
	)
	return nil
}

// Route dispatches iq and returns the response the caller should write
// back, or nil if nothing should be sent.
func (r *Router) Route(ctx context.Context, iq *stanza.IQ) *stanza.IQ {
	// Responses are never answered.
	if iq.Type == stanza.TypeResult || iq.Type == stanza.TypeError {
		r.logger.Debug("dropping IQ response", "id", iq.ID, "type", iq.Type, "from", iq.From)
		return nil
	}

	if !iq.Type.IsRequest() {
		return stanza.ErrorIQ(iq, stanza.BadRequest)
	}

	if iq.Payload == nil {
		r.logger.Debug("IQ without payload", "id", iq.ID, "from", iq.From)
		return stanza.ErrorIQ(iq, stanza.BadRequest)
	}

	info := HandlerInfo{Element: iq.Payload.XMLName.Local, Namespace: iq.Payload.XMLName.Space}

	r.mu.RLock()
	h, ok := r.handlers[info.key()]
	r.mu.RUnlock()

	if !ok {
		r.logger.Debug("no handler for IQ",
			"id", iq.ID,
			"from", iq.From,
			"element", info.Element,
			"namespace", info.Namespace,
		)
		return stanza.ErrorIQ(iq, stanza.ServiceUnavailable)
	}

	r.logger.Debug("→ dispatching IQ", "handler", h.Info().Name, "id", iq.ID, "from", iq.From)
	return h.HandleIQ(ctx, iq)
}

// Features returns the distinct namespaces served, sorted.
func (r *Router) Features() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var features []string
	for _, h := range r.handlers {
		ns := h.Info().Namespace
		if !seen[ns] {
			seen[ns] = true
			features = append(features, ns)
		}
	}
	sort.Strings(features)
	return features
}
