// ABOUTME: XMPP-over-WebSocket endpoint (RFC 7395) authenticating clients with a bearer JWT
// ABOUTME: Upgrades requests, tracks live connections, and drains them on shutdown

package stream

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"mellium.im/xmpp/jid"

	"github.com/kewe/archive-gateway/internal/auth"
	"github.com/kewe/archive-gateway/internal/dedupe"
	"github.com/kewe/archive-gateway/internal/session"
	"github.com/kewe/archive-gateway/internal/stanza"
)

// Subprotocol is the WebSocket subprotocol registered for XMPP.
const Subprotocol = "xmpp"

// Defaults for the keepalive timings.
const (
	DefaultPingInterval = 54 * time.Second
	DefaultReadTimeout  = 60 * time.Second
	writeTimeout        = 10 * time.Second
	sendBuffer          = 256
)

// DefaultMaxFrameSize bounds a single inbound frame. Larger frames end the
// stream with CloseMessageTooBig.
const DefaultMaxFrameSize int64 = 256 << 10

// IQRouter dispatches inbound IQs. The returned IQ, if any, is written back
// on the originating stream.
type IQRouter interface {
	Route(ctx context.Context, iq *stanza.IQ) *stanza.IQ
}

// MessageRelay handles inbound message stanzas.
type MessageRelay interface {
	HandleMessage(ctx context.Context, from session.Session, msg *stanza.Message) int
}

// DropRecorder counts stanzas dropped by the stream layer.
type DropRecorder interface {
	ObserveDropped(reason string)
}

// Config contains the collaborators and timings of a Server.
type Config struct {
	Domain   string
	Verifier auth.TokenVerifier
	Registry *session.Registry
	Router   IQRouter
	Relay    MessageRelay
	Dedupe   *dedupe.Cache // optional
	Metrics  DropRecorder  // optional
	Logger   *slog.Logger

	PingInterval time.Duration
	ReadTimeout  time.Duration
	MaxFrameSize int64
}

// Server serves XMPP streams over WebSocket. It implements http.Handler.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// base is canceled by Shutdown and parents every connection context
	base   context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	shutdown bool
	wg       sync.WaitGroup
}

// NewServer creates a stream Server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}

	base, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		logger: logger.With("component", "stream"),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{Subprotocol},
			// Clients authenticate with a bearer token, not cookies
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		base:   base,
		cancel: cancel,
	}
}

// ServeHTTP authenticates the request and upgrades it to an XMPP stream.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	bare, errMsg := auth.Authenticate(r, s.cfg.Verifier)
	if errMsg != "" {
		auth.WriteError(w, http.StatusUnauthorized, errMsg)
		return
	}

	resource := r.URL.Query().Get("resource")
	if resource == "" {
		resource = uuid.NewString()
	}
	addr, err := stanza.ParseJID(bare + "/" + resource)
	if err != nil {
		auth.WriteError(w, http.StatusBadRequest, "invalid resource")
		return
	}

	// Hold the read lock across both the shutdown check and wg.Add so
	// Shutdown cannot start waiting in between.
	s.mu.RLock()
	if s.shutdown {
		s.mu.RUnlock()
		auth.WriteError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	s.wg.Add(1)
	s.mu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.wg.Done()
		s.logger.Warn("websocket upgrade failed", "jid", addr.String(), "error", err)
		return
	}

	if conn.Subprotocol() != Subprotocol {
		s.wg.Done()
		s.logger.Warn("client did not negotiate the xmpp subprotocol", "jid", addr.String())
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseProtocolError, "xmpp subprotocol required"),
			time.Now().Add(writeTimeout))
		_ = conn.Close()
		return
	}

	go s.handleConnection(conn, addr)
}

// handleConnection runs one stream until either side ends it.
func (s *Server) handleConnection(ws *websocket.Conn, addr jid.JID) {
	defer s.wg.Done()

	c := newConnection(ws, s, addr, uuid.NewString())
	s.cfg.Registry.AddPending(c.streamID, addr.Bare().String())

	s.logger.Debug("stream connected", "jid", addr.String(), "stream_id", c.streamID)

	ctx, cancel := context.WithCancel(s.base)
	defer cancel()

	readDone := make(chan error, 1)
	writeDone := make(chan error, 1)

	go func() { readDone <- c.readLoop(ctx) }()
	go func() { writeDone <- c.writeLoop(ctx) }()

	select {
	case err := <-readDone:
		if err != nil {
			s.logger.Debug("stream read ended", "jid", addr.String(), "error", err)
		}
		// Let queued frames (a final <close/>) go out before tearing down.
		c.drain()
		select {
		case <-writeDone:
		case <-time.After(writeTimeout):
		}
	case err := <-writeDone:
		if err != nil {
			s.logger.Debug("stream write ended", "jid", addr.String(), "error", err)
		}
	}

	_ = c.Close()
	s.logger.Debug("stream disconnected", "jid", addr.String(), "stream_id", c.streamID)
}

// Shutdown stops accepting streams, closes the open ones, and waits for
// them to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
