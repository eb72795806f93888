// ABOUTME: One client's XMPP stream over a WebSocket connection
// ABOUTME: Decodes framed stanzas, stamps the sender address, and implements session.Session

package stream

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"mellium.im/xmpp/jid"

	"github.com/kewe/archive-gateway/internal/session"
	"github.com/kewe/archive-gateway/internal/stanza"
)

// errStreamClosed ends the read loop after the client or server closed the stream.
var errStreamClosed = errors.New("stream closed")

// Drop reasons reported to the DropRecorder.
const (
	dropMalformed   = "malformed"
	dropUnsupported = "unsupported"
	dropUnbound     = "unbound"
	dropOversized   = "oversized"
)

// Connection is a live client stream. Once <open/> binds it, it is the
// client's session.Session.
type Connection struct {
	ws       *websocket.Conn
	server   *Server
	addr     jid.JID
	streamID string

	sendCh chan []byte

	mu     sync.Mutex
	bound  bool
	closed bool

	drainOnce sync.Once
	drained   chan struct{}
}

func newConnection(ws *websocket.Conn, server *Server, addr jid.JID, streamID string) *Connection {
	return &Connection{
		ws:       ws,
		server:   server,
		addr:     addr,
		streamID: streamID,
		sendCh:   make(chan []byte, sendBuffer),
		drained:  make(chan struct{}),
	}
}

// Address returns the full JID of the stream.
func (c *Connection) Address() jid.JID { return c.addr }

// StreamID returns the server-assigned stream id.
func (c *Connection) StreamID() string { return c.streamID }

// Deliver queues an IQ for the client.
func (c *Connection) Deliver(iq *stanza.IQ) error {
	data, err := iq.Marshal()
	if err != nil {
		return fmt.Errorf("encoding iq: %w", err)
	}
	if err := c.send(data); err != nil {
		return err
	}
	// Answers are kept so a retried request gets the same reply.
	if cache := c.server.cfg.Dedupe; cache != nil && !iq.Type.IsRequest() {
		cache.Remember(c.addr.String(), iq.ID, iq)
	}
	return nil
}

// SendMessage queues a message for the client.
func (c *Connection) SendMessage(msg *stanza.Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	return c.send(data)
}

func (c *Connection) isBound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bound
}

// send queues a frame without blocking.
func (c *Connection) send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("connection closed")
	}

	select {
	case c.sendCh <- frame:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

// drain asks the write loop to flush what is queued and end the stream.
func (c *Connection) drain() {
	c.drainOnce.Do(func() { close(c.drained) })
}

// Close releases the connection and its registry entry. Safe to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	bound := c.bound
	c.mu.Unlock()

	if bound {
		c.server.cfg.Registry.Unregister(c)
	} else {
		c.server.cfg.Registry.RemovePending(c.streamID)
	}

	return c.ws.Close()
}

// readLoop reads frames until the client goes away or closes the stream.
func (c *Connection) readLoop(ctx context.Context) error {
	timeout := c.server.cfg.ReadTimeout

	c.ws.SetReadLimit(c.server.cfg.MaxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(timeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(timeout))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				c.server.logger.Warn("frame exceeds read limit",
					"jid", c.addr.String(),
					"limit", c.server.cfg.MaxFrameSize,
				)
				c.dropped(dropOversized)
				return nil
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				return fmt.Errorf("read error: %w", err)
			}
			return nil
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(timeout))

		if msgType != websocket.TextMessage {
			c.dropped(dropMalformed)
			continue
		}

		if err := c.handleFrame(ctx, data); err != nil {
			if errors.Is(err, errStreamClosed) {
				return nil
			}
			return err
		}
	}
}

// writeLoop writes queued frames and keeps the connection alive with pings.
func (c *Connection) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.server.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Server shutdown: tell the client the stream is over.
			c.writeFrame(mustMarshal(stanza.Close{}))
			c.writeClose()
			return ctx.Err()

		case frame := <-c.sendCh:
			if err := c.writeFrame(frame); err != nil {
				return err
			}

		case <-c.drained:
			for {
				select {
				case frame := <-c.sendCh:
					if err := c.writeFrame(frame); err != nil {
						return err
					}
				default:
					c.writeClose()
					return nil
				}
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("ping error: %w", err)
			}
		}
	}
}

func (c *Connection) writeFrame(frame []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write error: %w", err)
	}
	return nil
}

func (c *Connection) writeClose() {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
}

// handleFrame processes one WebSocket text frame, which RFC 7395 requires
// to hold exactly one element.
func (c *Connection) handleFrame(ctx context.Context, data []byte) error {
	name, err := stanza.RootName(data)
	if err != nil {
		c.server.logger.Debug("malformed frame", "jid", c.addr.String(), "error", err)
		c.dropped(dropMalformed)
		return c.closeStream()
	}

	switch {
	case name.Space == stanza.NSFraming && name.Local == "open":
		return c.handleOpen()

	case name.Space == stanza.NSFraming && name.Local == "close":
		return c.closeStream()

	case name.Local == "iq":
		return c.handleIQ(ctx, data)

	case name.Local == "message":
		return c.handleMessage(ctx, data)

	default:
		c.server.logger.Debug("unsupported element", "jid", c.addr.String(), "element", name.Local)
		c.dropped(dropUnsupported)
		return nil
	}
}

// handleOpen binds the stream to its full JID and answers with <open/>.
// A repeated <open/> (stream restart) is answered without rebinding.
func (c *Connection) handleOpen() error {
	if !c.isBound() {
		if err := c.server.cfg.Registry.Bind(c.streamID, c); err != nil {
			c.server.logger.Warn("stream bind refused",
				"jid", c.addr.String(),
				"stream_id", c.streamID,
				"error", err,
			)
			return c.closeStream()
		}
		c.mu.Lock()
		c.bound = true
		c.mu.Unlock()
	}

	return c.send(mustMarshal(stanza.Open{
		From:    c.server.cfg.Domain,
		To:      c.addr.String(),
		ID:      c.streamID,
		Version: "1.0",
		Lang:    "en",
	}))
}

func (c *Connection) handleIQ(ctx context.Context, data []byte) error {
	iq, err := stanza.ParseIQ(data)
	if err != nil {
		c.server.logger.Debug("malformed iq", "jid", c.addr.String(), "error", err)
		c.dropped(dropMalformed)
		return nil
	}

	// The server is authoritative for the sender address.
	iq.From = c.addr.String()

	if !c.isBound() {
		c.dropped(dropUnbound)
		if iq.Type.IsRequest() {
			res := stanza.ErrorIQ(iq, stanza.NotAuthorized)
			res.From = c.server.cfg.Domain
			return c.Deliver(res)
		}
		return nil
	}

	if cache := c.server.cfg.Dedupe; iq.Type.IsRequest() && cache != nil && cache.Seen(iq.From, iq.ID) {
		// A retry gets the first answer again. If none was queued the request
		// is routed again; removal is idempotent.
		if prev, ok := cache.Recall(iq.From, iq.ID); ok {
			if res, ok := prev.(*stanza.IQ); ok {
				c.server.logger.Debug("replaying response to duplicate iq", "jid", iq.From, "id", iq.ID)
				return c.Deliver(res)
			}
		}
	}

	if res := c.server.cfg.Router.Route(ctx, iq); res != nil {
		if err := c.Deliver(res); err != nil {
			c.server.logger.Warn("failed to queue iq response", "jid", iq.From, "id", iq.ID, "error", err)
		}
	}
	return nil
}

func (c *Connection) handleMessage(ctx context.Context, data []byte) error {
	if !c.isBound() {
		c.dropped(dropUnbound)
		return c.closeStream()
	}

	msg, err := stanza.ParseMessage(data)
	if err != nil {
		c.server.logger.Debug("malformed message", "jid", c.addr.String(), "error", err)
		c.dropped(dropMalformed)
		return nil
	}

	if c.server.cfg.Relay != nil {
		c.server.cfg.Relay.HandleMessage(ctx, c, msg)
	}
	return nil
}

// closeStream queues <close/> and ends the read loop.
func (c *Connection) closeStream() error {
	_ = c.send(mustMarshal(stanza.Close{}))
	return errStreamClosed
}

func (c *Connection) dropped(reason string) {
	if c.server.cfg.Metrics != nil {
		c.server.cfg.Metrics.ObserveDropped(reason)
	}
}

func mustMarshal(v any) []byte {
	data, err := xml.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("stream: marshaling %T: %v", v, err))
	}
	return data
}

// Ensure Connection implements session.Session
var _ session.Session = (*Connection)(nil)
