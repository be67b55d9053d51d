// Package server manages individual WebSocket connections, handling
// read/write pumps, rate limiting, inbound event dispatch, and lifecycle
// control for each connection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lumenchat/lumen-server/internal/auth"
	"github.com/lumenchat/lumen-server/internal/config"
	"github.com/lumenchat/lumen-server/internal/metrics"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second

	// dispatchTimeout bounds the store-backed work for one inbound frame.
	// It is independent of the hub lifetime, so a shutdown never aborts a
	// persist that is already under way.
	dispatchTimeout = 10 * time.Second
)

// Client represents one authenticated WebSocket connection. The handle is an
// opaque identity distinct from the owning user, so the registry can track
// several simultaneous connections per user.
type Client struct {
	conn        *websocket.Conn
	send        chan []byte
	hub         *Hub
	relay       *Relay
	handle      string
	identity    auth.Identity
	connectedAt time.Time
	addr        string
	closed      bool

	maxMessageSize int64
	limiter        *tokenBucket
	rateLimit      config.RateLimitConfig
	log            zerolog.Logger
}

// NewClient creates a Client for a verified identity. The send channel is
// buffered so fanout to this connection never blocks the sender.
func NewClient(conn *websocket.Conn, hub *Hub, relay *Relay, identity auth.Identity, addr string, cfg *config.Config) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &Client{
		conn:           conn,
		send:           make(chan []byte, 256),
		hub:            hub,
		relay:          relay,
		handle:         uuid.NewString(),
		identity:       identity,
		connectedAt:    time.Now(),
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		limiter:        newTokenBucket(cfg.RateLimit),
		rateLimit:      cfg.RateLimit,
		log: hub.log.With().
			Int64("user_id", identity.ID).
			Str("username", identity.Username).
			Str("addr", addr).
			Logger(),
	}
}

// Handle returns the opaque connection handle.
func (c *Client) Handle() string {
	return c.handle
}

// Identity returns the identity that owns this connection.
func (c *Client) Identity() auth.Identity {
	return c.identity
}

// setupReadConnection configures read deadlines and pong handler for the
// WebSocket connection.
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn().Err(err).Msg("setting initial read deadline failed")
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Warn().Err(err).Msg("setting read deadline in pong handler failed")
		}
		return nil
	})
}

// handleReadError logs the error and reports whether the read loop should
// stop.
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn().Int64("limit", c.maxMessageSize).Msg("frame exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Debug().Err(err).Msg("client disconnected")
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		c.log.Debug().Err(err).Msg("connection closed")
	default:
		c.log.Warn().Err(err).Msg("websocket read error")
	}
	return true
}

// checkRateLimit reports whether the inbound frame may be processed.
func (c *Client) checkRateLimit() bool {
	if c.limiter != nil && !c.limiter.take() {
		metrics.RateLimitHits.Inc()
		c.log.Warn().
			Int("burst", c.rateLimit.Burst).
			Dur("interval", c.rateLimit.RefillInterval).
			Msg("rate limit exceeded; discarding frame")
		return false
	}
	return true
}

// dispatch decodes an inbound envelope and routes it to the relay or the
// broadcaster. Events are processed in arrival order on this goroutine, so a
// typing_stop sent after a message cannot overtake it.
func (c *Client) dispatch(rawMessage []byte) {
	var env Envelope
	if err := json.Unmarshal(rawMessage, &env); err != nil {
		c.log.Debug().Err(err).Msg("dropping malformed frame")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	switch env.Event {
	case EventPrivateMessage:
		var req PrivateMessageRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			c.relay.reportError(c, "Failed to send message")
			return
		}
		// The relay reports failures back to this connection itself;
		// a rejected message never terminates the connection.
		_ = c.relay.SendDirectMessage(ctx, c, req.RecipientID, req.Content)

	case EventTypingStart, EventTypingStop:
		var req TypingRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return
		}
		out := EventUserTyping
		if env.Event == EventTypingStop {
			out = EventUserStoppedTyping
		}
		c.hub.broadcaster.ToUser(req.RecipientID, out, TypingPayload{
			UserID:   c.identity.ID,
			Username: c.identity.Username,
		})

	case EventMarkRead:
		var req MarkReadRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return
		}
		_ = c.relay.MarkRead(ctx, c, req.MessageIDs, req.SenderID)

	default:
		c.log.Debug().Str("event", env.Event).Msg("ignoring unknown event")
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.closeTransport()
	}()

	c.setupReadConnection()

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			if c.handleReadError(err) {
				break
			}
			continue
		}

		if !c.checkRateLimit() {
			continue
		}

		c.dispatch(rawMessage)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeTransport()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when
// the pump should stop.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleOutbound(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeTransport closes the WebSocket connection, tolerating the expected
// double-close during teardown.
func (c *Client) closeTransport() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Debug().Err(err).Msg("closing connection")
	}
}

// handleOutbound writes one outgoing message plus anything already queued
// and returns false if the connection should be closed.
func (c *Client) handleOutbound(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn().Err(err).Msg("setting write deadline failed")
		return false
	}

	if !ok {
		// Teardown closed the send channel.
		if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
			c.log.Debug().Err(err).Msg("writing close message")
		}
		return false
	}

	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		c.log.Debug().Err(err).Msg("creating frame writer")
		return false
	}

	if _, err := w.Write(message); err != nil {
		c.log.Debug().Err(err).Msg("writing message")
		return false
	}

	// Coalesce whatever else is queued into the same frame batch.
	n := len(c.send)
	for i := 0; i < n; i++ {
		if _, err := w.Write([]byte{'\n'}); err != nil {
			return false
		}
		if _, err := w.Write(<-c.send); err != nil {
			return false
		}
	}

	if err := w.Close(); err != nil {
		c.log.Debug().Err(err).Msg("closing frame writer")
		return false
	}
	return true
}

// isExpectedCloseError checks if an error is expected during connection
// closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}

// handlePing sends a ping to keep the connection alive.
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		return false
	}
	return true
}
