// Package server routes ephemeral signals between live connections. Nothing
// here is persisted or retried; an offline target means a silent drop.
package server

import (
	"github.com/rs/zerolog"

	"github.com/lumenchat/lumen-server/internal/metrics"
)

// Broadcaster fans events out to live connections resolved through the
// presence registry. Delivery is best-effort: a slow or closed peer loses
// the event rather than blocking the sender.
type Broadcaster struct {
	registry *Registry
	log      zerolog.Logger
}

// NewBroadcaster creates a Broadcaster over the given registry.
func NewBroadcaster(registry *Registry, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{registry: registry, log: logger}
}

// ToUser delivers an event to every live connection of the target user and
// returns the delivery count. An offline target yields zero deliveries and
// no error.
func (b *Broadcaster) ToUser(userID int64, event string, payload any) int {
	message, err := encodeEvent(event, payload)
	if err != nil {
		b.log.Error().Err(err).Str("event", event).Msg("encoding event failed")
		return 0
	}

	delivered := 0
	for _, c := range b.registry.Resolve(userID) {
		if b.safeSend(c, message) {
			delivered++
		}
	}
	if delivered > 0 {
		metrics.SignalsSent.WithLabelValues(event).Add(float64(delivered))
	}
	return delivered
}

// ToClient delivers an event to one specific connection. Used for sender
// acknowledgments and per-connection error signals.
func (b *Broadcaster) ToClient(c *Client, event string, payload any) bool {
	message, err := encodeEvent(event, payload)
	if err != nil {
		b.log.Error().Err(err).Str("event", event).Msg("encoding event failed")
		return false
	}
	return b.safeSend(c, message)
}

// ToAllExcept delivers an event to every registered connection except the
// originating one. Used for presence announcements.
func (b *Broadcaster) ToAllExcept(origin *Client, event string, payload any) {
	message, err := encodeEvent(event, payload)
	if err != nil {
		b.log.Error().Err(err).Str("event", event).Msg("encoding event failed")
		return
	}

	sent := 0
	for _, c := range b.registry.AllClients() {
		if c == origin {
			continue
		}
		if b.safeSend(c, message) {
			sent++
		}
	}
	if sent > 0 {
		metrics.SignalsSent.WithLabelValues(event).Add(float64(sent))
	}
}

// safeSend enqueues a message on a connection's send buffer without ever
// blocking. The registry read lock is held across the closed check and the
// send so teardown cannot close the channel mid-send.
func (b *Broadcaster) safeSend(c *Client, message []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn().Interface("panic", r).Msg("recovered from panic in safeSend")
			sent = false
		}
	}()

	b.registry.mu.RLock()
	defer b.registry.mu.RUnlock()

	if _, registered := b.registry.clients[c]; !registered || c.closed {
		return false
	}

	select {
	case c.send <- message:
		return true
	default:
		// Full buffer: drop the event and let the connection's own
		// teardown path fire once the transport closes.
		b.log.Warn().Str("addr", c.addr).Int64("user_id", c.identity.ID).
			Msg("send buffer full; dropping event and closing connection")
		go c.closeTransport()
		return false
	}
}
