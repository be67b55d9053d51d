// Package server coordinates connection registration, presence fanout, and
// connection cleanup for the LumenChat real-time core via the Hub type.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumenchat/lumen-server/internal/metrics"
	"github.com/lumenchat/lumen-server/internal/store"
)

// Hub owns the per-connection lifecycle: it registers verified connections
// in the presence registry, launches their pumps, announces presence
// transitions, and tears connections down exactly once. All transitions run
// on the hub's single event loop.
type Hub struct {
	registry    *Registry
	broadcaster *Broadcaster
	users       store.UserStore
	log         zerolog.Logger

	register   chan *Client
	unregister chan *Client
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	pumps      sync.WaitGroup
}

// NewHub creates a Hub over a fresh registry. The user store receives
// best-effort presence mirror updates and may be nil in tests.
func NewHub(users store.UserStore, logger zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	registry := NewRegistry()
	return &Hub{
		registry:    registry,
		broadcaster: NewBroadcaster(registry, logger),
		users:       users,
		log:         logger,
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// Registry returns the presence registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Broadcaster returns the ephemeral signal broadcaster.
func (h *Hub) Broadcaster() *Broadcaster {
	return h.broadcaster
}

// GetRegisterChan returns the channel used for registering new connections.
func (h *Hub) GetRegisterChan() chan<- *Client {
	return h.register
}

// GetUnregisterChan returns the channel used for deregistering connections.
func (h *Hub) GetUnregisterChan() chan<- *Client {
	return h.unregister
}

// Run starts the hub's main event loop. This method should be called in a
// separate goroutine as it runs until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.drainAndStop()
			return

		case client := <-h.register:
			if client == nil {
				h.log.Warn().Msg("received nil client registration; skipping")
				continue
			}
			h.handleRegister(client)

		case client := <-h.unregister:
			h.handleUnregister(client)
		}
	}
}

// handleRegister moves a verified connection into the Active state: registry
// entry, pumps, online announcement, presence mirror. The announcement and
// mirror are best-effort; cleanup never depends on them.
func (h *Hub) handleRegister(client *Client) {
	first := h.registry.Register(client)
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Set(float64(h.registry.Len()))
	h.log.Info().
		Int64("user_id", client.identity.ID).
		Str("username", client.identity.Username).
		Bool("first_connection", first).
		Int("total_connections", h.registry.Len()).
		Msg("client registered")

	if client.conn != nil {
		h.pumps.Add(2)
		go func() {
			defer h.pumps.Done()
			client.writePump()
		}()
		go func() {
			defer h.pumps.Done()
			client.readPump()
		}()
	}

	h.broadcaster.ToAllExcept(client, EventUserOnline, PresencePayload{
		UserID:   client.identity.ID,
		Username: client.identity.Username,
		LastSeen: time.Now().UTC(),
	})

	go h.mirrorPresence(client.identity.ID, true)
}

// handleUnregister runs the Disconnected transition exactly once per
// connection; duplicate close signals fall through the registry's no-op.
func (h *Hub) handleUnregister(client *Client) {
	last, ok := h.registry.Deregister(client)
	if !ok {
		return
	}
	close(client.send)

	metrics.ConnectionsActive.Set(float64(h.registry.Len()))
	h.log.Info().
		Int64("user_id", client.identity.ID).
		Str("username", client.identity.Username).
		Bool("last_connection", last).
		Int("total_connections", h.registry.Len()).
		Msg("client unregistered")

	h.broadcaster.ToAllExcept(client, EventUserOffline, PresencePayload{
		UserID:   client.identity.ID,
		Username: client.identity.Username,
		LastSeen: time.Now().UTC(),
	})

	if last {
		go h.mirrorPresence(client.identity.ID, false)
	}
}

// mirrorPresence reflects reachability into the user store so history
// fetches report it between connections. Failures are logged and dropped;
// the registry stays authoritative for the process lifetime.
func (h *Hub) mirrorPresence(userID int64, online bool) {
	if h.users == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.users.SetUserPresence(ctx, userID, online); err != nil {
		h.log.Warn().Err(err).Int64("user_id", userID).Bool("online", online).
			Msg("mirroring presence failed")
	}
}

// shutdownClients closes every live transport so the pump goroutines drain.
func (h *Hub) shutdownClients() {
	clients := h.registry.AllClients()
	h.log.Info().Int("count", len(clients)).Msg("closing all client connections")
	for _, client := range clients {
		client.closeTransport()
	}
}

// drainAndStop closes every live transport, then keeps servicing lifecycle
// signals until the last pump goroutine has exited. Each read pump hands in
// its own deregistration on the way out, so the loop must stay receiving or
// those sends would block forever.
func (h *Hub) drainAndStop() {
	h.shutdownClients()

	idle := make(chan struct{})
	go func() {
		h.pumps.Wait()
		close(idle)
	}()

	for {
		select {
		case client := <-h.unregister:
			h.handleUnregister(client)
		case client := <-h.register:
			// Too late to join; drop the transport so the peer reconnects
			// against the next instance.
			if client != nil {
				client.closeTransport()
			}
		case <-idle:
			return
		}
	}
}

// Shutdown initiates graceful shutdown of the hub and waits for all pump
// goroutines to finish, or until the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info().Msg("initiating hub shutdown")

	h.cancel()

	select {
	case <-h.done:
		h.log.Info().Msg("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn().Msg("hub shutdown timeout reached; some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
