// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, and the thin REST slice backing the desktop client.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lumenchat/lumen-server/internal/auth"
	"github.com/lumenchat/lumen-server/internal/config"
	"github.com/lumenchat/lumen-server/internal/metrics"
	"github.com/lumenchat/lumen-server/internal/store"
)

type contextKey string

const identityContextKey contextKey = "identity"

// Handler bundles the dependencies of every HTTP endpoint.
type Handler struct {
	hub      *Hub
	relay    *Relay
	verifier *auth.Verifier
	messages store.MessageStore
	cfg      *config.Config
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewHandler creates the HTTP handler set. The upgrader's origin check is
// built from the configured allow-list.
func NewHandler(hub *Hub, relay *Relay, verifier *auth.Verifier, messages store.MessageStore, cfg *config.Config, logger zerolog.Logger) *Handler {
	oc := newOriginChecker(cfg.AllowedOrigins, logger)
	return &Handler{
		hub:      hub,
		relay:    relay,
		verifier: verifier,
		messages: messages,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     oc.check,
		},
		log: logger,
	}
}

// WebSocket handles upgrade requests. The token is verified before the
// upgrade, so an unauthorized attempt is rejected with 401 and leaves no
// trace in the presence registry.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	identity, err := h.verifier.ResolveToken(r.Context(), bearerToken(r))
	if err != nil {
		metrics.ConnectionsRejected.Inc()
		if errors.Is(err, auth.ErrUnauthorized) {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		h.log.Error().Err(err).Msg("token verification failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(conn, h.hub, h.relay, *identity, r.RemoteAddr, h.cfg)

	// Register with the hub; the hub launches the pump goroutines.
	h.hub.register <- client
}

// Health reports server liveness.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("LumenChat server is running"))
}

// OnlineUsers lists the registry snapshot. Diagnostics and sidebar listing.
func (h *Handler) OnlineUsers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.hub.registry.Snapshot())
}

// conversationMessage mirrors the history shape the desktop client renders,
// matching the live new_private_message payload field for field.
type conversationMessage struct {
	ID        int64      `json:"_id"`
	Content   string     `json:"content"`
	ChatType  string     `json:"chatType"`
	IsRead    bool       `json:"isRead"`
	CreatedAt time.Time  `json:"createdAt"`
	Sender    SenderInfo `json:"sender"`
}

// Conversation returns the full direct-message history between the
// authenticated user and the user named in the path, oldest first.
func (h *Handler) Conversation(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	otherID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}

	messages, err := h.messages.FetchConversation(r.Context(), identity.ID, otherID)
	if err != nil {
		h.log.Error().Err(err).Msg("fetching conversation failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := make([]conversationMessage, 0, len(messages))
	for _, msg := range messages {
		out = append(out, conversationMessage{
			ID:        msg.ID,
			Content:   msg.Content,
			ChatType:  msg.ChatType,
			IsRead:    msg.IsRead,
			CreatedAt: msg.CreatedAt,
			Sender: SenderInfo{
				ID:       msg.SenderID,
				Username: msg.SenderUsername,
				Avatar:   msg.SenderAvatar.String,
			},
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// RequireAuth verifies the bearer token and stores the resolved identity in
// the request context.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := h.verifier.ResolveToken(r.Context(), bearerToken(r))
		if err != nil {
			if errors.Is(err, auth.ErrUnauthorized) {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			h.log.Error().Err(err).Msg("token verification failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityContextKey, identity)))
	})
}

func identityFrom(ctx context.Context) (*auth.Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*auth.Identity)
	return identity, ok
}

// bearerToken extracts the token from the Authorization header or, for
// WebSocket clients that cannot set headers, the token query parameter.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
