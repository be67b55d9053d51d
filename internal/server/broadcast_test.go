package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcasterToUserDeliversToEveryHandle(t *testing.T) {
	hub := newTestHub()
	registry := hub.Registry()
	b := hub.Broadcaster()

	laptop := newTestClient(hub, 1, "alice")
	phone := newTestClient(hub, 1, "alice")
	registry.Register(laptop)
	registry.Register(phone)

	delivered := b.ToUser(1, EventUserTyping, TypingPayload{UserID: 2, Username: "bob"})
	assert.Equal(t, 2, delivered)

	for _, c := range []*Client{laptop, phone} {
		env := waitEvent(t, c, time.Second)
		assert.Equal(t, EventUserTyping, env.Event)

		var payload TypingPayload
		decodeData(t, env, &payload)
		assert.Equal(t, int64(2), payload.UserID)
		assert.Equal(t, "bob", payload.Username)
	}
}

func TestBroadcasterToOfflineUserSilentlyDrops(t *testing.T) {
	hub := newTestHub()
	b := hub.Broadcaster()

	delivered := b.ToUser(99, EventUserTyping, TypingPayload{UserID: 1, Username: "alice"})
	assert.Zero(t, delivered)

	delivered = b.ToUser(99, EventUserStoppedTyping, TypingPayload{UserID: 1, Username: "alice"})
	assert.Zero(t, delivered)
}

func TestBroadcasterToAllExceptSkipsOrigin(t *testing.T) {
	hub := newTestHub()
	registry := hub.Registry()
	b := hub.Broadcaster()

	alice := newTestClient(hub, 1, "alice")
	bob := newTestClient(hub, 2, "bob")
	carol := newTestClient(hub, 3, "carol")
	registry.Register(alice)
	registry.Register(bob)
	registry.Register(carol)

	b.ToAllExcept(alice, EventUserOnline, PresencePayload{UserID: 1, Username: "alice", LastSeen: time.Now()})

	for _, c := range []*Client{bob, carol} {
		env := waitEvent(t, c, time.Second)
		assert.Equal(t, EventUserOnline, env.Event)
	}
	assertNoEvent(t, alice, 50*time.Millisecond)
}

func TestBroadcasterSkipsUnregisteredClient(t *testing.T) {
	hub := newTestHub()
	b := hub.Broadcaster()

	stray := newTestClient(hub, 5, "stray")
	require.False(t, b.ToClient(stray, EventMessageError, ErrorPayload{Message: "nope"}))
	assertNoEvent(t, stray, 50*time.Millisecond)
}
