package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchPersistsDuringHubShutdown(t *testing.T) {
	hub := newTestHub()
	messages := newFakeMessageStore()
	relay := newTestRelay(hub, messages)

	alice := newTestClient(hub, 1, "alice")
	alice.relay = relay
	hub.Registry().Register(alice)

	// Shutdown is under way; a frame the read pump already picked up must
	// still make it to the store.
	hub.cancel()

	alice.dispatch([]byte(`{"event":"private_message","data":{"recipientId":2,"content":"bye"}}`))

	stored := messages.stored()
	require.Len(t, stored, 1)
	assert.Equal(t, "bye", stored[0].Content)
}
