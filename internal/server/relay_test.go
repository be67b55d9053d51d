package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRelay(hub *Hub, messages *fakeMessageStore) *Relay {
	return NewRelay(messages, hub.Broadcaster(), 2000, zerolog.Nop())
}

func TestSendDirectMessagePersistsDeliversAndAcks(t *testing.T) {
	hub := newTestHub()
	messages := newFakeMessageStore()
	relay := newTestRelay(hub, messages)

	alice := newTestClient(hub, 1, "alice")
	bob := newTestClient(hub, 2, "bob")
	hub.Registry().Register(alice)
	hub.Registry().Register(bob)

	err := relay.SendDirectMessage(context.Background(), alice, 2, "hi")
	require.NoError(t, err)

	stored := messages.stored()
	require.Len(t, stored, 1)
	assert.Equal(t, int64(1), stored[0].SenderID)
	assert.Equal(t, int64(2), stored[0].RecipientID)
	assert.Equal(t, "hi", stored[0].Content)
	assert.False(t, stored[0].IsRead)

	env := waitEvent(t, bob, time.Second)
	assert.Equal(t, EventNewPrivateMessage, env.Event)
	var delivered MessagePayload
	decodeData(t, env, &delivered)
	assert.Equal(t, "hi", delivered.Content)
	assert.False(t, delivered.IsRead)
	assert.Equal(t, "private", delivered.ChatType)
	assert.Equal(t, int64(1), delivered.Sender.ID)
	assert.Equal(t, "alice", delivered.Sender.Username)

	ack := waitEvent(t, alice, time.Second)
	assert.Equal(t, EventMessageSent, ack.Event)
	var acked MessagePayload
	decodeData(t, ack, &acked)
	assert.Equal(t, delivered.ID, acked.ID)
	assert.Equal(t, delivered.CreatedAt.UnixNano(), acked.CreatedAt.UnixNano())
}

func TestSendDirectMessageOfflineRecipientSkipsDelivery(t *testing.T) {
	hub := newTestHub()
	messages := newFakeMessageStore()
	relay := newTestRelay(hub, messages)

	alice := newTestClient(hub, 1, "alice")
	hub.Registry().Register(alice)

	err := relay.SendDirectMessage(context.Background(), alice, 2, "are you there?")
	require.NoError(t, err)

	// The record is durable and retrievable even though nothing was
	// delivered live.
	require.Len(t, messages.stored(), 1)
	conv, err := messages.FetchConversation(context.Background(), 1, 2)
	require.NoError(t, err)
	require.Len(t, conv, 1)
	assert.Equal(t, "are you there?", conv[0].Content)

	// Sender still gets the ack with the server-assigned identity.
	ack := waitEvent(t, alice, time.Second)
	assert.Equal(t, EventMessageSent, ack.Event)
}

func TestSendDirectMessageEmptyContentRejected(t *testing.T) {
	hub := newTestHub()
	messages := newFakeMessageStore()
	relay := newTestRelay(hub, messages)

	alice := newTestClient(hub, 1, "alice")
	bob := newTestClient(hub, 2, "bob")
	hub.Registry().Register(alice)
	hub.Registry().Register(bob)

	err := relay.SendDirectMessage(context.Background(), alice, 2, "   ")
	require.ErrorIs(t, err, ErrInvalidMessage)

	assert.Empty(t, messages.stored(), "nothing may be persisted for invalid content")

	env := waitEvent(t, alice, time.Second)
	assert.Equal(t, EventMessageError, env.Event)
	var payload ErrorPayload
	decodeData(t, env, &payload)
	assert.NotEmpty(t, payload.Message)

	assertNoEvent(t, bob, 50*time.Millisecond)
}

func TestSendDirectMessageOversizedContentRejected(t *testing.T) {
	hub := newTestHub()
	messages := newFakeMessageStore()
	relay := NewRelay(messages, hub.Broadcaster(), 10, zerolog.Nop())

	alice := newTestClient(hub, 1, "alice")
	hub.Registry().Register(alice)

	err := relay.SendDirectMessage(context.Background(), alice, 2, "this is far too long")
	require.ErrorIs(t, err, ErrInvalidMessage)
	assert.Empty(t, messages.stored())

	env := waitEvent(t, alice, time.Second)
	assert.Equal(t, EventMessageError, env.Event)
}

func TestSendDirectMessageStorageFailureNotDelivered(t *testing.T) {
	hub := newTestHub()
	messages := newFakeMessageStore()
	messages.createErr = errors.New("connection refused")
	relay := newTestRelay(hub, messages)

	alice := newTestClient(hub, 1, "alice")
	bob := newTestClient(hub, 2, "bob")
	hub.Registry().Register(alice)
	hub.Registry().Register(bob)

	err := relay.SendDirectMessage(context.Background(), alice, 2, "hi")
	require.Error(t, err)

	env := waitEvent(t, alice, time.Second)
	assert.Equal(t, EventMessageError, env.Event)

	// Persist-before-deliver: a failed persist means zero deliveries.
	assertNoEvent(t, bob, 50*time.Millisecond)
	assert.Empty(t, messages.stored())
}

func TestMarkReadIsIdempotent(t *testing.T) {
	hub := newTestHub()
	messages := newFakeMessageStore()
	relay := newTestRelay(hub, messages)

	alice := newTestClient(hub, 1, "alice")
	bob := newTestClient(hub, 2, "bob")
	hub.Registry().Register(alice)
	hub.Registry().Register(bob)

	require.NoError(t, relay.SendDirectMessage(context.Background(), alice, 2, "hello"))
	waitEvent(t, alice, time.Second) // drain ack
	env := waitEvent(t, bob, time.Second)
	var delivered MessagePayload
	decodeData(t, env, &delivered)

	// Bob marks the message read twice; the second call changes nothing
	// and must not fail.
	require.NoError(t, relay.MarkRead(context.Background(), bob, []int64{delivered.ID}, 1))
	require.NoError(t, relay.MarkRead(context.Background(), bob, []int64{delivered.ID}, 1))

	stored := messages.stored()
	require.Len(t, stored, 1)
	assert.True(t, stored[0].IsRead)

	// Alice receives a read receipt for each acknowledgment.
	receipt := waitEvent(t, alice, time.Second)
	assert.Equal(t, EventMessagesRead, receipt.Event)
	var payload ReadReceiptPayload
	decodeData(t, receipt, &payload)
	assert.Equal(t, int64(2), payload.UserID)
	assert.Equal(t, []int64{delivered.ID}, payload.MessageIDs)
}

func TestMarkReadOfflineCounterpartDropsReceipt(t *testing.T) {
	hub := newTestHub()
	messages := newFakeMessageStore()
	relay := newTestRelay(hub, messages)

	bob := newTestClient(hub, 2, "bob")
	hub.Registry().Register(bob)

	require.NoError(t, relay.MarkRead(context.Background(), bob, []int64{42}, 1))
	assertNoEvent(t, bob, 50*time.Millisecond)
}

func TestMarkReadEmptyBatchIsNoOp(t *testing.T) {
	hub := newTestHub()
	relay := newTestRelay(hub, newFakeMessageStore())

	bob := newTestClient(hub, 2, "bob")
	hub.Registry().Register(bob)

	require.NoError(t, relay.MarkRead(context.Background(), bob, nil, 1))
}
