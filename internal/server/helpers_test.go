package server

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lumenchat/lumen-server/internal/auth"
	"github.com/lumenchat/lumen-server/internal/store"
)

// newTestHub builds a hub with no user store and a silent logger.
func newTestHub() *Hub {
	return NewHub(nil, zerolog.Nop())
}

// newTestClient builds a connection-less client for registry and relay
// tests. Without a transport the pumps never start, so tests read delivered
// events straight from the send channel.
func newTestClient(h *Hub, id int64, username string) *Client {
	return &Client{
		send:        make(chan []byte, 16),
		hub:         h,
		handle:      uuid.NewString(),
		identity:    auth.Identity{ID: id, Username: username, Role: "user"},
		connectedAt: time.Now(),
		addr:        "test",
		log:         zerolog.Nop(),
	}
}

// waitEvent reads the next event delivered to the client, failing the test
// if nothing arrives in time.
func waitEvent(t *testing.T, c *Client, timeout time.Duration) Envelope {
	t.Helper()
	select {
	case raw, ok := <-c.send:
		if !ok {
			t.Fatal("send channel closed while waiting for event")
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("decoding envelope: %v", err)
		}
		return env
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
		return Envelope{}
	}
}

// assertNoEvent fails the test if the client receives anything within the
// window.
func assertNoEvent(t *testing.T, c *Client, window time.Duration) {
	t.Helper()
	select {
	case raw, ok := <-c.send:
		if ok {
			t.Fatalf("unexpected event delivered: %s", raw)
		}
	case <-time.After(window):
	}
}

// decodeData unmarshals an envelope's payload into out.
func decodeData(t *testing.T, env Envelope, out any) {
	t.Helper()
	if err := json.Unmarshal(env.Data, out); err != nil {
		t.Fatalf("decoding %s payload: %v", env.Event, err)
	}
}

// splitFrames splits a websocket text frame into the newline-separated
// envelopes the write pump may coalesce into it.
func splitFrames(frame []byte) [][]byte {
	return bytes.Split(frame, []byte{'\n'})
}

// fakeMessageStore is an in-memory MessageStore for relay tests.
type fakeMessageStore struct {
	mu        sync.Mutex
	nextID    int64
	messages  []store.Message
	createErr error
	markErr   error
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{}
}

func (f *fakeMessageStore) CreateMessage(ctx context.Context, senderID, recipientID int64, content string) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	msg := store.Message{
		ID:          f.nextID,
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		ChatType:    "private",
		CreatedAt:   time.Now().UTC(),
	}
	f.messages = append(f.messages, msg)
	return &msg, nil
}

func (f *fakeMessageStore) MarkMessagesRead(_ context.Context, messageIDs []int64, readerID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.markErr != nil {
		return 0, f.markErr
	}
	var updated int64
	for i := range f.messages {
		for _, id := range messageIDs {
			if f.messages[i].ID == id && f.messages[i].RecipientID == readerID && !f.messages[i].IsRead {
				f.messages[i].IsRead = true
				updated++
			}
		}
	}
	return updated, nil
}

func (f *fakeMessageStore) FetchConversation(_ context.Context, userA, userB int64) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []store.Message
	for _, msg := range f.messages {
		if (msg.SenderID == userA && msg.RecipientID == userB) ||
			(msg.SenderID == userB && msg.RecipientID == userA) {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (f *fakeMessageStore) stored() []store.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Message(nil), f.messages...)
}

// fakeUserStore resolves users from a fixed map.
type fakeUserStore struct {
	mu       sync.Mutex
	users    map[int64]store.User
	presence map[int64]bool
}

func newFakeUserStore(users ...store.User) *fakeUserStore {
	f := &fakeUserStore{
		users:    make(map[int64]store.User),
		presence: make(map[int64]bool),
	}
	for _, u := range users {
		f.users[u.ID] = u
	}
	return f
}

func (f *fakeUserStore) GetUserByID(_ context.Context, id int64) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (f *fakeUserStore) SetUserPresence(_ context.Context, id int64, online bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence[id] = online
	return nil
}

func (f *fakeUserStore) ListOnlineUsers(_ context.Context, excludeID int64) ([]store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.User
	for id, online := range f.presence {
		if online && id != excludeID {
			out = append(out, f.users[id])
		}
	}
	return out, nil
}
