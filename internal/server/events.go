// Package server defines the wire-level event envelope and payload shapes
// exchanged with connected clients. Field names are the de-facto protocol
// between this core and the desktop client and must not change.
package server

import (
	"encoding/json"
	"time"

	"github.com/lumenchat/lumen-server/internal/store"
)

// Inbound event names.
const (
	EventPrivateMessage = "private_message"
	EventTypingStart    = "typing_start"
	EventTypingStop     = "typing_stop"
	EventMarkRead       = "mark_read"
)

// Outbound event names.
const (
	EventNewPrivateMessage = "new_private_message"
	EventMessageSent       = "message_sent"
	EventMessageError      = "message_error"
	EventUserOnline        = "user_online"
	EventUserOffline       = "user_offline"
	EventUserTyping        = "user_typing"
	EventUserStoppedTyping = "user_stopped_typing"
	EventMessagesRead      = "messages_read"
)

// Envelope frames every event on the wire in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// PrivateMessageRequest is the inbound payload for private_message.
type PrivateMessageRequest struct {
	RecipientID int64  `json:"recipientId"`
	Content     string `json:"content"`
}

// TypingRequest is the inbound payload for typing_start and typing_stop.
type TypingRequest struct {
	RecipientID int64 `json:"recipientId"`
}

// MarkReadRequest is the inbound payload for mark_read. SenderID is the
// conversation counterpart who should receive the read receipt.
type MarkReadRequest struct {
	MessageIDs []int64 `json:"messageIds"`
	SenderID   int64   `json:"senderId"`
}

// SenderInfo is the sender sub-object carried by message payloads.
type SenderInfo struct {
	ID       int64  `json:"_id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

// MessagePayload is the outbound shape for new_private_message and
// message_sent.
type MessagePayload struct {
	ID          int64      `json:"_id"`
	Content     string     `json:"content"`
	ChatType    string     `json:"chatType"`
	RecipientID int64      `json:"recipientId"`
	IsRead      bool       `json:"isRead"`
	CreatedAt   time.Time  `json:"createdAt"`
	Sender      SenderInfo `json:"sender"`
}

// PresencePayload is the outbound shape for user_online and user_offline.
type PresencePayload struct {
	UserID   int64     `json:"userId"`
	Username string    `json:"username"`
	LastSeen time.Time `json:"lastSeen"`
}

// TypingPayload is the outbound shape for user_typing and
// user_stopped_typing.
type TypingPayload struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
}

// ReadReceiptPayload is the outbound shape for messages_read.
type ReadReceiptPayload struct {
	UserID     int64   `json:"userId"`
	Username   string  `json:"username"`
	MessageIDs []int64 `json:"messageIds"`
}

// ErrorPayload is the outbound shape for message_error. Delivered only to
// the connection whose operation failed.
type ErrorPayload struct {
	Message string `json:"message"`
}

// encodeEvent wraps a payload in the wire envelope.
func encodeEvent(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// messagePayload builds the wire representation of a persisted message. The
// store's joined sender metadata wins; the cached connection identity fills
// any gap so the payload shape stays complete.
func messagePayload(msg *store.Message, senderUsername, senderAvatar string) MessagePayload {
	username := msg.SenderUsername
	if username == "" {
		username = senderUsername
	}
	avatar := msg.SenderAvatar.String
	if avatar == "" {
		avatar = senderAvatar
	}
	return MessagePayload{
		ID:          msg.ID,
		Content:     msg.Content,
		ChatType:    msg.ChatType,
		RecipientID: msg.RecipientID,
		IsRead:      msg.IsRead,
		CreatedAt:   msg.CreatedAt,
		Sender: SenderInfo{
			ID:       msg.SenderID,
			Username: username,
			Avatar:   avatar,
		},
	}
}
