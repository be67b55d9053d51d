// Package store implements the durable message and user gateway backed by a
// relational database. The real-time core persists every message here before
// any live delivery is attempted.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStorage indicates a persistence failure the caller cannot recover
	// from within the current operation.
	ErrStorage = errors.New("storage error")
)

// Message is a persisted communication unit. Immutable once written except
// for the read flag.
type Message struct {
	ID             int64          `db:"id"`
	SenderID       int64          `db:"sender_id"`
	RecipientID    int64          `db:"recipient_id"`
	Content        string         `db:"content"`
	ChatType       string         `db:"chat_type"`
	IsRead         bool           `db:"is_read"`
	CreatedAt      time.Time      `db:"created_at"`
	SenderUsername string         `db:"username"`
	SenderAvatar   sql.NullString `db:"avatar"`
}

// User is the slice of the user row the real-time core needs.
type User struct {
	ID       int64          `db:"id"`
	Username string         `db:"username"`
	Role     string         `db:"role"`
	Avatar   sql.NullString `db:"avatar"`
	IsOnline bool           `db:"is_online"`
	LastSeen sql.NullTime   `db:"last_seen"`
}

// MessageStore is the gateway contract the relay depends on.
type MessageStore interface {
	CreateMessage(ctx context.Context, senderID, recipientID int64, content string) (*Message, error)
	MarkMessagesRead(ctx context.Context, messageIDs []int64, readerID int64) (int64, error)
	FetchConversation(ctx context.Context, userA, userB int64) ([]Message, error)
}

// UserStore is the identity-side contract used by the credential verifier
// and the presence mirror.
type UserStore interface {
	GetUserByID(ctx context.Context, id int64) (*User, error)
	SetUserPresence(ctx context.Context, id int64, online bool) error
	ListOnlineUsers(ctx context.Context, excludeID int64) ([]User, error)
}
