package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Postgres implements MessageStore and UserStore over a PostgreSQL database.
type Postgres struct {
	db *sqlx.DB
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgres wraps an existing connection. Used by tests.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// CreateMessage inserts a direct message and returns the persisted row
// enriched with the sender's display metadata.
func (p *Postgres) CreateMessage(ctx context.Context, senderID, recipientID int64, content string) (*Message, error) {
	msg := Message{
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		ChatType:    "private",
	}

	err := p.db.QueryRowxContext(ctx,
		`INSERT INTO messages (sender_id, recipient_id, content, chat_type)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		senderID, recipientID, content, msg.ChatType,
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: inserting message: %v", ErrStorage, err)
	}

	err = p.db.QueryRowxContext(ctx,
		`SELECT username, avatar FROM users WHERE id = $1`,
		senderID,
	).Scan(&msg.SenderUsername, &msg.SenderAvatar)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: loading sender metadata: %v", ErrStorage, err)
	}

	return &msg, nil
}

// MarkMessagesRead flips the read flag on the given messages. Only unread
// rows addressed to the reader are touched, so replays are harmless.
func (p *Postgres) MarkMessagesRead(ctx context.Context, messageIDs []int64, readerID int64) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}

	query, args, err := sqlx.In(
		`UPDATE messages SET is_read = TRUE
		 WHERE id IN (?) AND recipient_id = ? AND is_read = FALSE`,
		messageIDs, readerID,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: building read update: %v", ErrStorage, err)
	}

	res, err := p.db.ExecContext(ctx, p.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("%w: marking messages read: %v", ErrStorage, err)
	}

	updated, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: reading update count: %v", ErrStorage, err)
	}
	return updated, nil
}

// FetchConversation returns every direct message between the two users,
// oldest first, with sender display metadata joined in.
func (p *Postgres) FetchConversation(ctx context.Context, userA, userB int64) ([]Message, error) {
	var messages []Message
	err := p.db.SelectContext(ctx, &messages,
		`SELECT m.id, m.sender_id, m.recipient_id, m.content, m.chat_type,
		        m.is_read, m.created_at, u.username, u.avatar
		 FROM messages m
		 JOIN users u ON m.sender_id = u.id
		 WHERE m.chat_type = 'private'
		   AND ((m.sender_id = $1 AND m.recipient_id = $2)
		     OR (m.sender_id = $2 AND m.recipient_id = $1))
		 ORDER BY m.created_at ASC`,
		userA, userB,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching conversation: %v", ErrStorage, err)
	}
	return messages, nil
}

// GetUserByID loads a single user row.
func (p *Postgres) GetUserByID(ctx context.Context, id int64) (*User, error) {
	var user User
	err := p.db.GetContext(ctx, &user,
		`SELECT id, username, role, avatar, is_online, last_seen
		 FROM users WHERE id = $1`,
		id,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading user: %v", ErrStorage, err)
	}
	return &user, nil
}

// SetUserPresence mirrors the live registry state into the users table so
// the REST layer can report reachability between fetches. Best-effort from
// the caller's point of view.
func (p *Postgres) SetUserPresence(ctx context.Context, id int64, online bool) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE users SET is_online = $1, last_seen = CURRENT_TIMESTAMP WHERE id = $2`,
		online, id,
	)
	if err != nil {
		return fmt.Errorf("%w: updating presence: %v", ErrStorage, err)
	}
	return nil
}

// ListOnlineUsers returns every user currently flagged online, excluding the
// caller.
func (p *Postgres) ListOnlineUsers(ctx context.Context, excludeID int64) ([]User, error) {
	var users []User
	err := p.db.SelectContext(ctx, &users,
		`SELECT id, username, role, avatar, is_online, last_seen
		 FROM users WHERE is_online = TRUE AND id != $1
		 ORDER BY username`,
		excludeID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: listing online users: %v", ErrStorage, err)
	}
	return users, nil
}
