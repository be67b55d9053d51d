// Package server orchestrates persist-then-fanout for direct messages. A
// message is never delivered live without a durable record, because the
// store is the only source of history for offline recipients.
package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lumenchat/lumen-server/internal/metrics"
	"github.com/lumenchat/lumen-server/internal/store"
)

// ErrInvalidMessage rejects empty or oversized content before any
// persistence is attempted.
var ErrInvalidMessage = errors.New("invalid message")

// Relay validates, persists, and fans out direct messages, and forwards
// read receipts. Failures are reported only to the sender's own connection,
// never broadcast.
type Relay struct {
	messages    store.MessageStore
	broadcaster *Broadcaster
	maxContent  int
	log         zerolog.Logger
}

// NewRelay creates a Relay over the given message store and broadcaster.
func NewRelay(messages store.MessageStore, broadcaster *Broadcaster, maxContentLength int, logger zerolog.Logger) *Relay {
	return &Relay{
		messages:    messages,
		broadcaster: broadcaster,
		maxContent:  maxContentLength,
		log:         logger,
	}
}

// SendDirectMessage persists the message, delivers it to every live
// connection of the recipient, and acknowledges the originating connection
// with the server-assigned identity and timestamp. An offline recipient
// receives nothing live; history fetch is the fallback.
func (r *Relay) SendDirectMessage(ctx context.Context, sender *Client, recipientID int64, content string) error {
	if strings.TrimSpace(content) == "" {
		metrics.MessageErrors.WithLabelValues("invalid").Inc()
		r.reportError(sender, "Message content must not be empty")
		return ErrInvalidMessage
	}
	if r.maxContent > 0 && len(content) > r.maxContent {
		metrics.MessageErrors.WithLabelValues("invalid").Inc()
		r.reportError(sender, fmt.Sprintf("Message content exceeds %d characters", r.maxContent))
		return ErrInvalidMessage
	}

	msg, err := r.messages.CreateMessage(ctx, sender.identity.ID, recipientID, content)
	if err != nil {
		metrics.MessageErrors.WithLabelValues("storage").Inc()
		r.log.Error().Err(err).
			Int64("sender_id", sender.identity.ID).
			Int64("recipient_id", recipientID).
			Msg("persisting message failed")
		r.reportError(sender, "Failed to send message")
		return fmt.Errorf("persisting message: %w", err)
	}
	metrics.MessagesPersisted.Inc()

	payload := messagePayload(msg, sender.identity.Username, sender.identity.Avatar)

	delivered := r.broadcaster.ToUser(recipientID, EventNewPrivateMessage, payload)
	metrics.MessagesDelivered.Add(float64(delivered))

	// The ack goes to the originating connection only, so the sender's own
	// view picks up the server-assigned id and timestamp.
	r.broadcaster.ToClient(sender, EventMessageSent, payload)

	r.log.Debug().
		Int64("message_id", msg.ID).
		Int64("sender_id", sender.identity.ID).
		Int64("recipient_id", recipientID).
		Int("deliveries", delivered).
		Msg("message relayed")
	return nil
}

// MarkRead flips the read flag on the given messages and, when the
// conversation counterpart is online, emits a read receipt to them. The
// store update is idempotent; replays are not errors.
func (r *Relay) MarkRead(ctx context.Context, reader *Client, messageIDs []int64, counterpartID int64) error {
	if len(messageIDs) == 0 {
		return nil
	}

	updated, err := r.messages.MarkMessagesRead(ctx, messageIDs, reader.identity.ID)
	if err != nil {
		metrics.MessageErrors.WithLabelValues("storage").Inc()
		r.log.Error().Err(err).
			Int64("reader_id", reader.identity.ID).
			Msg("marking messages read failed")
		r.reportError(reader, "Failed to mark messages as read")
		return fmt.Errorf("marking messages read: %w", err)
	}

	r.broadcaster.ToUser(counterpartID, EventMessagesRead, ReadReceiptPayload{
		UserID:     reader.identity.ID,
		Username:   reader.identity.Username,
		MessageIDs: messageIDs,
	})

	r.log.Debug().
		Int64("reader_id", reader.identity.ID).
		Int64("counterpart_id", counterpartID).
		Int("requested", len(messageIDs)).
		Int64("updated", updated).
		Msg("messages marked read")
	return nil
}

// reportError surfaces a failure as a message_error signal on the affected
// connection only.
func (r *Relay) reportError(c *Client, message string) {
	r.broadcaster.ToClient(c, EventMessageError, ErrorPayload{Message: message})
}
