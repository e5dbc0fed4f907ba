// Package relay is the client for the server-side mailbox: transient
// store-until-first-pickup storage plus an idempotent receipt table and
// a realtime push channel. The relay never keeps a message after the
// addressed recipient has collected and acknowledged it.
package relay

import (
	"context"
	"fmt"
)

// Row is a mailbox entry as carried on the wire. ExpiresAt is assigned
// server-side (creation time plus the mailbox TTL); an unclaimed row is
// purged once it passes regardless of pickup.
type Row struct {
	ID         string `json:"id"`
	ChatID     string `json:"chat_id"`
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	Content    string `json:"content"`
	IV         string `json:"iv"`
	Type       string `json:"type"`
	ReplyTo    string `json:"reply_to,omitempty"`
	CreatedAt  int64  `json:"created_at"`
	ExpiresAt  int64  `json:"expires_at,omitempty"`
}

// Receipt is an idempotent status assertion, unique per
// (message_id, receiver_id). The server upserts; duplicates and
// out-of-order arrivals are harmless.
type Receipt struct {
	MessageID  string `json:"message_id"`
	ReceiverID string `json:"receiver_id"`
	SenderID   string `json:"sender_id"`
	Status     string `json:"status"`
	CreatedAt  int64  `json:"created_at,omitempty"`
}

// EventKind identifies a realtime push event.
type EventKind string

const (
	EventMessageInserted EventKind = "message_inserted"
	EventReceiptInserted EventKind = "receipt_inserted"
)

// RealtimeEvent is one push frame: a new mailbox row addressed to this
// identity, or a new receipt for a message this identity sent.
type RealtimeEvent struct {
	Kind    EventKind `json:"kind"`
	Row     *Row      `json:"row,omitempty"`
	Receipt *Receipt  `json:"receipt,omitempty"`
}

// Client is the relay interface the sync engine and inbound pipeline
// consume. Implementations must make Upload and SendReceipt idempotent
// on message id.
type Client interface {
	// Upload inserts a message into the mailbox. Re-uploading an id the
	// mailbox already holds is success, never a duplicate row.
	Upload(ctx context.Context, row Row) error
	// FetchInbox returns all mailbox rows addressed to receiverID,
	// oldest first, so a catch-up fetch preserves chat ordering.
	FetchInbox(ctx context.Context, receiverID string) ([]Row, error)
	// SendReceipt upserts a delivery/read receipt.
	SendReceipt(ctx context.Context, r Receipt) error
	// Evict deletes a mailbox row after pickup. Evicting an absent row
	// is success.
	Evict(ctx context.Context, messageID string) error
	// React publishes a reaction to a delivered message.
	React(ctx context.Context, messageID, senderID, emoji string) error
	// Delete publishes a delete-for-everyone tombstone.
	Delete(ctx context.Context, messageID, senderID string) error
	// Typing publishes an ephemeral typing indicator.
	Typing(ctx context.Context, chatID, senderID string, typing bool) error
	// Ping checks relay reachability.
	Ping(ctx context.Context) error
	// Subscribe opens the realtime push channel for identity. The
	// returned channel closes when the connection drops or stop is
	// called; callers redial as needed.
	Subscribe(ctx context.Context, identity string) (<-chan RealtimeEvent, func(), error)
}

// AckAndEvict records a delivery receipt and then deletes the mailbox
// row. Order matters: the receipt is always issued first, so a crash
// between the two steps leaves the row in place for redelivery (which
// the local store absorbs idempotently) instead of silently losing it.
func AckAndEvict(ctx context.Context, c Client, messageID, receiverID, senderID string) error {
	receipt := Receipt{
		MessageID:  messageID,
		ReceiverID: receiverID,
		SenderID:   senderID,
		Status:     "delivered",
	}
	if err := c.SendReceipt(ctx, receipt); err != nil {
		return fmt.Errorf("send receipt: %w", err)
	}
	if err := c.Evict(ctx, messageID); err != nil {
		return fmt.Errorf("evict: %w", err)
	}
	return nil
}

// StatusError is a non-2xx relay response. Transport-level failures
// (timeouts, refused connections) are plain errors; a StatusError
// carries the server's verdict so callers can stop retrying requests
// the server will never accept.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay: status %d: %s", e.Code, e.Body)
}

// Permanent reports whether retrying the same request is pointless.
// Rate limiting and request timeouts are the retryable 4xx exceptions.
func (e *StatusError) Permanent() bool {
	if e.Code == 408 || e.Code == 429 {
		return false
	}
	return e.Code >= 400 && e.Code < 500
}
