// Package messenger is the API surface the UI layer consumes. Every
// user action is an optimistic local write plus a queued outbound
// operation; nothing here ever blocks on the network.
package messenger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pigeonmsg/pigeon/internal/bus"
	"github.com/pigeonmsg/pigeon/internal/inbound"
	"github.com/pigeonmsg/pigeon/internal/outbox"
	"github.com/pigeonmsg/pigeon/internal/store"
	"go.uber.org/zap"
)

// ErrOffline is returned by ForceSync when no connectivity exists, so
// no work could possibly complete.
var ErrOffline = errors.New("messenger: offline")

// Typing indicators are ephemeral: they jump the queue and get a
// single delivery attempt, because a stale indicator is worse than a
// missing one.
const (
	priorityEphemeral = 10
	typingMaxRetries  = 1
)

// Ciphertext is the opaque output of the external encrypt capability.
// This subsystem never sees plaintext.
type Ciphertext struct {
	Content string
	IV      string
}

// Online reports current connectivity. Satisfied by netmon.Monitor.
type Online interface {
	IsOnline() bool
}

// Messenger composes the local store, sync engine and inbound pipeline
// behind the calls the UI makes.
type Messenger struct {
	db       *store.DB
	engine   *outbox.Engine
	pipeline *inbound.Pipeline
	net      Online
	bus      *bus.Bus
	logger   *zap.Logger
	identity string
}

// New creates the messenger facade for the given identity.
func New(db *store.DB, engine *outbox.Engine, pipeline *inbound.Pipeline, net Online, b *bus.Bus, logger *zap.Logger, identity string) *Messenger {
	return &Messenger{
		db:       db,
		engine:   engine,
		pipeline: pipeline,
		net:      net,
		bus:      b,
		logger:   logger,
		identity: identity,
	}
}

// SendMessage persists a pending message, queues its upload and kicks
// the sync engine when online. It returns the pending local copy
// immediately; status flips to sent once the relay accepts the upload.
func (m *Messenger) SendMessage(_ context.Context, chatID, receiverID string, ct Ciphertext, typ store.MessageType, replyTo string) (*store.Message, error) {
	if typ == "" {
		typ = store.TypeText
	}
	msg := &store.Message{
		MsgID:      uuid.New().String(),
		ChatID:     chatID,
		SenderID:   m.identity,
		ReceiverID: receiverID,
		Content:    ct.Content,
		IV:         ct.IV,
		Type:       typ,
		ReplyTo:    replyTo,
		Status:     store.StatusPending,
		CreatedAt:  time.Now().UnixMilli(),
	}
	if err := m.db.UpsertMessage(msg); err != nil {
		return nil, err
	}
	if err := m.enqueue(store.OpMessage, 0, 0, outbox.SendArgs{MsgID: msg.MsgID}); err != nil {
		return nil, err
	}

	m.bus.Publish(bus.Event{
		Kind:      bus.KindMessageQueued,
		Timestamp: time.Now(),
		Payload:   map[string]string{"msg_id": msg.MsgID, "chat_id": chatID},
	})
	return msg, nil
}

// SendReadReceipt marks a received message read locally and queues the
// receipt for the original sender.
func (m *Messenger) SendReadReceipt(_ context.Context, msgID, senderID string) error {
	if _, err := m.db.AdvanceStatus(msgID, store.StatusRead); err != nil {
		return err
	}
	return m.enqueue(store.OpReadReceipt, 0, 0, outbox.ReceiptArgs{
		MessageID:  msgID,
		ReceiverID: m.identity,
		SenderID:   senderID,
		Status:     string(store.StatusRead),
	})
}

// SendReaction queues a reaction to a delivered message.
func (m *Messenger) SendReaction(_ context.Context, msgID, emoji string) error {
	return m.enqueue(store.OpReaction, 0, 0, outbox.ReactionArgs{
		MessageID: msgID,
		SenderID:  m.identity,
		Emoji:     emoji,
	})
}

// DeleteMessage queues a delete-for-everyone tombstone.
func (m *Messenger) DeleteMessage(_ context.Context, msgID string) error {
	return m.enqueue(store.OpDelete, 0, 0, outbox.DeleteArgs{
		MessageID: msgID,
		SenderID:  m.identity,
	})
}

// SendTyping queues an ephemeral typing indicator. Offline it is
// silently skipped: a typing state delivered after reconnect is stale.
func (m *Messenger) SendTyping(_ context.Context, chatID string, typing bool) error {
	if !m.net.IsOnline() {
		return nil
	}
	return m.enqueue(store.OpTyping, priorityEphemeral, typingMaxRetries, outbox.TypingArgs{
		ChatID:   chatID,
		SenderID: m.identity,
		Typing:   typing,
	})
}

// ForceSync drains the outbound queue and fetches pending inbox rows
// once. It fails fast when offline since no work could complete.
func (m *Messenger) ForceSync(ctx context.Context) error {
	if !m.net.IsOnline() {
		return ErrOffline
	}
	m.engine.Drain(ctx)
	return m.pipeline.FetchPending(ctx)
}

// IsOnline reports current connectivity.
func (m *Messenger) IsOnline() bool {
	return m.net.IsOnline()
}

// Message returns the local copy of a message, or nil if absent.
func (m *Messenger) Message(msgID string) (*store.Message, error) {
	return m.db.GetMessage(msgID)
}

// Messages lists a chat's messages, newest first, keyset-paginated by
// created_at.
func (m *Messenger) Messages(chatID string, beforeTs int64, limit int) ([]store.Message, error) {
	return m.db.ListMessages(chatID, beforeTs, limit)
}

// Chats lists conversation summaries, most recently active first.
func (m *Messenger) Chats(limit, offset int) ([]store.ChatSummary, error) {
	return m.db.ListChats(m.identity, limit, offset)
}

func (m *Messenger) enqueue(kind store.OpKind, priority, maxRetries int, args any) error {
	op, err := outbox.EncodeOp(kind, uuid.New().String(), priority, args)
	if err != nil {
		return err
	}
	op.MaxRetries = maxRetries
	if err := m.db.Enqueue(op); err != nil {
		return err
	}
	if m.net.IsOnline() {
		m.engine.Kick()
	}
	return nil
}
