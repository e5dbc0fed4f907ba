package outbox

import (
	"encoding/json"
	"fmt"

	"github.com/pigeonmsg/pigeon/internal/store"
)

// Typed payloads for each outbound operation kind. The queue stores
// them as JSON; DecodeArgs rehydrates by kind so the dispatcher can
// switch exhaustively instead of parsing loose strings.

// SendArgs carries a message op. Only the id is queued; the message
// itself is read from the store at dispatch time so the upload always
// reflects local truth.
type SendArgs struct {
	MsgID string `json:"msg_id"`
}

// ReceiptArgs carries read_receipt and status_update ops.
type ReceiptArgs struct {
	MessageID  string `json:"message_id"`
	ReceiverID string `json:"receiver_id"`
	SenderID   string `json:"sender_id"`
	Status     string `json:"status"`
}

// ReactionArgs carries a reaction op.
type ReactionArgs struct {
	MessageID string `json:"message_id"`
	SenderID  string `json:"sender_id"`
	Emoji     string `json:"emoji"`
}

// DeleteArgs carries a delete op.
type DeleteArgs struct {
	MessageID string `json:"message_id"`
	SenderID  string `json:"sender_id"`
}

// TypingArgs carries a typing op.
type TypingArgs struct {
	ChatID   string `json:"chat_id"`
	SenderID string `json:"sender_id"`
	Typing   bool   `json:"typing"`
}

// EncodeOp builds a queue entry for the given kind and args.
func EncodeOp(kind store.OpKind, opID string, priority int, args any) (*store.OutboxOp, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode %s op: %w", kind, err)
	}
	return &store.OutboxOp{
		OpID:     opID,
		Kind:     kind,
		Payload:  string(payload),
		Priority: priority,
	}, nil
}

func decodeArgs(op *store.OutboxOp, into any) error {
	if err := json.Unmarshal([]byte(op.Payload), into); err != nil {
		return fmt.Errorf("decode %s payload: %w", op.Kind, err)
	}
	return nil
}
