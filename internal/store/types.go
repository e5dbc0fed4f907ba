package store

// Status is the delivery status of a message. Transitions only move
// forward (pending -> sent -> delivered -> read); failed is terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// statusRank orders statuses for monotonicity checks. Failed is not
// ranked: it is set only by the retry-exhaustion path and never left.
var statusRank = map[Status]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Rank returns the forward-progress rank of s, or -1 for failed/unknown.
func (s Status) Rank() int {
	r, ok := statusRank[s]
	if !ok {
		return -1
	}
	return r
}

// MessageType enumerates payload kinds carried through the relay.
type MessageType string

const (
	TypeText       MessageType = "text"
	TypeImage      MessageType = "image"
	TypeVideo      MessageType = "video"
	TypeAudio      MessageType = "audio"
	TypeDocument   MessageType = "document"
	TypeVoice      MessageType = "voice"
	TypeLocation   MessageType = "location"
	TypeContact    MessageType = "contact"
	TypeSystem     MessageType = "system"
	TypeStoryReply MessageType = "story_reply"
)

// Message is the local durable copy of a message. Content and IV are
// opaque ciphertext produced before the message enters this subsystem.
type Message struct {
	ID                int64
	MsgID             string
	ChatID            string
	SenderID          string
	ReceiverID        string
	Content           string
	IV                string
	Type              MessageType
	ReplyTo           string
	Status            Status
	CreatedAt         int64
	SyncedToServer    bool
	DeletedFromServer bool
}

// OpKind enumerates the queued outbound operation types.
type OpKind string

const (
	OpMessage      OpKind = "message"
	OpStatusUpdate OpKind = "status_update"
	OpReaction     OpKind = "reaction"
	OpDelete       OpKind = "delete"
	OpTyping       OpKind = "typing"
	OpReadReceipt  OpKind = "read_receipt"
)

// OutboxOp is a queued, retryable side-effect awaiting server
// confirmation. It exists only until its effect is confirmed applied
// (or its retries are exhausted, at which point it is dropped and
// surfaced, never silently lost).
type OutboxOp struct {
	ID         int64
	OpID       string
	Kind       OpKind
	Payload    string
	Priority   int
	RetryCount int
	MaxRetries int
	LastError  string
	CreatedAt  int64
}
