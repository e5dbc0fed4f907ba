package bus

import "time"

// Event represents a domain event published on the bus. Kind is a
// dot-separated name; subscribers filter by prefix namespace.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the delivery engine.
const (
	// message.* — local message lifecycle, consumed by the UI layer.
	KindMessageQueued    = "message.queued"     // optimistic local write accepted
	KindMessageSent      = "message.sent"       // relay accepted the upload
	KindMessageDelivered = "message.delivered"  // inbound pipeline persisted a row
	KindMessageStatus    = "message.status"     // a receipt advanced a sent message
	KindMessageFailed    = "message.failed"     // retries exhausted, message lost

	// outbox.* — sync queue observability.
	KindOutboxDropped = "outbox.dropped" // op removed after exhausting retries

	// net.* — connectivity edges from the monitor.
	KindNetOnline  = "net.online"
	KindNetOffline = "net.offline"
)

// StatusChange is the payload for message.status events.
type StatusChange struct {
	MsgID  string
	Status string
}

// Drop is the payload for outbox.dropped events: a permanently lost
// operation, surfaced rather than silently discarded.
type Drop struct {
	OpID      string
	Kind      string
	LastError string
	Retries   int
}
