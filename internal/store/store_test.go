package store

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so run it again to check idempotency.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (messages + outbox)", result.Version)
	}
}

func TestUpsertMessageIdempotent(t *testing.T) {
	db := testDB(t)

	msg := &Message{
		MsgID: "m1", ChatID: "c1", SenderID: "alice", ReceiverID: "bob",
		Content: "ZW5j", IV: "aXY=", Type: TypeText, Status: StatusPending, CreatedAt: 1000,
	}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	// Re-persisting the same id (duplicate push delivery) must not
	// create a second row.
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert failed)", len(msgs))
	}
}

// TestUpsertKeepsMostAdvancedStatus verifies that a duplicate delivery
// carrying a stale status never regresses the stored row.
func TestUpsertKeepsMostAdvancedStatus(t *testing.T) {
	db := testDB(t)

	msg := &Message{MsgID: "m1", ChatID: "c1", SenderID: "a", ReceiverID: "b", Content: "x", IV: "y", Type: TypeText, Status: StatusRead, CreatedAt: 1000}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	stale := *msg
	stale.Status = StatusDelivered
	if err := db.UpsertMessage(&stale); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusRead {
		t.Errorf("status = %q, want read (must not regress)", got.Status)
	}
}

func TestAdvanceStatusMonotonic(t *testing.T) {
	db := testDB(t)

	msg := &Message{MsgID: "m1", ChatID: "c1", SenderID: "a", ReceiverID: "b", Content: "x", IV: "y", Type: TypeText, Status: StatusPending, CreatedAt: 1000}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		to          Status
		wantChanged bool
		wantStatus  Status
	}{
		{StatusSent, true, StatusSent},
		{StatusRead, true, StatusRead},
		{StatusDelivered, false, StatusRead}, // late receipt must not regress
		{StatusSent, false, StatusRead},
	}
	for _, s := range steps {
		changed, err := db.AdvanceStatus("m1", s.to)
		if err != nil {
			t.Fatal(err)
		}
		if changed != s.wantChanged {
			t.Errorf("advance to %s: changed = %v, want %v", s.to, changed, s.wantChanged)
		}
		got, err := db.GetMessage("m1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != s.wantStatus {
			t.Errorf("advance to %s: status = %q, want %q", s.to, got.Status, s.wantStatus)
		}
	}
}

func TestMarkFailedOnlyFromPending(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertMessage(&Message{MsgID: "m1", ChatID: "c1", SenderID: "a", ReceiverID: "b", Content: "x", IV: "y", Type: TypeText, Status: StatusPending, CreatedAt: 1}); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkFailed("m1"); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetMessage("m1")
	if got.Status != StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}

	// A message the relay already accepted keeps its status.
	if err := db.UpsertMessage(&Message{MsgID: "m2", ChatID: "c1", SenderID: "a", ReceiverID: "b", Content: "x", IV: "y", Type: TypeText, Status: StatusSent, CreatedAt: 2}); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkFailed("m2"); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetMessage("m2")
	if got.Status != StatusSent {
		t.Errorf("status = %q, want sent (failed only applies to pending)", got.Status)
	}
}

func TestGetMessageMissing(t *testing.T) {
	db := testDB(t)

	m, err := db.GetMessage("nope")
	if err != nil {
		t.Fatal(err)
	}
	if m != nil {
		t.Errorf("expected nil for missing message, got %+v", m)
	}
}

func TestListMessagesKeysetPagination(t *testing.T) {
	db := testDB(t)

	for i, ts := range []int64{1000, 2000, 3000} {
		msg := &Message{
			MsgID: "m" + string(rune('1'+i)), ChatID: "c1",
			SenderID: "a", ReceiverID: "b", Content: "x", IV: "y",
			Type: TypeText, Status: StatusDelivered, CreatedAt: ts,
		}
		if err := db.UpsertMessage(msg); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := db.ListMessages("c1", 3000, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages before ts=3000, want 2", len(msgs))
	}
	if msgs[0].CreatedAt != 2000 {
		t.Errorf("first message created_at = %d, want 2000 (newest first)", msgs[0].CreatedAt)
	}
}

func TestOutboxQueueOrdering(t *testing.T) {
	db := testDB(t)

	ops := []*OutboxOp{
		{OpID: "low-1", Kind: OpMessage, Payload: "{}", Priority: 0, CreatedAt: 1000},
		{OpID: "low-2", Kind: OpMessage, Payload: "{}", Priority: 0, CreatedAt: 2000},
		{OpID: "high", Kind: OpReadReceipt, Payload: "{}", Priority: 5, CreatedAt: 3000},
	}
	for _, op := range ops {
		if err := db.Enqueue(op); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := db.PendingOps(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Fatalf("got %d ops, want 3", len(pending))
	}
	// Priority first, then FIFO within equal priority.
	want := []string{"high", "low-1", "low-2"}
	for i, w := range want {
		if pending[i].OpID != w {
			t.Errorf("pending[%d] = %q, want %q", i, pending[i].OpID, w)
		}
	}
}

func TestOutboxRetryBookkeeping(t *testing.T) {
	db := testDB(t)

	if err := db.Enqueue(&OutboxOp{OpID: "op1", Kind: OpMessage, Payload: "{}"}); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordOpFailure("op1", "connection refused"); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordOpFailure("op1", "timeout"); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOps(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d ops, want 1", len(pending))
	}
	if pending[0].RetryCount != 2 {
		t.Errorf("retry_count = %d, want 2", pending[0].RetryCount)
	}
	if pending[0].LastError != "timeout" {
		t.Errorf("last_error = %q, want timeout", pending[0].LastError)
	}
	if pending[0].MaxRetries != DefaultMaxRetries {
		t.Errorf("max_retries = %d, want default %d", pending[0].MaxRetries, DefaultMaxRetries)
	}

	if err := db.Dequeue("op1"); err != nil {
		t.Fatal(err)
	}
	pending, err = db.PendingOps(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d ops after dequeue, want 0", len(pending))
	}

	// Dequeue of an already-removed op is a no-op.
	if err := db.Dequeue("op1"); err != nil {
		t.Errorf("second dequeue errored: %v", err)
	}
}

func TestListChats(t *testing.T) {
	db := testDB(t)

	msgs := []struct {
		id, chat, sender string
		status           Status
		at               int64
	}{
		{"m1", "chat-a", "alice", StatusRead, 100},
		{"m2", "chat-a", "bob", StatusDelivered, 200},
		{"m3", "chat-b", "alice", StatusSent, 150},
	}
	for _, m := range msgs {
		err := db.UpsertMessage(&Message{
			MsgID: m.id, ChatID: m.chat, SenderID: m.sender,
			ReceiverID: "x", Content: "c-" + m.id, IV: "iv",
			Type: TypeText, Status: m.status, CreatedAt: m.at,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	chats, err := db.ListChats("alice", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 2 {
		t.Fatalf("got %d chats, want 2", len(chats))
	}
	// chat-a last message at 200, chat-b at 150.
	if chats[0].ChatID != "chat-a" || chats[1].ChatID != "chat-b" {
		t.Errorf("order = %s, %s", chats[0].ChatID, chats[1].ChatID)
	}
	if chats[0].LastPreview != "c-m2" || chats[0].LastSenderID != "bob" {
		t.Errorf("last message = %q from %q", chats[0].LastPreview, chats[0].LastSenderID)
	}
	if chats[0].Unread != 1 {
		t.Errorf("chat-a unread = %d, want 1", chats[0].Unread)
	}
	if chats[1].Unread != 0 {
		t.Errorf("chat-b unread = %d, want 0", chats[1].Unread)
	}

	got, err := db.GetChat("alice", "chat-a")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.LastMessageAt != 200 {
		t.Fatalf("GetChat = %+v", got)
	}
	missing, err := db.GetChat("alice", "chat-z")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown chat, got %+v", missing)
	}
}
