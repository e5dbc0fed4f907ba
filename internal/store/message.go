package store

import (
	"database/sql"
	"errors"
	"time"
)

// UpsertMessage inserts or updates a message (idempotent on msg_id).
// On conflict the stored row keeps the more advanced of the old and new
// statuses, so a duplicate delivery can never regress a read message.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (msg_id, chat_id, sender_id, receiver_id, content, iv, msg_type, reply_to, status, created_at, synced_to_server, deleted_from_server, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(msg_id) DO UPDATE SET
			content = excluded.content,
			iv = excluded.iv,
			status = CASE
				WHEN messages.status = 'failed' THEN messages.status
				WHEN excluded.status = 'read' AND messages.status IN ('pending', 'sent', 'delivered') THEN 'read'
				WHEN excluded.status = 'delivered' AND messages.status IN ('pending', 'sent') THEN 'delivered'
				WHEN excluded.status = 'sent' AND messages.status = 'pending' THEN 'sent'
				ELSE messages.status
			END`,
		m.MsgID, m.ChatID, m.SenderID, m.ReceiverID, m.Content, m.IV, m.Type, m.ReplyTo, m.Status, m.CreatedAt, m.SyncedToServer, m.DeletedFromServer, now)
	return err
}

// GetMessage returns the message with the given msg_id, or nil if absent.
func (db *DB) GetMessage(msgID string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, msg_id, chat_id, sender_id, receiver_id, content, iv, msg_type, reply_to, status, created_at, synced_to_server, deleted_from_server
		FROM messages WHERE msg_id = ?`, msgID).
		Scan(&m.ID, &m.MsgID, &m.ChatID, &m.SenderID, &m.ReceiverID, &m.Content, &m.IV, &m.Type, &m.ReplyTo, &m.Status, &m.CreatedAt, &m.SyncedToServer, &m.DeletedFromServer)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// AdvanceStatus moves a message's status forward. A target status at or
// below the current rank is a no-op, as is any update to a failed
// message. Returns whether the row changed.
func (db *DB) AdvanceStatus(msgID string, to Status) (bool, error) {
	rank := to.Rank()
	if rank <= 0 {
		// failed, unknown, or pending: nothing ranks below it.
		return false, nil
	}
	// Only rows whose current status ranks strictly below `to` match.
	var lower []any
	query := `UPDATE messages SET status = ? WHERE msg_id = ? AND status IN (`
	lower = append(lower, to, msgID)
	first := true
	for s, r := range statusRank {
		if r < rank {
			if !first {
				query += ", "
			}
			query += "?"
			lower = append(lower, s)
			first = false
		}
	}
	query += ")"
	res, err := db.Exec(query, lower...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkFailed flips a message to failed. Only a message still awaiting
// upload can fail; anything already sent keeps its status.
func (db *DB) MarkFailed(msgID string) error {
	_, err := db.Exec(`UPDATE messages SET status = 'failed' WHERE msg_id = ? AND status = 'pending'`, msgID)
	return err
}

// MarkSynced records that the relay holds (or held) a copy of the message.
func (db *DB) MarkSynced(msgID string) error {
	_, err := db.Exec(`UPDATE messages SET synced_to_server = 1 WHERE msg_id = ?`, msgID)
	return err
}

// MarkDeletedFromServer records that the relay row was evicted.
func (db *DB) MarkDeletedFromServer(msgID string) error {
	_, err := db.Exec(`UPDATE messages SET deleted_from_server = 1 WHERE msg_id = ?`, msgID)
	return err
}

// ListMessages returns messages for a chat using keyset pagination by
// created_at (newest first).
func (db *DB) ListMessages(chatID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, msg_id, chat_id, sender_id, receiver_id, content, iv, msg_type, reply_to, status, created_at, synced_to_server, deleted_from_server
		FROM messages
		WHERE chat_id = ? AND created_at < ?
		ORDER BY created_at DESC
		LIMIT ?`, chatID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.MsgID, &m.ChatID, &m.SenderID, &m.ReceiverID, &m.Content, &m.IV, &m.Type, &m.ReplyTo, &m.Status, &m.CreatedAt, &m.SyncedToServer, &m.DeletedFromServer); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
