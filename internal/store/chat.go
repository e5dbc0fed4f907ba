package store

import "database/sql"

// ChatSummary is a per-conversation rollup derived from the messages table.
// Unread counts messages received from the peer that have not been read yet.
type ChatSummary struct {
	ChatID        string
	LastMessageAt int64
	LastPreview   string
	LastSenderID  string
	Unread        int
}

// ListChats returns conversation summaries sorted by last message timestamp
// descending. selfID is used to tell incoming messages from outgoing ones
// when computing unread counts.
func (db *DB) ListChats(selfID string, limit, offset int) ([]ChatSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT m.chat_id,
			MAX(m.created_at) AS last_at,
			(SELECT content FROM messages WHERE chat_id = m.chat_id ORDER BY created_at DESC, msg_id DESC LIMIT 1) AS last_preview,
			(SELECT sender_id FROM messages WHERE chat_id = m.chat_id ORDER BY created_at DESC, msg_id DESC LIMIT 1) AS last_sender,
			SUM(CASE WHEN m.sender_id != ? AND m.status = 'delivered' THEN 1 ELSE 0 END) AS unread
		FROM messages m
		GROUP BY m.chat_id
		ORDER BY last_at DESC
		LIMIT ? OFFSET ?`, selfID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []ChatSummary
	for rows.Next() {
		var c ChatSummary
		if err := rows.Scan(&c.ChatID, &c.LastMessageAt, &c.LastPreview, &c.LastSenderID, &c.Unread); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns the summary for a single conversation, or nil when no
// messages exist for it.
func (db *DB) GetChat(selfID, chatID string) (*ChatSummary, error) {
	var c ChatSummary
	err := db.QueryRow(`
		SELECT m.chat_id,
			MAX(m.created_at),
			(SELECT content FROM messages WHERE chat_id = m.chat_id ORDER BY created_at DESC, msg_id DESC LIMIT 1),
			(SELECT sender_id FROM messages WHERE chat_id = m.chat_id ORDER BY created_at DESC, msg_id DESC LIMIT 1),
			SUM(CASE WHEN m.sender_id != ? AND m.status = 'delivered' THEN 1 ELSE 0 END)
		FROM messages m
		WHERE m.chat_id = ?
		GROUP BY m.chat_id`, selfID, chatID).
		Scan(&c.ChatID, &c.LastMessageAt, &c.LastPreview, &c.LastSenderID, &c.Unread)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
