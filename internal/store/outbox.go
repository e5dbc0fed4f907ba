package store

import "time"

// DefaultMaxRetries bounds how many drain attempts an operation gets
// before it is dropped and surfaced as lost.
const DefaultMaxRetries = 5

// Enqueue adds an outbound operation to the sync queue.
func (db *DB) Enqueue(op *OutboxOp) error {
	if op.MaxRetries <= 0 {
		op.MaxRetries = DefaultMaxRetries
	}
	now := time.Now().UnixMilli()
	if op.CreatedAt == 0 {
		op.CreatedAt = now
	}
	_, err := db.Exec(`
		INSERT INTO outbox (op_id, kind, payload, priority, retry_count, max_retries, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, '', ?, ?)`,
		op.OpID, op.Kind, op.Payload, op.Priority, op.MaxRetries, op.CreatedAt, now)
	return err
}

// Dequeue removes an operation from the queue, on success or give-up.
// Removing an already-removed op is a no-op.
func (db *DB) Dequeue(opID string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE op_id = ?`, opID)
	return err
}

// RecordOpFailure increments an operation's retry count and stores the
// last error for observability.
func (db *DB) RecordOpFailure(opID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET retry_count = retry_count + 1, last_error = ?, updated_at = ?
		WHERE op_id = ?`, errMsg, now, opID)
	return err
}

// PendingOps returns queued operations in priority-then-FIFO order.
func (db *DB) PendingOps(limit int) ([]OutboxOp, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, op_id, kind, payload, priority, retry_count, max_retries, last_error, created_at
		FROM outbox
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ops []OutboxOp
	for rows.Next() {
		var op OutboxOp
		if err := rows.Scan(&op.ID, &op.OpID, &op.Kind, &op.Payload, &op.Priority, &op.RetryCount, &op.MaxRetries, &op.LastError, &op.CreatedAt); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}
