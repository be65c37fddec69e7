package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// QueueOutbox adds a message to the send outbox.
func (db *DB) QueueOutbox(e *OutboxEntry) error {
	recipients, err := json.Marshal(e.Recipients)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO outbox (client_msg_id, chat_id, recipients, subject, body, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'queued', ?, ?)`,
		e.ClientMsgID, e.ChatID, string(recipients), e.Subject, e.Body, now, now)
	return err
}

// GetOutbox returns an outbox entry by client message id, or nil.
func (db *DB) GetOutbox(clientMsgID string) (*OutboxEntry, error) {
	row := db.QueryRow(`
		SELECT id, client_msg_id, chat_id, recipients, subject, body, status, error_message
		FROM outbox WHERE client_msg_id = ?`, clientMsgID)

	var e OutboxEntry
	var recipients string
	err := row.Scan(&e.ID, &e.ClientMsgID, &e.ChatID, &recipients, &e.Subject, &e.Body, &e.Status, &e.ErrorMessage)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(recipients), &e.Recipients); err != nil {
		return nil, err
	}
	return &e, nil
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(clientMsgID string) error {
	return db.setOutboxStatus(clientMsgID, "sending", "")
}

// MarkOutboxSent updates an outbox entry to 'sent' status.
func (db *DB) MarkOutboxSent(clientMsgID string) error {
	return db.setOutboxStatus(clientMsgID, "sent", "")
}

// RequeueOutbox returns an entry to 'queued' after a retryable send failure,
// recording the error for diagnostics.
func (db *DB) RequeueOutbox(clientMsgID, errMsg string) error {
	return db.setOutboxStatus(clientMsgID, "queued", errMsg)
}

// MarkOutboxFailed marks an entry permanently failed. Requires explicit user
// action (manual resend) to recover.
func (db *DB) MarkOutboxFailed(clientMsgID, errMsg string) error {
	return db.setOutboxStatus(clientMsgID, "failed", errMsg)
}

// MarkOutboxSentTx flips an entry to sent inside the caller's transaction,
// so the sent message row and the entry state commit or roll back together.
func MarkOutboxSentTx(tx *sql.Tx, clientMsgID string, nowMillis int64) error {
	_, err := tx.Exec(`UPDATE outbox SET status = 'sent', error_message = '', updated_at = ? WHERE client_msg_id = ?`,
		nowMillis, clientMsgID)
	return err
}

func (db *DB) setOutboxStatus(clientMsgID, status, errMsg string) error {
	_, err := db.Exec(`UPDATE outbox SET status = ?, error_message = ?, updated_at = ? WHERE client_msg_id = ?`,
		status, errMsg, time.Now().UnixMilli(), clientMsgID)
	return err
}
