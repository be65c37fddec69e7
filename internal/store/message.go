package store

import (
	"database/sql"
	"time"
)

// InsertMessageTx inserts a message inside the caller's transaction and
// returns its row id. The UNIQUE(message_id, content_hash) constraint is the
// storage-layer last line of defense against duplicate materialization.
func InsertMessageTx(tx *sql.Tx, m *Message, nowMillis int64) (int64, error) {
	res, err := tx.Exec(`
		INSERT INTO messages (chat_id, message_id, content_hash, folder, uid, sender, timestamp_sort, encryption, state, is_chat, malformed, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'fresh', ?, ?, ?, ?)`,
		m.ChatID, m.MessageID, m.ContentHash, m.Folder, m.UID, m.Sender, m.TimestampSort, m.Encryption, m.IsChat, m.Malformed, m.Body, nowMillis)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// MessageIDKnownTx reports whether any stored message carries the given
// Message-ID, inside the caller's transaction.
func MessageIDKnownTx(tx *sql.Tx, messageID string) (bool, error) {
	var n int
	err := tx.QueryRow(`SELECT COUNT(1) FROM messages WHERE message_id = ?`, messageID).Scan(&n)
	return n > 0, err
}

// GetMessage returns a message by row id, or nil.
func (db *DB) GetMessage(id int64) (*Message, error) {
	row := db.QueryRow(messageSelect+` WHERE id = ?`, id)
	return scanMessage(row)
}

// MessagesByMessageID returns all messages carrying the given Message-ID.
// More than one row means a reused Message-ID on genuinely different content.
func (db *DB) MessagesByMessageID(messageID string) ([]Message, error) {
	rows, err := db.Query(messageSelect+` WHERE message_id = ?`, messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectMessages(rows)
}

// MessageByContentHash returns the newest message with the given content hash
// created at or after sinceMillis, or nil. Bounding the window avoids false
// merges across unrelated old conversations.
func (db *DB) MessageByContentHash(hash string, sinceMillis int64) (*Message, error) {
	row := db.QueryRow(messageSelect+`
		WHERE content_hash = ? AND created_at >= ?
		ORDER BY created_at DESC LIMIT 1`, hash, sinceMillis)
	return scanMessage(row)
}

// ListMessages returns messages for a chat using keyset pagination by
// timestamp_sort.
func (db *DB) ListMessages(chatID int64, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(messageSelect+`
		WHERE chat_id = ? AND timestamp_sort < ?
		ORDER BY timestamp_sort DESC
		LIMIT ?`, chatID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectMessages(rows)
}

// MarkMessageSeen flips a message to the seen state. Returns true when the
// state actually changed.
func (db *DB) MarkMessageSeen(id int64) (bool, error) {
	res, err := db.Exec(`UPDATE messages SET state = 'seen' WHERE id = ? AND state != 'seen'`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// LastSortTimestamp returns the newest timestamp_sort in a chat, inside the
// caller's transaction. Used to keep ordering monotone within a chat.
func LastSortTimestamp(tx *sql.Tx, chatID int64) (int64, error) {
	var ts sql.NullInt64
	err := tx.QueryRow(`SELECT MAX(timestamp_sort) FROM messages WHERE chat_id = ?`, chatID).Scan(&ts)
	if err != nil {
		return 0, err
	}
	return ts.Int64, nil
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

const messageSelect = `
	SELECT id, chat_id, message_id, content_hash, folder, uid, sender, timestamp_sort, encryption, state, is_chat, malformed, body
	FROM messages`

func scanMessage(row *sql.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ChatID, &m.MessageID, &m.ContentHash, &m.Folder, &m.UID, &m.Sender, &m.TimestampSort, &m.Encryption, &m.State, &m.IsChat, &m.Malformed, &m.Body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.MessageID, &m.ContentHash, &m.Folder, &m.UID, &m.Sender, &m.TimestampSort, &m.Encryption, &m.State, &m.IsChat, &m.Malformed, &m.Body); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
