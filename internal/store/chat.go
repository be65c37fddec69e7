package store

import (
	"database/sql"
	"time"
)

// GetChatByGrouping returns the chat for a participant address set, or nil.
func (db *DB) GetChatByGrouping(grouping string) (*Chat, error) {
	return db.scanChat(db.QueryRow(`
		SELECT id, grouping, name, is_group, archived, muted, last_message_at, last_message_preview
		FROM chats WHERE grouping = ?`, grouping))
}

// GetChat returns a chat by id, or nil.
func (db *DB) GetChat(id int64) (*Chat, error) {
	return db.scanChat(db.QueryRow(`
		SELECT id, grouping, name, is_group, archived, muted, last_message_at, last_message_preview
		FROM chats WHERE id = ?`, id))
}

// ListChats returns chats sorted by last message timestamp descending.
// Archived chats sort last.
func (db *DB) ListChats(limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, grouping, name, is_group, archived, muted, last_message_at, last_message_preview
		FROM chats
		ORDER BY archived ASC, last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.Grouping, &c.Name, &c.IsGroup, &c.Archived, &c.Muted, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// SetChatArchived flips the archived flag. Chats are never deleted.
func (db *DB) SetChatArchived(id int64, archived bool) error {
	_, err := db.Exec(`UPDATE chats SET archived = ?, updated_at = ? WHERE id = ?`,
		archived, time.Now().UnixMilli(), id)
	return err
}

// SetChatMuted flips the muted flag.
func (db *DB) SetChatMuted(id int64, muted bool) error {
	_, err := db.Exec(`UPDATE chats SET muted = ?, updated_at = ? WHERE id = ?`,
		muted, time.Now().UnixMilli(), id)
	return err
}

func (db *DB) scanChat(row *sql.Row) (*Chat, error) {
	var c Chat
	err := row.Scan(&c.ID, &c.Grouping, &c.Name, &c.IsGroup, &c.Archived, &c.Muted, &c.LastMessageAt, &c.LastMessagePreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// EnsureChatTx finds or lazily creates the chat for a grouping inside the
// caller's transaction, returning its id.
func EnsureChatTx(tx *sql.Tx, grouping, name string, isGroup bool, nowMillis int64) (int64, error) {
	var id int64
	err := tx.QueryRow(`SELECT id FROM chats WHERE grouping = ?`, grouping).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	res, err := tx.Exec(`
		INSERT INTO chats (grouping, name, is_group, last_message_at, updated_at)
		VALUES (?, ?, ?, 0, ?)`,
		grouping, name, isGroup, nowMillis)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// TouchChatTx bumps a chat's last-message bookkeeping if ts is newer.
func TouchChatTx(tx *sql.Tx, id int64, ts int64, preview string, nowMillis int64) error {
	_, err := tx.Exec(`
		UPDATE chats SET
			last_message_at = MAX(last_message_at, ?),
			last_message_preview = CASE WHEN ? >= last_message_at THEN ? ELSE last_message_preview END,
			updated_at = ?
		WHERE id = ?`,
		ts, ts, preview, nowMillis, id)
	return err
}
