package store

import (
	"database/sql"
)

// GetCursor returns the sync cursor for a folder. A folder that has never
// been synced gets a zero cursor.
func (db *DB) GetCursor(folder string) (*FolderCursor, error) {
	var c FolderCursor
	err := db.QueryRow(`SELECT folder, last_seen_uid, uid_validity FROM folder_cursors WHERE folder = ?`, folder).
		Scan(&c.Folder, &c.LastSeenUID, &c.UIDValidity)
	if err == sql.ErrNoRows {
		return &FolderCursor{Folder: folder}, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertCursorTx writes a cursor inside the caller's transaction. The sync
// state machine advances the cursor in the same transaction that commits the
// batch's messages, so a crash can only cause a harmless re-fetch, never a
// skipped UID.
func UpsertCursorTx(tx *sql.Tx, c *FolderCursor, nowMillis int64) error {
	_, err := tx.Exec(`
		INSERT INTO folder_cursors (folder, last_seen_uid, uid_validity, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(folder) DO UPDATE SET
			last_seen_uid = excluded.last_seen_uid,
			uid_validity = excluded.uid_validity,
			updated_at = excluded.updated_at`,
		c.Folder, c.LastSeenUID, c.UIDValidity, nowMillis)
	return err
}
