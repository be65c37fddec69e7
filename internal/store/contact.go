package store

import (
	"database/sql"
	"time"
)

// UpsertContact inserts or updates a contact. An empty name never clobbers a
// known one.
func (db *DB) UpsertContact(c *Contact) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(contactUpsertSQL, c.Addr, c.Name, c.LastSeen, now)
	return err
}

// UpsertContactTx is UpsertContact inside the caller's transaction.
func UpsertContactTx(tx *sql.Tx, c *Contact, nowMillis int64) error {
	_, err := tx.Exec(contactUpsertSQL, c.Addr, c.Name, c.LastSeen, nowMillis)
	return err
}

const contactUpsertSQL = `
	INSERT INTO contacts (addr, name, last_seen, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(addr) DO UPDATE SET
		name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END,
		last_seen = MAX(contacts.last_seen, excluded.last_seen),
		updated_at = excluded.updated_at`

// GetContact returns a contact by address, or nil.
func (db *DB) GetContact(addr string) (*Contact, error) {
	var c Contact
	err := db.QueryRow(`SELECT addr, name, last_seen FROM contacts WHERE addr = ?`, addr).
		Scan(&c.Addr, &c.Name, &c.LastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListContacts returns all contacts ordered by address.
func (db *DB) ListContacts() ([]Contact, error) {
	rows, err := db.Query(`SELECT addr, name, last_seen FROM contacts ORDER BY addr ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var contacts []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.Addr, &c.Name, &c.LastSeen); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}
