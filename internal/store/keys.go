package store

import (
	"database/sql"
	"time"
)

// GetIdentityKey returns this account's own keypair, or nil on first run.
func (db *DB) GetIdentityKey(addr string) (*IdentityKey, error) {
	var k IdentityKey
	err := db.QueryRow(`SELECT addr, public_key, private_key FROM identity_keys WHERE addr = ?`, addr).
		Scan(&k.Addr, &k.PublicKey, &k.PrivateKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// SaveIdentityKey persists a freshly generated keypair. The key is written
// once and never rotated implicitly.
func (db *DB) SaveIdentityKey(k *IdentityKey) error {
	_, err := db.Exec(`
		INSERT INTO identity_keys (addr, public_key, private_key, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(addr) DO NOTHING`,
		k.Addr, k.PublicKey, k.PrivateKey, time.Now().UnixMilli())
	return err
}
