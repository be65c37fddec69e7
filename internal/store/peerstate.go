package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// GetPeerState returns the key state for a peer address, or nil when the peer
// has never advertised a key.
func (db *DB) GetPeerState(addr string) (*PeerState, error) {
	return scanPeerState(db.QueryRow(peerStateSelect+` WHERE addr = ?`, addr))
}

// GetPeerStateTx is GetPeerState inside the caller's transaction.
func GetPeerStateTx(tx *sql.Tx, addr string) (*PeerState, error) {
	return scanPeerState(tx.QueryRow(peerStateSelect+` WHERE addr = ?`, addr))
}

// PeerStates returns the key state for each of the given addresses. Addresses
// with no stored state are absent from the map.
func (db *DB) PeerStates(addrs []string) (map[string]*PeerState, error) {
	states := make(map[string]*PeerState, len(addrs))
	for _, addr := range addrs {
		ps, err := db.GetPeerState(addr)
		if err != nil {
			return nil, err
		}
		if ps != nil {
			states[addr] = ps
		}
	}
	return states, nil
}

// UpsertPeerStateTx writes a peer's full key state inside the caller's
// transaction. Replay protection (last_seen comparison) is the trust engine's
// responsibility; this is a plain write.
func UpsertPeerStateTx(tx *sql.Tx, ps *PeerState, nowMillis int64) error {
	gossip, err := json.Marshal(ps.GossipSources)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`
		INSERT INTO peer_states (addr, public_key, last_seen, last_advert_msgid, verified, gossip_sources, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(addr) DO UPDATE SET
			public_key = excluded.public_key,
			last_seen = excluded.last_seen,
			last_advert_msgid = excluded.last_advert_msgid,
			verified = excluded.verified,
			gossip_sources = excluded.gossip_sources,
			updated_at = excluded.updated_at`,
		ps.Addr, ps.PublicKey, ps.LastSeen, ps.LastAdvertMsgID, ps.Verified, string(gossip), nowMillis)
	return err
}

// SetPeerVerified flips the verified flag, modelling an out-of-band
// verification event. Returns false when the peer has no stored key.
func (db *DB) SetPeerVerified(addr string, verified bool) (bool, error) {
	res, err := db.Exec(`UPDATE peer_states SET verified = ?, updated_at = ? WHERE addr = ?`,
		verified, time.Now().UnixMilli(), addr)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

const peerStateSelect = `
	SELECT addr, public_key, last_seen, last_advert_msgid, verified, gossip_sources
	FROM peer_states`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPeerState(row rowScanner) (*PeerState, error) {
	var ps PeerState
	var gossip string
	err := row.Scan(&ps.Addr, &ps.PublicKey, &ps.LastSeen, &ps.LastAdvertMsgID, &ps.Verified, &gossip)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if gossip != "" {
		if err := json.Unmarshal([]byte(gossip), &ps.GossipSources); err != nil {
			ps.GossipSources = nil
		}
	}
	return &ps, nil
}
