package trust

import (
	"database/sql"
	"encoding/base64"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/mailchat/internal/bus"
	"github.com/matheus3301/mailchat/internal/store"
)

// Advert is an inbound key advertisement extracted from a message header.
type Advert struct {
	Addr          string
	KeyData       []byte
	EffectiveTime time.Time // the carrying message's Date
	MessageID     string    // the carrying message's Message-ID, for tie-breaks
	GossipFrom    string    // vouching peer when the key arrived via gossip
}

// Engine mutates peer key state and answers encrypt decisions.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
}

// NewEngine creates a trust engine.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{db: db, bus: b, logger: logger}
}

// ApplyAdvertTx folds one key advertisement into the peer's stored state,
// inside the caller's transaction. Returns the trust change to publish after
// the transaction commits, or nil when nothing changed.
//
// Replay protection: an advert whose effective time is older than the stored
// last_seen never changes stored key material. On an exact timestamp tie with
// differing keys, the advert carried by the lexicographically larger
// Message-ID wins, so replays of either message converge on one key.
func (e *Engine) ApplyAdvertTx(tx *sql.Tx, adv Advert) (*bus.TrustChange, error) {
	if adv.Addr == "" || len(adv.KeyData) == 0 {
		return nil, nil
	}
	newKey := base64.StdEncoding.EncodeToString(adv.KeyData)
	ts := adv.EffectiveTime.UnixMilli()
	now := time.Now().UnixMilli()

	existing, err := store.GetPeerStateTx(tx, adv.Addr)
	if err != nil {
		return nil, fmt.Errorf("load peer state: %w", err)
	}

	if existing == nil {
		ps := &store.PeerState{
			Addr:            adv.Addr,
			PublicKey:       newKey,
			LastSeen:        ts,
			LastAdvertMsgID: adv.MessageID,
		}
		if adv.GossipFrom != "" {
			ps.GossipSources = []string{adv.GossipFrom}
		}
		if err := store.UpsertPeerStateTx(tx, ps, now); err != nil {
			return nil, err
		}
		return &bus.TrustChange{
			Addr: adv.Addr,
			From: string(StateNoKey),
			To:   string(StateUnverified),
		}, nil
	}

	if ts < existing.LastSeen {
		// Replayed or delayed duplicate; stored state stays as is.
		return nil, nil
	}

	keyChanged := existing.PublicKey != newKey

	if ts == existing.LastSeen {
		if !keyChanged {
			return e.recordGossip(tx, existing, adv, now)
		}
		if adv.MessageID <= existing.LastAdvertMsgID {
			return nil, nil
		}
	}

	// Gossip never rotates a directly learned key; it only introduces keys
	// for peers we have not heard from.
	if adv.GossipFrom != "" && keyChanged {
		return nil, nil
	}

	wasVerified := existing.Verified
	existing.PublicKey = newKey
	existing.LastSeen = ts
	existing.LastAdvertMsgID = adv.MessageID
	if keyChanged {
		// Trust is not sticky across key rotation.
		existing.Verified = false
	}
	if err := store.UpsertPeerStateTx(tx, existing, now); err != nil {
		return nil, err
	}

	if keyChanged && wasVerified {
		e.logger.Warn("verified peer rotated key, demoting trust",
			zap.String("addr", adv.Addr),
			zap.String("advert_msgid", adv.MessageID))
		return &bus.TrustChange{
			Addr:     adv.Addr,
			From:     string(StateVerified),
			To:       string(StateUnverified),
			Security: "key changed after verification",
		}, nil
	}
	return nil, nil
}

func (e *Engine) recordGossip(tx *sql.Tx, existing *store.PeerState, adv Advert, now int64) (*bus.TrustChange, error) {
	if adv.GossipFrom == "" || slices.Contains(existing.GossipSources, adv.GossipFrom) {
		return nil, nil
	}
	existing.GossipSources = append(existing.GossipSources, adv.GossipFrom)
	return nil, store.UpsertPeerStateTx(tx, existing, now)
}

// Verify records an out-of-band verification event (QR / code exchange) for
// a peer whose key is already known.
func (e *Engine) Verify(addr string) error {
	ok, err := e.db.SetPeerVerified(addr, true)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("verify %s: no key known for peer", addr)
	}
	e.bus.Publish(bus.Event{
		Kind:      bus.KindPeerTrustChanged,
		Timestamp: time.Now(),
		Payload: bus.TrustChange{
			Addr: addr,
			From: string(StateUnverified),
			To:   string(StateVerified),
		},
	})
	return nil
}

// Decide answers whether an outbound message to the recipient set can be
// encrypted. Encryption requires every recipient to have a known key; a
// single NoKey recipient forces plaintext (with this sender's key attached
// for bootstrapping). Verified state is only claimed when all recipients are
// verified.
func (e *Engine) Decide(recipients []string) (*Decision, error) {
	states, err := e.db.PeerStates(recipients)
	if err != nil {
		return nil, fmt.Errorf("load peer states: %w", err)
	}

	d := &Decision{Mode: ModeVerified, AttachOwnKey: true, RecipientKeys: make(map[string][32]byte)}
	for _, addr := range recipients {
		ps := states[addr]
		switch StateOf(ps) {
		case StateNoKey:
			return &Decision{Mode: ModePlain, AttachOwnKey: true}, nil
		case StateUnverified:
			d.Mode = ModeOpportunistic
		}
		key, err := DecodeKey(ps.PublicKey)
		if err != nil {
			// Undecodable stored key material is as good as no key.
			e.logger.Warn("stored peer key is undecodable", zap.String("addr", addr), zap.Error(err))
			return &Decision{Mode: ModePlain, AttachOwnKey: true}, nil
		}
		d.RecipientKeys[addr] = key
	}
	if len(recipients) == 0 {
		return &Decision{Mode: ModePlain, AttachOwnKey: true}, nil
	}
	return d, nil
}

// PeerState exposes the stored state for callers (UI, tests).
func (e *Engine) PeerState(addr string) (State, error) {
	ps, err := e.db.GetPeerState(addr)
	if err != nil {
		return StateNoKey, err
	}
	return StateOf(ps), nil
}
