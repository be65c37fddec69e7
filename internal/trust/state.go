// Package trust maintains per-peer encryption readiness from mail headers
// alone and decides whether outbound mail can be encrypted. There is no key
// server: keys arrive opportunistically on inbound messages.
package trust

import "github.com/matheus3301/mailchat/internal/store"

// State is a peer's position in the trust ladder.
type State string

const (
	StateNoKey      State = "no_key"
	StateUnverified State = "key_unverified"
	StateVerified   State = "key_verified"
)

// StateOf derives the trust state from a stored peer record.
func StateOf(ps *store.PeerState) State {
	switch {
	case ps == nil || ps.PublicKey == "":
		return StateNoKey
	case ps.Verified:
		return StateVerified
	default:
		return StateUnverified
	}
}

// Mode is the encryption decision for an outbound message.
type Mode int

const (
	// ModePlain sends cleartext; used when any recipient has no known key.
	ModePlain Mode = iota
	// ModeOpportunistic encrypts to keys that are known but not all verified.
	ModeOpportunistic
	// ModeVerified encrypts to a recipient set whose keys are all verified.
	ModeVerified
)

// Encryption maps a decision mode to the stored message encryption state.
func (m Mode) Encryption() store.Encryption {
	switch m {
	case ModeVerified:
		return store.EncryptionVerified
	case ModeOpportunistic:
		return store.EncryptionOpportunistic
	default:
		return store.EncryptionPlain
	}
}

// Decision is the outcome of Decide for one outbound message.
type Decision struct {
	Mode Mode
	// AttachOwnKey is always true: every outbound mail advertises this
	// sender's key so plaintext peers can bootstrap encryption.
	AttachOwnKey bool
	// RecipientKeys holds the decoded public key per recipient address when
	// Mode is not ModePlain.
	RecipientKeys map[string][32]byte
}
