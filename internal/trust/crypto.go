package trust

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// Keypair is this account's Curve25519 keypair.
type Keypair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeypair creates a fresh Curve25519 keypair.
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Keypair{Public: *pub, Private: *priv}, nil
}

// EncodeKey renders key material for storage and headers.
func EncodeKey(k [32]byte) string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// DecodeKey parses stored or advertised key material.
func DecodeKey(s string) ([32]byte, error) {
	var k [32]byte
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return k, err
	}
	if len(data) != 32 {
		return k, fmt.Errorf("key material is %d bytes, want 32", len(data))
	}
	copy(k[:], data)
	return k, nil
}

// envelope is the JSON payload carried in the encrypted MIME part. The body
// is sealed once with a random session key; the session key is boxed per
// recipient so group mail does not duplicate the body.
type envelope struct {
	V         int                  `json:"v"`
	SenderPub string               `json:"sender_pub"`
	Nonce     string               `json:"nonce"`
	Keys      map[string]sealedKey `json:"keys"`
	Body      string               `json:"body"`
}

type sealedKey struct {
	Nonce  string `json:"nonce"`
	Sealed string `json:"sealed"`
}

// Encrypt seals plaintext to every recipient key.
func Encrypt(plaintext []byte, sender *Keypair, recipients map[string][32]byte) ([]byte, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("encrypt: no recipients")
	}

	var session [32]byte
	if _, err := rand.Read(session[:]); err != nil {
		return nil, fmt.Errorf("session key: %w", err)
	}
	var bodyNonce [24]byte
	if _, err := rand.Read(bodyNonce[:]); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	env := envelope{
		V:         1,
		SenderPub: EncodeKey(sender.Public),
		Nonce:     base64.StdEncoding.EncodeToString(bodyNonce[:]),
		Keys:      make(map[string]sealedKey, len(recipients)),
		Body:      base64.StdEncoding.EncodeToString(secretbox.Seal(nil, plaintext, &bodyNonce, &session)),
	}

	for addr, pub := range recipients {
		var keyNonce [24]byte
		if _, err := rand.Read(keyNonce[:]); err != nil {
			return nil, fmt.Errorf("nonce: %w", err)
		}
		pubCopy := pub
		sealed := box.Seal(nil, session[:], &keyNonce, &pubCopy, &sender.Private)
		env.Keys[addr] = sealedKey{
			Nonce:  base64.StdEncoding.EncodeToString(keyNonce[:]),
			Sealed: base64.StdEncoding.EncodeToString(sealed),
		}
	}

	return json.Marshal(env)
}

// Decrypt opens an envelope addressed to selfAddr. Failure is not fatal to a
// sync: the caller stores a placeholder and moves on.
func Decrypt(payload []byte, selfAddr string, self *Keypair) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decrypt: bad envelope: %w", err)
	}
	if env.V != 1 {
		return nil, fmt.Errorf("decrypt: unsupported envelope version %d", env.V)
	}

	entry, ok := env.Keys[selfAddr]
	if !ok {
		return nil, fmt.Errorf("decrypt: envelope not addressed to %s", selfAddr)
	}

	senderPub, err := DecodeKey(env.SenderPub)
	if err != nil {
		return nil, fmt.Errorf("decrypt: bad sender key: %w", err)
	}
	keyNonce, err := decodeNonce(entry.Nonce)
	if err != nil {
		return nil, err
	}
	sealed, err := base64.StdEncoding.DecodeString(entry.Sealed)
	if err != nil {
		return nil, fmt.Errorf("decrypt: bad sealed key: %w", err)
	}

	sessionBytes, ok := box.Open(nil, sealed, &keyNonce, &senderPub, &self.Private)
	if !ok || len(sessionBytes) != 32 {
		return nil, fmt.Errorf("decrypt: session key does not open")
	}
	var session [32]byte
	copy(session[:], sessionBytes)

	bodyNonce, err := decodeNonce(env.Nonce)
	if err != nil {
		return nil, err
	}
	bodyCipher, err := base64.StdEncoding.DecodeString(env.Body)
	if err != nil {
		return nil, fmt.Errorf("decrypt: bad body: %w", err)
	}
	plaintext, ok := secretbox.Open(nil, bodyCipher, &bodyNonce, &session)
	if !ok {
		return nil, fmt.Errorf("decrypt: body does not open")
	}
	return plaintext, nil
}

func decodeNonce(s string) ([24]byte, error) {
	var n [24]byte
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(data) != 24 {
		return n, fmt.Errorf("decrypt: bad nonce")
	}
	copy(n[:], data)
	return n, nil
}
