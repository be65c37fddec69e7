// Package mailmime is the codec boundary between raw RFC 5322 bytes and the
// structured messages the sync and send paths work with. All MIME handling
// goes through emersion/go-message.
package mailmime

import (
	"fmt"
	"strings"
	"time"
)

// Chat protocol headers carried on outbound mail and inspected on inbound
// mail. Autocrypt headers advertise key material; Chat-Version marks a
// message as originating from a chat client rather than a regular MUA.
const (
	HeaderAutocrypt       = "Autocrypt"
	HeaderAutocryptGossip = "Autocrypt-Gossip"
	HeaderChatVersion     = "Chat-Version"

	ChatVersion = "1.0"

	// EncryptedContentType marks the MIME part carrying an encrypted envelope.
	EncryptedContentType = "application/x-mailchat-encrypted"
)

// Address is a parsed mailbox address.
type Address struct {
	Name string
	Addr string
}

// Message is the structured form of a parsed mail.
type Message struct {
	MessageID string
	Subject   string
	From      Address
	To        []Address
	Cc        []Address
	Date      time.Time

	Text             string // decoded text/plain body
	EncryptedPayload []byte // raw encrypted envelope, when present

	ChatVersion string     // empty for ordinary (non-chat) mail
	Autocrypt   *KeyAdvert // sender's key advertisement, if any
	Gossip      []KeyAdvert
}

// IsChat reports whether the message carried a Chat-Version header.
func (m *Message) IsChat() bool {
	return m.ChatVersion != ""
}

// Recipients returns all To and Cc addresses, lowercased.
func (m *Message) Recipients() []string {
	var out []string
	for _, a := range append(append([]Address{}, m.To...), m.Cc...) {
		if a.Addr != "" {
			out = append(out, strings.ToLower(a.Addr))
		}
	}
	return out
}

// ParseError wraps a MIME parse failure. The sync path records a placeholder
// row for the UID instead of dropping it.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse message: %s", e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }
