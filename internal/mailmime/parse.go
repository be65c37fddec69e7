package mailmime

import (
	"bytes"
	"io"
	"strings"

	"github.com/emersion/go-message/mail"
)

// Parse decodes raw RFC 5322 bytes into a structured message.
func Parse(raw []byte) (*Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, &ParseError{Reason: "invalid message header", Err: err}
	}
	defer func() { _ = mr.Close() }()

	h := mr.Header

	msg := &Message{}
	if mid, err := h.MessageID(); err == nil {
		msg.MessageID = mid
	}
	if subj, err := h.Subject(); err == nil {
		msg.Subject = subj
	}
	if date, err := h.Date(); err == nil {
		msg.Date = date
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = Address{Name: from[0].Name, Addr: strings.ToLower(from[0].Address)}
	}
	msg.To = addressList(h, "To")
	msg.Cc = addressList(h, "Cc")

	msg.ChatVersion = strings.TrimSpace(h.Get(HeaderChatVersion))

	// Malformed key-advertisement headers are silently dropped: they must
	// never fail the sync, and the peer's stored state stays unchanged.
	if adv, err := ParseKeyAdvert(h.Get(HeaderAutocrypt)); err == nil && adv != nil {
		msg.Autocrypt = adv
	}
	fields := h.FieldsByKey(HeaderAutocryptGossip)
	for fields.Next() {
		v, err := fields.Text()
		if err != nil {
			continue
		}
		if adv, err := ParseKeyAdvert(v); err == nil && adv != nil {
			msg.Gossip = append(msg.Gossip, *adv)
		}
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := ph.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			switch {
			case contentType == EncryptedContentType:
				msg.EncryptedPayload = body
			case strings.HasPrefix(contentType, "text/plain"):
				if msg.Text == "" {
					msg.Text = string(body)
				}
			}
		case *mail.AttachmentHeader:
			// Attachments are out of scope for the chat core; the part is
			// drained so the reader can advance.
			_, _ = io.Copy(io.Discard, part.Body)
		}
	}

	return msg, nil
}

func addressList(h mail.Header, key string) []Address {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	var out []Address
	for _, a := range list {
		out = append(out, Address{Name: a.Name, Addr: strings.ToLower(a.Address)})
	}
	return out
}
