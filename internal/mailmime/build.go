package mailmime

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"
)

// Outgoing describes an outbound message to render.
type Outgoing struct {
	MessageID string
	Subject   string
	From      Address
	To        []Address
	Date      time.Time

	Text             string // plain body; ignored when EncryptedPayload is set
	EncryptedPayload []byte

	Autocrypt string   // this sender's key-advertisement header value
	Gossip    []string // per-recipient gossip header values, encrypted group mail only
}

// Build renders an outgoing message to raw RFC 5322 bytes.
func Build(o *Outgoing) ([]byte, error) {
	var h mail.Header
	h.SetDate(o.Date)
	h.SetSubject(o.Subject)
	h.SetMessageID(o.MessageID)
	h.SetAddressList("From", []*mail.Address{{Name: o.From.Name, Address: o.From.Addr}})

	var to []*mail.Address
	for _, a := range o.To {
		to = append(to, &mail.Address{Name: a.Name, Address: a.Addr})
	}
	h.SetAddressList("To", to)

	h.Set(HeaderChatVersion, ChatVersion)
	if o.Autocrypt != "" {
		h.Set(HeaderAutocrypt, o.Autocrypt)
	}
	for _, g := range o.Gossip {
		h.Add(HeaderAutocryptGossip, g)
	}

	var body []byte
	if len(o.EncryptedPayload) > 0 {
		h.SetContentType(EncryptedContentType, nil)
		h.Set("Content-Transfer-Encoding", "base64")
		body = o.EncryptedPayload
	} else {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		body = []byte(o.Text)
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mime writer: %w", err)
	}
	if _, err := io.Copy(w, bytes.NewReader(body)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close mime writer: %w", err)
	}
	return buf.Bytes(), nil
}
