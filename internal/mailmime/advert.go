package mailmime

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// KeyAdvert is a parsed key-advertisement header: addr=...; keydata=base64.
type KeyAdvert struct {
	Addr    string
	KeyData []byte
}

// ParseKeyAdvert parses an Autocrypt-style header value. Returns (nil, nil)
// for an empty value and an error for a malformed one. Attributes prefixed
// with "_" are non-critical and ignored; any other unknown attribute makes
// the header invalid.
func ParseKeyAdvert(value string) (*KeyAdvert, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}

	adv := &KeyAdvert{}
	for _, attr := range strings.Split(value, ";") {
		attr = strings.TrimSpace(attr)
		if attr == "" {
			continue
		}
		k, v, ok := strings.Cut(attr, "=")
		if !ok {
			return nil, fmt.Errorf("key advert: malformed attribute %q", attr)
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		switch {
		case k == "addr":
			adv.Addr = strings.ToLower(v)
		case k == "keydata":
			// Header folding may have introduced whitespace inside the base64.
			data, err := base64.StdEncoding.DecodeString(removeWhitespace(v))
			if err != nil {
				return nil, fmt.Errorf("key advert: bad keydata: %w", err)
			}
			adv.KeyData = data
		case k == "prefer-encrypt":
			// Recognized but unused: encryption is decided per message.
		case strings.HasPrefix(k, "_"):
			// Non-critical extension attribute.
		default:
			return nil, fmt.Errorf("key advert: unknown critical attribute %q", k)
		}
	}

	if adv.Addr == "" || len(adv.KeyData) == 0 {
		return nil, fmt.Errorf("key advert: addr and keydata are required")
	}
	return adv, nil
}

// FormatKeyAdvert renders a key-advertisement header value.
func FormatKeyAdvert(addr string, keyData []byte) string {
	return fmt.Sprintf("addr=%s; keydata=%s", strings.ToLower(addr), base64.StdEncoding.EncodeToString(keyData))
}

func removeWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
}
