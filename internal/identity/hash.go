package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/matheus3301/mailchat/internal/mailmime"
)

// ContentHash computes the fallback dedup key: a sha256 over a normalized
// subset of headers plus the body. Only author-controlled fields go in, so
// transport-added headers (Received, Delivered-To, ...) cannot change the
// identity of a message between folders or deliveries.
func ContentHash(msg *mailmime.Message) string {
	h := sha256.New()

	writeLine := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{'\n'})
	}

	writeLine(strings.ToLower(msg.From.Addr))
	writeLine(strings.Join(normalizedAddrs(msg.To), ","))
	writeLine(strings.Join(normalizedAddrs(msg.Cc), ","))
	writeLine(strings.TrimSpace(msg.Subject))
	if msg.Date.IsZero() {
		writeLine("")
	} else {
		writeLine(strconv.FormatInt(msg.Date.Unix(), 10))
	}
	writeLine(msg.MessageID)
	h.Write([]byte(normalizeBody(msg.Text)))

	return hex.EncodeToString(h.Sum(nil))
}

// RawHash hashes raw bytes directly; used for unparseable messages where no
// structured fields exist.
func RawHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func normalizedAddrs(addrs []mailmime.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a.Addr != "" {
			out = append(out, strings.ToLower(a.Addr))
		}
	}
	sort.Strings(out)
	return out
}

// normalizeBody strips line-ending and trailing-whitespace differences that
// relays introduce without changing content.
func normalizeBody(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	lines := strings.Split(body, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}
