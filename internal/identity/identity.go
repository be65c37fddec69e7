// Package identity computes stable identities for inbound messages and
// decides new-vs-duplicate. It has no side effects: persistence is the
// caller's responsibility, which keeps the engine testable in isolation.
package identity

import (
	"strings"
	"time"

	"github.com/matheus3301/mailchat/internal/mailmime"
)

// Known is the subset of a stored message the engine needs for dedup.
type Known struct {
	RowID       int64
	MessageID   string
	ContentHash string
}

// Index is the read-only lookup surface the engine classifies against.
type Index interface {
	// ByMessageID returns every stored message carrying the Message-ID.
	ByMessageID(messageID string) ([]Known, error)
	// ByContentHash returns the newest stored message with the hash created
	// at or after since, or nil.
	ByContentHash(hash string, since time.Time) (*Known, error)
}

// Kind is the classification outcome.
type Kind int

const (
	KindNew Kind = iota
	KindDuplicate
	KindMalformed
)

// Result of classifying one fetched message.
type Result struct {
	Kind        Kind
	ContentHash string
	DuplicateOf int64 // row id of the existing message, for KindDuplicate
	Anomaly     bool  // Message-ID reused on differing content
	Reason      string
}

// Engine classifies fetched messages as new, duplicate or malformed.
type Engine struct {
	index  Index
	window time.Duration
	now    func() time.Time
}

// NewEngine creates an engine. window bounds the content-hash fallback lookup
// so unrelated old conversations are never merged.
func NewEngine(index Index, window time.Duration) *Engine {
	return &Engine{index: index, window: window, now: time.Now}
}

// Classify decides the fate of a freshly fetched message. parseErr, when
// non-nil, short-circuits to Malformed; the caller is expected to persist a
// placeholder so the UID is never silently skipped.
func (e *Engine) Classify(msg *mailmime.Message, raw []byte, parseErr error) (*Result, error) {
	if parseErr != nil || msg == nil {
		reason := "unparseable message"
		if parseErr != nil {
			reason = parseErr.Error()
		}
		hash := RawHash(raw)
		// A raw-hash match is exact byte identity, so the lookup is not
		// window-bounded: a rescan after a uid_validity reset must find
		// placeholders of any age or the refetch collides with them.
		known, err := e.index.ByContentHash(hash, time.Time{})
		if err != nil {
			return nil, err
		}
		if known != nil {
			return &Result{Kind: KindDuplicate, ContentHash: hash, DuplicateOf: known.RowID}, nil
		}
		return &Result{
			Kind:        KindMalformed,
			ContentHash: hash,
			Reason:      reason,
		}, nil
	}

	hash := ContentHash(msg)

	if WellFormedMessageID(msg.MessageID) {
		known, err := e.index.ByMessageID(msg.MessageID)
		if err != nil {
			return nil, err
		}
		for _, k := range known {
			// The content hash is a secondary discriminator even on a
			// Message-ID match: buggy clients reuse ids across genuinely
			// different messages, and those must not silently merge.
			if k.ContentHash == hash {
				return &Result{Kind: KindDuplicate, ContentHash: hash, DuplicateOf: k.RowID}, nil
			}
		}
		if len(known) > 0 {
			return &Result{
				Kind:        KindNew,
				ContentHash: hash,
				Anomaly:     true,
				Reason:      "message-id reused with differing content",
			}, nil
		}
		return &Result{Kind: KindNew, ContentHash: hash}, nil
	}

	// No usable Message-ID: fall back to the content hash, bounded to the
	// recency window.
	since := e.now().Add(-e.window)
	k, err := e.index.ByContentHash(hash, since)
	if err != nil {
		return nil, err
	}
	if k != nil {
		return &Result{Kind: KindDuplicate, ContentHash: hash, DuplicateOf: k.RowID}, nil
	}
	return &Result{Kind: KindNew, ContentHash: hash}, nil
}

// WellFormedMessageID reports whether a Message-ID header value is usable as
// a dedup key. The value is attacker-supplied, so anything odd falls back to
// content hashing.
func WellFormedMessageID(mid string) bool {
	if mid == "" || len(mid) > 256 {
		return false
	}
	if !strings.Contains(mid, "@") {
		return false
	}
	return !strings.ContainsAny(mid, " \t\r\n<>")
}
