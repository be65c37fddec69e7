package imapsync

import (
	"time"

	"github.com/matheus3301/mailchat/internal/identity"
	"github.com/matheus3301/mailchat/internal/store"
)

// storeIndex adapts the message table to the identity engine's lookup
// surface. It reads committed rows only; in-batch repeats are caught by the
// machine's per-batch seen set.
type storeIndex struct {
	db *store.DB
}

// NewIndex returns a store-backed dedup index.
func NewIndex(db *store.DB) identity.Index {
	return &storeIndex{db: db}
}

func (s *storeIndex) ByMessageID(messageID string) ([]identity.Known, error) {
	msgs, err := s.db.MessagesByMessageID(messageID)
	if err != nil {
		return nil, err
	}
	known := make([]identity.Known, 0, len(msgs))
	for _, m := range msgs {
		known = append(known, identity.Known{RowID: m.ID, MessageID: m.MessageID, ContentHash: m.ContentHash})
	}
	return known, nil
}

func (s *storeIndex) ByContentHash(hash string, since time.Time) (*identity.Known, error) {
	m, err := s.db.MessageByContentHash(hash, since.UnixMilli())
	if err != nil || m == nil {
		return nil, err
	}
	return &identity.Known{RowID: m.ID, MessageID: m.MessageID, ContentHash: m.ContentHash}, nil
}
