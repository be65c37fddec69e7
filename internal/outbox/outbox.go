// Package outbox queues outbound chat messages and drains them through SMTP
// send jobs. Sends survive restarts: the queue entry and the job live in the
// store, and every step is idempotent so a retried job never double-sends a
// message that already left.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/mailchat/internal/bus"
	"github.com/matheus3301/mailchat/internal/identity"
	"github.com/matheus3301/mailchat/internal/mailmime"
	"github.com/matheus3301/mailchat/internal/scheduler"
	"github.com/matheus3301/mailchat/internal/store"
	"github.com/matheus3301/mailchat/internal/transport"
	"github.com/matheus3301/mailchat/internal/trust"
)

// jobQueue is the slice of the scheduler the outbox needs.
type jobQueue interface {
	Enqueue(kind store.JobKind, payload any, resource string, priority int) (string, error)
}

// Service owns the send pipeline for one account.
type Service struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	trust  *trust.Engine
	sender transport.Sender
	jobs   jobQueue

	selfAddr string
	selfName string
	keys     *trust.Keypair

	now func() time.Time
}

// New creates the outbox service. Jobs must be wired afterwards via SetQueue
// because the scheduler's dispatcher needs the service first.
func New(db *store.DB, b *bus.Bus, logger *zap.Logger, trustEngine *trust.Engine, sender transport.Sender, selfAddr, selfName string, keys *trust.Keypair) *Service {
	return &Service{
		db:       db,
		bus:      b,
		logger:   logger,
		trust:    trustEngine,
		sender:   sender,
		selfAddr: strings.ToLower(selfAddr),
		selfName: selfName,
		keys:     keys,
		now:      time.Now,
	}
}

// SetQueue attaches the job queue. Must be called before QueueMessage.
func (s *Service) SetQueue(q jobQueue) { s.jobs = q }

// QueueMessage persists an outbound message for a chat and schedules its
// send. Returns the client message id, the handle for tracking the send.
func (s *Service) QueueMessage(chatID int64, text string) (string, error) {
	chat, err := s.db.GetChat(chatID)
	if err != nil {
		return "", fmt.Errorf("load chat: %w", err)
	}
	if chat == nil {
		return "", fmt.Errorf("chat %d does not exist", chatID)
	}

	recipients := s.recipientsOf(chat)
	if len(recipients) == 0 {
		return "", fmt.Errorf("chat %d has no recipients besides this account", chatID)
	}

	clientMsgID := uuid.NewString()
	entry := &store.OutboxEntry{
		ClientMsgID: clientMsgID,
		ChatID:      chatID,
		Recipients:  recipients,
		Subject:     s.subjectOf(chat),
		Body:        text,
	}
	if err := s.db.QueueOutbox(entry); err != nil {
		return "", fmt.Errorf("queue outbox: %w", err)
	}

	if _, err := s.jobs.Enqueue(store.JobSendMessage,
		scheduler.SendMessagePayload{ClientMsgID: clientMsgID},
		scheduler.OutboxResource, 0); err != nil {
		return "", fmt.Errorf("enqueue send: %w", err)
	}
	return clientMsgID, nil
}

// SendJob executes one send attempt. Safe to re-run: an entry already sent
// is a no-op, and an entry stuck in sending from a crash is retried.
func (s *Service) SendJob(ctx context.Context, clientMsgID string) error {
	entry, err := s.db.GetOutbox(clientMsgID)
	if err != nil {
		return fmt.Errorf("load outbox entry: %w", err)
	}
	if entry == nil {
		return scheduler.Permanent(fmt.Errorf("outbox entry %s does not exist", clientMsgID))
	}
	if entry.Status == "sent" {
		return nil
	}
	if err := s.db.MarkOutboxSending(clientMsgID); err != nil {
		return fmt.Errorf("mark sending: %w", err)
	}

	decision, err := s.trust.Decide(entry.Recipients)
	if err != nil {
		return fmt.Errorf("encrypt decision: %w", err)
	}

	out, err := s.render(entry, decision)
	if err != nil {
		// A message that cannot be rendered will never render; do not
		// burn retries on it.
		return scheduler.Permanent(err)
	}

	raw, err := mailmime.Build(out)
	if err != nil {
		return scheduler.Permanent(fmt.Errorf("render message: %w", err))
	}

	if err := s.sender.Send(ctx, s.selfAddr, entry.Recipients, raw); err != nil {
		if reqErr := s.db.RequeueOutbox(clientMsgID, err.Error()); reqErr != nil {
			s.logger.Error("requeue outbox entry", zap.Error(reqErr), zap.String("client_msg_id", clientMsgID))
		}
		return err
	}

	return s.recordSent(entry, out, decision)
}

// HandleExhausted is the scheduler failure hook: a send job out of retries
// marks its outbox entry failed so the user sees the broken send.
func (s *Service) HandleExhausted(job *store.Job, err error) {
	if job.Kind != store.JobSendMessage {
		return
	}
	var payload scheduler.SendMessagePayload
	if perr := unmarshalPayload(job.Payload, &payload); perr != nil {
		s.logger.Error("undecodable send job payload", zap.Error(perr), zap.String("job_id", job.ID))
		return
	}
	if dbErr := s.db.MarkOutboxFailed(payload.ClientMsgID, err.Error()); dbErr != nil {
		s.logger.Error("mark outbox failed", zap.Error(dbErr), zap.String("client_msg_id", payload.ClientMsgID))
	}
	s.bus.Publish(bus.Event{
		Kind:      bus.KindMessageSendFailed,
		Timestamp: s.now(),
		Payload:   bus.MessageRef{MessageID: payload.ClientMsgID},
	})
}

// render assembles the outgoing message per the encrypt decision. The own
// key advertisement rides on every message so plaintext peers can upgrade.
func (s *Service) render(entry *store.OutboxEntry, decision *trust.Decision) (*mailmime.Outgoing, error) {
	out := &mailmime.Outgoing{
		MessageID: s.messageID(entry.ClientMsgID),
		Subject:   entry.Subject,
		From:      mailmime.Address{Name: s.selfName, Addr: s.selfAddr},
		Date:      s.now().UTC(),
		Autocrypt: mailmime.FormatKeyAdvert(s.selfAddr, s.keys.Public[:]),
	}
	for _, addr := range entry.Recipients {
		out.To = append(out.To, mailmime.Address{Addr: addr})
	}

	if decision.Mode == trust.ModePlain {
		out.Text = entry.Body
		return out, nil
	}

	// Seal to the own key as well: the Sent-folder copy must stay readable
	// by this account, and a restored database has only the envelope.
	sealTo := make(map[string][32]byte, len(decision.RecipientKeys)+1)
	for addr, key := range decision.RecipientKeys {
		sealTo[addr] = key
	}
	sealTo[s.selfAddr] = s.keys.Public

	payload, err := trust.Encrypt([]byte(entry.Body), s.keys, sealTo)
	if err != nil {
		return nil, fmt.Errorf("encrypt message: %w", err)
	}
	out.EncryptedPayload = payload

	// Gossip the group's keys inside encrypted group mail so every member
	// can reach every other member encrypted.
	if len(entry.Recipients) > 1 {
		for addr, key := range decision.RecipientKeys {
			out.Gossip = append(out.Gossip, mailmime.FormatKeyAdvert(addr, key[:]))
		}
	}
	return out, nil
}

// recordSent materializes the sent message in its chat, in the same
// transaction that flips the outbox entry: either both land or the entry
// stays in sending and the retried job records them together.
func (s *Service) recordSent(entry *store.OutboxEntry, out *mailmime.Outgoing, decision *trust.Decision) error {
	now := s.now()

	// Hash the message exactly as the sync path will when the Sent-folder
	// copy comes back, so dedup absorbs it. Sync classifies before
	// decryption, so an encrypted copy hashes with an empty text body.
	hashText := entry.Body
	if len(out.EncryptedPayload) > 0 {
		hashText = ""
	}
	parsed := &mailmime.Message{
		MessageID: out.MessageID,
		Subject:   out.Subject,
		From:      out.From,
		To:        out.To,
		Date:      out.Date,
		Text:      hashText,
	}
	hash := identity.ContentHash(parsed)

	var rowID int64
	var inserted bool
	err := s.db.InTx(func(tx *sql.Tx) error {
		// A prior attempt that died between SMTP acceptance and here left
		// the entry in sending but may already have recorded the message
		// under this Message-ID. Do not record it twice.
		known, err := store.MessageIDKnownTx(tx, out.MessageID)
		if err != nil {
			return err
		}
		if !known {
			ts, err := sortTimestamp(tx, entry.ChatID, now)
			if err != nil {
				return err
			}
			rowID, err = store.InsertMessageTx(tx, &store.Message{
				ChatID:        entry.ChatID,
				MessageID:     out.MessageID,
				ContentHash:   hash,
				Sender:        s.selfAddr,
				TimestampSort: ts,
				Encryption:    decision.Mode.Encryption(),
				IsChat:        true,
				Body:          entry.Body,
			}, now.UnixMilli())
			if err != nil {
				return fmt.Errorf("insert sent message: %w", err)
			}
			if err := store.TouchChatTx(tx, entry.ChatID, ts, entry.Body, now.UnixMilli()); err != nil {
				return fmt.Errorf("touch chat: %w", err)
			}
			inserted = true
		}
		return store.MarkOutboxSentTx(tx, entry.ClientMsgID, now.UnixMilli())
	})
	if err != nil {
		return err
	}

	if inserted {
		s.bus.Publish(bus.Event{
			Kind:      bus.KindMessageNew,
			Timestamp: now,
			Payload:   bus.MessageRef{MessageID: out.MessageID, ChatID: entry.ChatID, RowID: rowID},
		})
	}
	s.bus.Publish(bus.Event{
		Kind:      bus.KindMessageStateChanged,
		Timestamp: now,
		Payload:   bus.MessageRef{MessageID: out.MessageID, ChatID: entry.ChatID, RowID: rowID},
	})
	return nil
}

// recipientsOf derives the recipient list from the chat's participant set,
// excluding this account. A note-to-self chat keeps the own address.
func (s *Service) recipientsOf(chat *store.Chat) []string {
	participants := strings.Split(chat.Grouping, ",")
	var out []string
	for _, addr := range participants {
		addr = strings.TrimSpace(addr)
		if addr == "" || addr == s.selfAddr {
			continue
		}
		out = append(out, addr)
	}
	if out == nil && len(participants) == 1 && participants[0] == s.selfAddr {
		out = []string{s.selfAddr}
	}
	return out
}

func (s *Service) subjectOf(chat *store.Chat) string {
	if chat.IsGroup {
		return chat.Name
	}
	return "Chat: " + s.selfAddr
}

// messageID builds the RFC 5322 Message-ID from the client message id and
// this account's domain, keeping the two ids correlated in logs.
func (s *Service) messageID(clientMsgID string) string {
	domain := s.selfAddr
	if i := strings.LastIndexByte(domain, '@'); i >= 0 {
		domain = domain[i+1:]
	}
	return clientMsgID + "@" + domain
}

func sortTimestamp(tx *sql.Tx, chatID int64, now time.Time) (int64, error) {
	ts := now.UnixMilli()
	last, err := store.LastSortTimestamp(tx, chatID)
	if err != nil {
		return 0, err
	}
	if ts <= last {
		ts = last + 1
	}
	return ts, nil
}

func unmarshalPayload(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}
