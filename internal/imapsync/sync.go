// Package imapsync walks IMAP folders incrementally and materializes chat
// messages. Each folder sync is one pass of a small state machine: validate
// the folder generation, scan new UIDs, fetch bodies in batches, and commit
// each batch atomically together with the advanced cursor.
package imapsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/mailchat/internal/bus"
	"github.com/matheus3301/mailchat/internal/config"
	"github.com/matheus3301/mailchat/internal/identity"
	"github.com/matheus3301/mailchat/internal/mailmime"
	"github.com/matheus3301/mailchat/internal/scheduler"
	"github.com/matheus3301/mailchat/internal/store"
	"github.com/matheus3301/mailchat/internal/transport"
	"github.com/matheus3301/mailchat/internal/trust"
)

// Phase is the observable position of a folder sync pass.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseCheckingFolder Phase = "checking_folder"
	PhaseScanningUIDs   Phase = "scanning_uids"
	PhaseFetchingBodies Phase = "fetching_bodies"
	PhaseCommitting     Phase = "committing"
)

// clockSkewTolerance bounds how far into the future a sender-supplied Date
// may push the sort timestamp.
const clockSkewTolerance = 10 * time.Minute

// malformedGrouping is the hidden chat collecting placeholder rows for mail
// whose headers could not be parsed at all.
const malformedGrouping = "unparseable"

// Machine runs folder sync passes. Safe for use from multiple scheduler
// workers: the scheduler already serializes passes per folder, and all shared
// state lives in the store.
type Machine struct {
	db       *store.DB
	bus      *bus.Bus
	logger   *zap.Logger
	identity *identity.Engine
	trust    *trust.Engine
	jobs     jobQueue

	selfAddr string
	keys     *trust.Keypair

	batchSize  int
	moveFolder string
	now        func() time.Time
}

// jobQueue is the slice of the scheduler the machine needs to schedule
// follow-up message moves.
type jobQueue interface {
	Enqueue(kind store.JobKind, payload any, resource string, priority int) (string, error)
}

// New creates a sync machine for one account.
func New(db *store.DB, b *bus.Bus, logger *zap.Logger, trustEngine *trust.Engine, selfAddr string, keys *trust.Keypair, sync config.SyncConfig) *Machine {
	return &Machine{
		db:         db,
		bus:        b,
		logger:     logger,
		identity:   identity.NewEngine(NewIndex(db), sync.DedupWindow()),
		trust:      trustEngine,
		selfAddr:   strings.ToLower(selfAddr),
		keys:       keys,
		batchSize:  sync.BatchSize,
		moveFolder: sync.MoveFolder,
		now:        time.Now,
	}
}

// SetQueue attaches the job queue used to schedule chat-folder moves. Left
// unset, ingested messages stay where they arrived.
func (m *Machine) SetQueue(q jobQueue) { m.jobs = q }

// SyncFolder runs one full pass over a folder. Transport errors abort the
// pass after the batches already committed; the cursor only ever covers
// committed messages, so the retried pass resumes where this one stopped.
func (m *Machine) SyncFolder(ctx context.Context, mb transport.Mailbox, folder string) error {
	if err := m.syncFolder(ctx, mb, folder); err != nil {
		// Idle first, error second: status watchers treat the error as the
		// pass's final word.
		m.setPhase(folder, PhaseIdle)
		m.publish(bus.KindSyncError, bus.SyncNotice{Folder: folder, Reason: err.Error()})
		return err
	}
	m.setPhase(folder, PhaseIdle)
	return nil
}

func (m *Machine) syncFolder(ctx context.Context, mb transport.Mailbox, folder string) error {
	m.setPhase(folder, PhaseCheckingFolder)
	validity, err := mb.UIDValidity(ctx, folder)
	if err != nil {
		return err
	}

	cursor, err := m.db.GetCursor(folder)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	if cursor.UIDValidity != 0 && cursor.UIDValidity != validity {
		// Server reassigned UIDs wholesale. Every remembered UID is now
		// meaningless, so rescan from the beginning. Dedup absorbs the
		// refetched messages.
		m.logger.Warn("uid validity changed, rescanning folder",
			zap.String("folder", folder),
			zap.Uint32("old", cursor.UIDValidity),
			zap.Uint32("new", validity))
		m.publish(bus.KindSyncIntegrity, bus.SyncNotice{
			Folder: folder,
			Reason: fmt.Sprintf("uid validity changed from %d to %d, rescanning", cursor.UIDValidity, validity),
		})
		cursor.LastSeenUID = 0
	}
	cursor.UIDValidity = validity

	m.setPhase(folder, PhaseScanningUIDs)
	uids, err := mb.FetchUIDsSince(ctx, folder, cursor.LastSeenUID)
	if err != nil {
		return err
	}

	if len(uids) == 0 {
		// Nothing new, but the validity observation still needs persisting
		// on first contact with a folder.
		return m.db.InTx(func(tx *sql.Tx) error {
			return store.UpsertCursorTx(tx, cursor, m.now().UnixMilli())
		})
	}

	for start := 0; start < len(uids); start += m.batchSize {
		end := start + m.batchSize
		if end > len(uids) {
			end = len(uids)
		}
		if err := m.syncBatch(ctx, mb, folder, cursor, uids[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// fetched pairs a UID with its raw body. body is nil when the message was
// expunged between the scan and the fetch.
type fetched struct {
	uid  uint32
	body []byte
}

func (m *Machine) syncBatch(ctx context.Context, mb transport.Mailbox, folder string, cursor *store.FolderCursor, uids []uint32) error {
	m.setPhase(folder, PhaseFetchingBodies)
	batch := make([]fetched, 0, len(uids))
	for _, uid := range uids {
		body, err := mb.FetchBody(ctx, folder, uid)
		if errors.Is(err, transport.ErrNotFound) {
			// Expunged after the scan. The UID is gone; the cursor may
			// still advance past it.
			m.logger.Debug("message expunged before fetch",
				zap.String("folder", folder), zap.Uint32("uid", uid))
			batch = append(batch, fetched{uid: uid})
			continue
		}
		if err != nil {
			return err
		}
		batch = append(batch, fetched{uid: uid, body: body})
	}

	m.setPhase(folder, PhaseCommitting)
	return m.commitBatch(folder, cursor, batch)
}

// commitBatch classifies the batch and persists every resulting row plus the
// advanced cursor in a single transaction, then publishes the buffered
// events. A crash before commit re-fetches the whole batch; dedup makes the
// replay invisible.
func (m *Machine) commitBatch(folder string, cursor *store.FolderCursor, batch []fetched) error {
	now := m.now()

	// Classification reads committed state only, so two copies of one
	// message inside the same batch must be caught here.
	seen := make(map[string]bool)

	var events []bus.Event
	var moves []uint32
	err := m.db.InTx(func(tx *sql.Tx) error {
		events = events[:0]
		moves = moves[:0]
		highest := cursor.LastSeenUID

		for _, f := range batch {
			if f.uid > highest {
				highest = f.uid
			}
			if f.body == nil {
				continue
			}

			msg, parseErr := mailmime.Parse(f.body)
			res, err := m.identity.Classify(msg, f.body, parseErr)
			if err != nil {
				return fmt.Errorf("classify uid %d: %w", f.uid, err)
			}

			key := classifyKey(msg, res)
			if res.Kind == identity.KindDuplicate || seen[key] {
				m.logger.Debug("duplicate message absorbed",
					zap.String("folder", folder), zap.Uint32("uid", f.uid))
				continue
			}
			seen[key] = true

			if res.Anomaly {
				m.logger.Warn("message integrity anomaly",
					zap.String("folder", folder),
					zap.Uint32("uid", f.uid),
					zap.String("message_id", msg.MessageID),
					zap.String("reason", res.Reason))
				events = append(events, bus.Event{
					Kind:      bus.KindSyncIntegrity,
					Timestamp: now,
					Payload:   bus.SyncNotice{Folder: folder, Reason: res.Reason},
				})
			}

			var evts []bus.Event
			var err2 error
			if res.Kind == identity.KindMalformed {
				evts, err2 = m.commitMalformed(tx, folder, f, res, now)
			} else {
				evts, err2 = m.commitMessage(tx, folder, f, msg, res, now)
				if err2 == nil && m.shouldMove(folder, msg) {
					moves = append(moves, f.uid)
				}
			}
			if err2 != nil {
				return err2
			}
			events = append(events, evts...)
		}

		cursor.LastSeenUID = highest
		return store.UpsertCursorTx(tx, cursor, now.UnixMilli())
	})
	if err != nil {
		return err
	}

	for _, evt := range events {
		m.bus.Publish(evt)
	}
	m.enqueueMoves(folder, moves)
	return nil
}

// shouldMove reports whether an ingested message belongs in the dedicated
// chat folder rather than where it arrived.
func (m *Machine) shouldMove(folder string, msg *mailmime.Message) bool {
	return m.jobs != nil && m.moveFolder != "" && folder != m.moveFolder && msg.IsChat()
}

// enqueueMoves schedules one move job per ingested chat message, on the
// source folder's resource so moves never interleave with a fetch pass over
// the same folder. The rows keep their ingestion-time folder and UID; the
// moved copies dedup away when the chat folder is itself watched.
func (m *Machine) enqueueMoves(folder string, uids []uint32) {
	for _, uid := range uids {
		payload := scheduler.MoveMessagePayload{Folder: folder, UID: uid, Dest: m.moveFolder}
		if _, err := m.jobs.Enqueue(store.JobMoveMessage, payload, folder, 0); err != nil {
			// The message itself is committed; a lost move only leaves it
			// in its original folder.
			m.logger.Error("enqueue message move",
				zap.Error(err), zap.String("folder", folder), zap.Uint32("uid", uid))
		}
	}
}

// commitMessage persists one new, parseable message: contacts, chat, trust
// state and the message row itself.
func (m *Machine) commitMessage(tx *sql.Tx, folder string, f fetched, msg *mailmime.Message, res *identity.Result, now time.Time) ([]bus.Event, error) {
	var events []bus.Event

	participants := m.participants(msg)
	grouping := strings.Join(participants, ",")
	isGroup := len(participants) > 2

	chatID, err := store.EnsureChatTx(tx, grouping, m.chatName(msg, participants, isGroup), isGroup, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("ensure chat: %w", err)
	}

	if err := m.upsertContacts(tx, msg, now); err != nil {
		return nil, err
	}

	if change, err := m.applyAdverts(tx, msg); err != nil {
		return nil, err
	} else if change != nil {
		events = append(events, bus.Event{Kind: bus.KindPeerTrustChanged, Timestamp: now, Payload: *change})
	}

	body, encryption, senderVerified := msg.Text, store.EncryptionPlain, false
	if len(msg.EncryptedPayload) > 0 {
		plaintext, err := trust.Decrypt(msg.EncryptedPayload, m.selfAddr, m.keys)
		if err != nil {
			// Not a sync failure: record a placeholder so the UID stays
			// accounted for and the chat shows that something arrived.
			m.logger.Warn("cannot decrypt message",
				zap.String("folder", folder),
				zap.Uint32("uid", f.uid),
				zap.Error(err))
			body = "[message could not be decrypted]"
			encryption = store.EncryptionOpportunistic
		} else {
			body = string(plaintext)
			senderVerified, err = m.senderVerified(tx, msg)
			if err != nil {
				return nil, err
			}
			encryption = store.EncryptionOpportunistic
			if senderVerified {
				encryption = store.EncryptionVerified
			}
			// Gossip is only trustworthy inside an encrypted payload; a
			// plaintext gossip header could be forged by anyone.
			evts, err := m.applyGossip(tx, msg, now)
			if err != nil {
				return nil, err
			}
			events = append(events, evts...)
		}
	}

	ts, err := m.sortTimestamp(tx, chatID, msg.Date, now)
	if err != nil {
		return nil, err
	}

	rowID, err := store.InsertMessageTx(tx, &store.Message{
		ChatID:        chatID,
		MessageID:     msg.MessageID,
		ContentHash:   res.ContentHash,
		Folder:        folder,
		UID:           f.uid,
		Sender:        strings.ToLower(msg.From.Addr),
		TimestampSort: ts,
		Encryption:    encryption,
		IsChat:        msg.IsChat(),
		Body:          body,
	}, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if err := store.TouchChatTx(tx, chatID, ts, preview(body), now.UnixMilli()); err != nil {
		return nil, fmt.Errorf("touch chat: %w", err)
	}

	events = append(events, bus.Event{
		Kind:      bus.KindMessageNew,
		Timestamp: now,
		Payload:   bus.MessageRef{MessageID: msg.MessageID, ChatID: chatID, RowID: rowID},
	})
	return events, nil
}

// commitMalformed stores a placeholder row for an unparseable body. The UID
// must never be silently skipped, or the cursor would lie about coverage.
func (m *Machine) commitMalformed(tx *sql.Tx, folder string, f fetched, res *identity.Result, now time.Time) ([]bus.Event, error) {
	chatID, err := store.EnsureChatTx(tx, malformedGrouping, "Unreadable mail", false, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("ensure malformed chat: %w", err)
	}

	ts, err := m.sortTimestamp(tx, chatID, now, now)
	if err != nil {
		return nil, err
	}

	rowID, err := store.InsertMessageTx(tx, &store.Message{
		ChatID:        chatID,
		ContentHash:   res.ContentHash,
		Folder:        folder,
		UID:           f.uid,
		TimestampSort: ts,
		Encryption:    store.EncryptionPlain,
		Malformed:     true,
		Body:          res.Reason,
	}, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("insert malformed placeholder: %w", err)
	}

	m.logger.Warn("stored placeholder for unparseable message",
		zap.String("folder", folder),
		zap.Uint32("uid", f.uid),
		zap.String("reason", res.Reason))

	return []bus.Event{{
		Kind:      bus.KindSyncIntegrity,
		Timestamp: now,
		Payload:   bus.SyncNotice{Folder: folder, Reason: fmt.Sprintf("unparseable message at uid %d", f.uid)},
	}, {
		Kind:      bus.KindMessageNew,
		Timestamp: now,
		Payload:   bus.MessageRef{ChatID: chatID, RowID: rowID},
	}}, nil
}

// participants returns the sorted, deduplicated lowercase address set that
// identifies the chat. The sender is always included, so replies from any
// member land in the same chat.
func (m *Machine) participants(msg *mailmime.Message) []string {
	set := map[string]bool{}
	if msg.From.Addr != "" {
		set[strings.ToLower(msg.From.Addr)] = true
	}
	for _, addr := range msg.Recipients() {
		set[addr] = true
	}
	out := make([]string, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// chatName picks a display name: the peer's address for a 1:1 chat, the
// subject for a group.
func (m *Machine) chatName(msg *mailmime.Message, participants []string, isGroup bool) string {
	if isGroup {
		if msg.Subject != "" {
			return msg.Subject
		}
		return strings.Join(participants, ", ")
	}
	for _, addr := range participants {
		if addr != m.selfAddr {
			return addr
		}
	}
	// A note-to-self chat has only one participant.
	return m.selfAddr
}

func (m *Machine) upsertContacts(tx *sql.Tx, msg *mailmime.Message, now time.Time) error {
	all := append([]mailmime.Address{msg.From}, append(msg.To, msg.Cc...)...)
	for _, a := range all {
		if a.Addr == "" {
			continue
		}
		c := &store.Contact{Addr: strings.ToLower(a.Addr), Name: a.Name}
		if err := store.UpsertContactTx(tx, c, now.UnixMilli()); err != nil {
			return fmt.Errorf("upsert contact %s: %w", c.Addr, err)
		}
	}
	return nil
}

// applyAdverts folds the sender's own key advertisement into trust state. An
// advert claiming an address other than the From address is ignored: it
// proves nothing about its claimed owner.
func (m *Machine) applyAdverts(tx *sql.Tx, msg *mailmime.Message) (*bus.TrustChange, error) {
	if msg.Autocrypt == nil {
		return nil, nil
	}
	from := strings.ToLower(msg.From.Addr)
	if !strings.EqualFold(msg.Autocrypt.Addr, from) {
		m.logger.Warn("key advertisement addr does not match sender, ignoring",
			zap.String("advert_addr", msg.Autocrypt.Addr),
			zap.String("from", from))
		return nil, nil
	}
	return m.trust.ApplyAdvertTx(tx, trust.Advert{
		Addr:          from,
		KeyData:       msg.Autocrypt.KeyData,
		EffectiveTime: msg.Date,
		MessageID:     msg.MessageID,
	})
}

func (m *Machine) applyGossip(tx *sql.Tx, msg *mailmime.Message, now time.Time) ([]bus.Event, error) {
	var events []bus.Event
	from := strings.ToLower(msg.From.Addr)
	for _, g := range msg.Gossip {
		change, err := m.trust.ApplyAdvertTx(tx, trust.Advert{
			Addr:          strings.ToLower(g.Addr),
			KeyData:       g.KeyData,
			EffectiveTime: msg.Date,
			MessageID:     msg.MessageID,
			GossipFrom:    from,
		})
		if err != nil {
			return nil, err
		}
		if change != nil {
			events = append(events, bus.Event{Kind: bus.KindPeerTrustChanged, Timestamp: now, Payload: *change})
		}
	}
	return events, nil
}

func (m *Machine) senderVerified(tx *sql.Tx, msg *mailmime.Message) (bool, error) {
	ps, err := store.GetPeerStateTx(tx, strings.ToLower(msg.From.Addr))
	if err != nil {
		return false, err
	}
	return trust.StateOf(ps) == trust.StateVerified, nil
}

// sortTimestamp derives the ordering key: the sender's Date, clamped against
// clock skew, and bumped to stay strictly increasing within the chat so
// arrival order breaks Date ties.
func (m *Machine) sortTimestamp(tx *sql.Tx, chatID int64, date, now time.Time) (int64, error) {
	ts := date.UnixMilli()
	if date.IsZero() {
		ts = now.UnixMilli()
	}
	if max := now.Add(clockSkewTolerance).UnixMilli(); ts > max {
		ts = max
	}
	last, err := store.LastSortTimestamp(tx, chatID)
	if err != nil {
		return 0, fmt.Errorf("last sort timestamp: %w", err)
	}
	if ts <= last {
		ts = last + 1
	}
	return ts, nil
}

func (m *Machine) setPhase(folder string, p Phase) {
	m.publish(bus.KindSyncStateChanged, bus.SyncNotice{Folder: folder, Reason: string(p)})
}

func (m *Machine) publish(kind string, payload any) {
	m.bus.Publish(bus.Event{Kind: kind, Timestamp: m.now(), Payload: payload})
}

func classifyKey(msg *mailmime.Message, res *identity.Result) string {
	if msg != nil && identity.WellFormedMessageID(msg.MessageID) {
		return msg.MessageID + "\x00" + res.ContentHash
	}
	return res.ContentHash
}

func preview(body string) string {
	body = strings.TrimSpace(body)
	if i := strings.IndexByte(body, '\n'); i >= 0 {
		body = body[:i]
	}
	if len(body) > 120 {
		body = body[:120]
	}
	return body
}
