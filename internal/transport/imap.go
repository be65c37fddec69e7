package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"go.uber.org/zap"

	"github.com/matheus3301/mailchat/internal/config"
)

// IMAPSession implements Mailbox over a single IMAP connection. On any
// failure the connection is dropped and the next call redials, so
// reconnection rides the scheduler's retry path. One connection carries one
// command stream with one selected folder, so calls are serialized: several
// scheduler workers may share a session, and an interleaved Select would
// hand one worker's UIDs to another worker's folder.
type IMAPSession struct {
	ep     config.Endpoint
	logger *zap.Logger

	mu       sync.Mutex
	client   *imapclient.Client
	selected string
}

// NewIMAPSession creates a session. No connection is made until first use.
func NewIMAPSession(ep config.Endpoint, logger *zap.Logger) *IMAPSession {
	return &IMAPSession{ep: ep, logger: logger}
}

func (s *IMAPSession) connect() error {
	if s.client != nil {
		return nil
	}

	var client *imapclient.Client
	var err error
	if s.ep.TLS {
		client, err = imapclient.DialTLS(s.ep.Addr(), nil)
	} else {
		client, err = imapclient.DialStartTLS(s.ep.Addr(), nil)
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.ep.Addr(), err)
	}

	if err := client.Login(s.ep.Username, s.ep.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return fmt.Errorf("login %s: %w", s.ep.Username, err)
	}

	s.client = client
	s.selected = ""
	s.logger.Info("imap session established", zap.String("server", s.ep.Addr()))
	return nil
}

// drop discards the connection so the next call redials.
func (s *IMAPSession) drop() {
	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
		s.selected = ""
	}
}

func (s *IMAPSession) fail(op string, err error) error {
	s.drop()
	return &Error{Op: op, Err: err}
}

func (s *IMAPSession) selectFolder(folder string) (*imap.SelectData, error) {
	data, err := s.client.Select(folder, nil).Wait()
	if err != nil {
		return nil, err
	}
	s.selected = folder
	return data, nil
}

// ListFolders returns all folder names on the server.
func (s *IMAPSession) ListFolders(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.connect(); err != nil {
		return nil, s.fail("list folders", err)
	}

	mailboxes, err := s.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, s.fail("list folders", err)
	}
	var names []string
	for _, mb := range mailboxes {
		names = append(names, mb.Mailbox)
	}
	return names, nil
}

// UIDValidity selects the folder and returns its generation counter.
func (s *IMAPSession) UIDValidity(ctx context.Context, folder string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.connect(); err != nil {
		return 0, s.fail("uid validity", err)
	}

	data, err := s.selectFolder(folder)
	if err != nil {
		return 0, s.fail("uid validity", err)
	}
	return data.UIDValidity, nil
}

// FetchUIDsSince returns UIDs strictly above lastUID in ascending order.
func (s *IMAPSession) FetchUIDsSince(ctx context.Context, folder string, lastUID uint32) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.connect(); err != nil {
		return nil, s.fail("fetch uids", err)
	}
	if s.selected != folder {
		if _, err := s.selectFolder(folder); err != nil {
			return nil, s.fail("fetch uids", err)
		}
	}

	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{{imap.UIDRange{Start: imap.UID(lastUID + 1), Stop: 0}}},
	}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, s.fail("fetch uids", err)
	}

	var uids []uint32
	for _, uid := range data.AllUIDs() {
		if uint32(uid) > lastUID {
			uids = append(uids, uint32(uid))
		}
	}
	// Ascending order lets a partial batch failure still advance the cursor
	// monotonically over the committed prefix.
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// FetchBody returns the raw message bytes for a UID.
func (s *IMAPSession) FetchBody(ctx context.Context, folder string, uid uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.connect(); err != nil {
		return nil, s.fail("fetch body", err)
	}
	if s.selected != folder {
		if _, err := s.selectFolder(folder); err != nil {
			return nil, s.fail("fetch body", err)
		}
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := s.client.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})

	msg := fetchCmd.Next()
	if msg == nil {
		_ = fetchCmd.Close()
		return nil, ErrNotFound
	}
	buf, err := msg.Collect()
	if err != nil {
		_ = fetchCmd.Close()
		return nil, s.fail("fetch body", err)
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, s.fail("fetch body", err)
	}

	raw := buf.FindBodySection(bodySection)
	if raw == nil {
		return nil, ErrNotFound
	}
	return raw, nil
}

// Move relocates a message to another folder.
func (s *IMAPSession) Move(ctx context.Context, folder string, uid uint32, dest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.connect(); err != nil {
		return s.fail("move", err)
	}
	if s.selected != folder {
		if _, err := s.selectFolder(folder); err != nil {
			return s.fail("move", err)
		}
	}

	if _, err := s.client.Move(imap.UIDSetNum(imap.UID(uid)), dest).Wait(); err != nil {
		return s.fail("move", err)
	}
	return nil
}

// Close logs out and drops the connection.
func (s *IMAPSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil
	}
	err := s.client.Logout().Wait()
	s.client = nil
	s.selected = ""
	return err
}
