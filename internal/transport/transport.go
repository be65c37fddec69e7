// Package transport abstracts the IMAP and SMTP wire clients behind narrow
// fallible operations. Every failure here is retryable: the scheduler decides
// backoff, the session decides reconnection.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a UID no longer exists in a folder (expunged
// between the UID scan and the body fetch).
var ErrNotFound = errors.New("message not found")

// Error wraps a transport failure with the operation that produced it.
// Timeouts are indistinguishable from other transport failures on purpose:
// both take the retry path.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Mailbox is the receive side: an IMAP mailbox scanned incrementally by the
// folder sync state machine.
type Mailbox interface {
	ListFolders(ctx context.Context) ([]string, error)
	// UIDValidity returns the folder's generation counter. A change
	// invalidates every previously seen UID in the folder.
	UIDValidity(ctx context.Context, folder string) (uint32, error)
	// FetchUIDsSince returns all UIDs strictly greater than lastUID, in
	// ascending order.
	FetchUIDsSince(ctx context.Context, folder string, lastUID uint32) ([]uint32, error)
	// FetchBody returns the raw RFC 5322 bytes for a UID, or ErrNotFound.
	FetchBody(ctx context.Context, folder string, uid uint32) ([]byte, error)
	Move(ctx context.Context, folder string, uid uint32, dest string) error
	Close() error
}

// Sender is the send side: raw MIME handed to SMTP.
type Sender interface {
	Send(ctx context.Context, from string, recipients []string, raw []byte) error
}
