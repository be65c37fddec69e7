package bus

import "time"

// Event kinds published by the core engines. Subscribers filter by
// namespace prefix, e.g. "message." or "sync.".
const (
	KindMessageNew          = "message.new"
	KindMessageStateChanged = "message.state_changed"
	KindMessageSendFailed   = "message.send_failed"
	KindPeerTrustChanged    = "peer.trust_changed"
	KindSyncStateChanged    = "sync.state_changed"
	KindSyncIntegrity       = "sync.integrity"
	KindSyncError           = "sync.error"
	KindJobFailed           = "job.failed"
	KindDaemonStatus        = "daemon.status_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// MessageRef identifies a stored message in event payloads.
type MessageRef struct {
	MessageID string
	ChatID    int64
	RowID     int64
}

// TrustChange is the payload for peer.trust_changed events.
type TrustChange struct {
	Addr     string
	From     string
	To       string
	Security string // non-empty when the change is security relevant (key rotation after verification)
}

// SyncNotice is the payload for sync.integrity and sync.error events.
type SyncNotice struct {
	Folder string
	Reason string
}

// JobFailure is the payload for job.failed events.
type JobFailure struct {
	JobID string
	Kind  string
	Error string
}
