package store

// JobKind enumerates the closed set of job kinds the scheduler dispatches.
type JobKind string

const (
	JobFetchFolder JobKind = "fetch_folder"
	JobSendMessage JobKind = "send_message"
	JobMoveMessage JobKind = "move_message"
)

// JobStatus is the lifecycle state of a persisted job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobDone      JobStatus = "done"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job is a persisted unit of network-touching work. Jobs survive process
// restart; at most one running instance exists per id and per resource.
type Job struct {
	ID           string
	Kind         JobKind
	Payload      []byte // kind-specific JSON
	Resource     string // serialization key: folder name or outbox slot
	Priority     int
	AttemptCount int
	NotBefore    int64 // unix ms; earliest time the next attempt may start
	Status       JobStatus
	LastError    string
}

// FolderCursor is the persisted bookmark for an IMAP folder. A uid_validity
// change invalidates last_seen_uid and forces a full rescan.
type FolderCursor struct {
	Folder      string
	LastSeenUID uint32
	UIDValidity uint32
}

// Encryption is the encryption state recorded on a message.
type Encryption string

const (
	EncryptionPlain         Encryption = "plain"
	EncryptionOpportunistic Encryption = "encrypted"
	EncryptionVerified      Encryption = "encrypted_verified"
)

// Chat groups messages by their normalized participant address set.
// Chats are created lazily and never deleted, only archived or muted.
type Chat struct {
	ID                 int64
	Grouping           string // sorted, comma-joined lowercase participant addresses
	Name               string
	IsGroup            bool
	Archived           bool
	Muted              bool
	LastMessageAt      int64
	LastMessagePreview string
}

// Contact is a correspondent harvested from message address headers.
type Contact struct {
	Addr     string
	Name     string
	LastSeen int64
}

// Message is a materialized chat message. Immutable once created except for
// the state flag.
type Message struct {
	ID            int64
	ChatID        int64
	MessageID     string // RFC 5322 Message-ID; may be empty for broken mail
	ContentHash   string // fallback dedup key over normalized headers+body
	Folder        string
	UID           uint32
	Sender        string
	TimestampSort int64 // device-independent ordering key, unix ms
	Encryption    Encryption
	State         string // fresh, seen
	IsChat        bool   // carried a Chat-Version header
	Malformed     bool   // stored as a placeholder for an unparseable body
	Body          string
}

// PeerState is the per-correspondent encryption readiness record.
type PeerState struct {
	Addr            string
	PublicKey       string // base64 Curve25519 public key
	LastSeen        int64  // unix ms of the newest header carrying this key
	LastAdvertMsgID string // Message-ID of that header, for tie-breaking
	Verified        bool
	GossipSources   []string // peers who vouched for this key via gossip
}

// OutboxEntry is a queued outgoing message drained by send jobs.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	ChatID       int64
	Recipients   []string
	Subject      string
	Body         string
	Status       string // queued, sending, sent, failed
	ErrorMessage string
}

// IdentityKey is this account's own keypair, generated on first run.
type IdentityKey struct {
	Addr       string
	PublicKey  string // base64
	PrivateKey string // base64
}
