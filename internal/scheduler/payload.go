package scheduler

// FetchFolderPayload drives a fetch_folder job. The folder name doubles as
// the job's resource so syncs of the same folder never overlap.
type FetchFolderPayload struct {
	Folder string `json:"folder"`
}

// SendMessagePayload drives a send_message job, referencing an outbox row.
type SendMessagePayload struct {
	ClientMsgID string `json:"client_msg_id"`
}

// MoveMessagePayload drives a move_message job.
type MoveMessagePayload struct {
	Folder string `json:"folder"`
	UID    uint32 `json:"uid"`
	Dest   string `json:"dest"`
}

// OutboxResource is the resource name serializing all outbound sends.
const OutboxResource = "outbox"
