package daemon

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/matheus3301/mailchat/internal/imapsync"
	"github.com/matheus3301/mailchat/internal/outbox"
	"github.com/matheus3301/mailchat/internal/scheduler"
	"github.com/matheus3301/mailchat/internal/store"
	"github.com/matheus3301/mailchat/internal/transport"
)

// dispatcher maps job kinds to the engines that execute them.
type dispatcher struct {
	mailbox transport.Mailbox
	sync    *imapsync.Machine
	outbox  *outbox.Service
}

func (d *dispatcher) Dispatch(ctx context.Context, job *store.Job) error {
	switch job.Kind {
	case store.JobFetchFolder:
		var p scheduler.FetchFolderPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return scheduler.Permanent(fmt.Errorf("decode fetch payload: %w", err))
		}
		return d.sync.SyncFolder(ctx, d.mailbox, p.Folder)

	case store.JobSendMessage:
		var p scheduler.SendMessagePayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return scheduler.Permanent(fmt.Errorf("decode send payload: %w", err))
		}
		return d.outbox.SendJob(ctx, p.ClientMsgID)

	case store.JobMoveMessage:
		var p scheduler.MoveMessagePayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return scheduler.Permanent(fmt.Errorf("decode move payload: %w", err))
		}
		return d.mailbox.Move(ctx, p.Folder, p.UID, p.Dest)

	default:
		return scheduler.Permanent(fmt.Errorf("unknown job kind %q", job.Kind))
	}
}
