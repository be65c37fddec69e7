package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/mailchat/internal/bus"
	"github.com/matheus3301/mailchat/internal/config"
	"github.com/matheus3301/mailchat/internal/scheduler"
	"github.com/matheus3301/mailchat/internal/status"
	"github.com/matheus3301/mailchat/internal/store"
)

type recordingMailbox struct {
	moves []string
}

func (m *recordingMailbox) ListFolders(ctx context.Context) ([]string, error) { return nil, nil }
func (m *recordingMailbox) UIDValidity(ctx context.Context, folder string) (uint32, error) {
	return 0, nil
}
func (m *recordingMailbox) FetchUIDsSince(ctx context.Context, folder string, lastUID uint32) ([]uint32, error) {
	return nil, nil
}
func (m *recordingMailbox) FetchBody(ctx context.Context, folder string, uid uint32) ([]byte, error) {
	return nil, nil
}
func (m *recordingMailbox) Move(ctx context.Context, folder string, uid uint32, dest string) error {
	m.moves = append(m.moves, folder+"->"+dest)
	return nil
}
func (m *recordingMailbox) Close() error { return nil }

func TestDispatcherRoutesMoveJobs(t *testing.T) {
	mb := &recordingMailbox{}
	d := &dispatcher{mailbox: mb}

	err := d.Dispatch(context.Background(), &store.Job{
		Kind:    store.JobMoveMessage,
		Payload: []byte(`{"folder":"INBOX","uid":42,"dest":"Archive"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(mb.moves) != 1 || mb.moves[0] != "INBOX->Archive" {
		t.Errorf("moves = %v", mb.moves)
	}
}

func TestDispatcherUnknownKindIsPermanent(t *testing.T) {
	d := &dispatcher{}
	err := d.Dispatch(context.Background(), &store.Job{Kind: "explode", Payload: []byte(`{}`)})
	var perm *scheduler.PermanentError
	if !errors.As(err, &perm) {
		t.Errorf("err = %v, want permanent", err)
	}
}

func TestDispatcherBadPayloadIsPermanent(t *testing.T) {
	d := &dispatcher{}
	err := d.Dispatch(context.Background(), &store.Job{Kind: store.JobFetchFolder, Payload: []byte(`{`)})
	var perm *scheduler.PermanentError
	if !errors.As(err, &perm) {
		t.Errorf("err = %v, want permanent", err)
	}
}

func TestPollerEnqueuesOneFetchPerFolder(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	cfg := config.Default()
	cfg.Sync.Folders = []string{"INBOX", "Sent"}
	cfg.Sync.PollIntervalSecs = 3600

	logger := zap.NewNop()
	// Scheduler never started: jobs stay pending so we can count them.
	sched := scheduler.New(db, bus.New(), logger, nil, cfg.Jobs)
	p := newPoller(cfg, sched, logger)

	p.enqueueAll()
	p.enqueueAll() // second tick must not duplicate pending fetches

	for _, folder := range cfg.Sync.Folders {
		job, err := db.ClaimJob(time.Now().UnixMilli())
		if err != nil {
			t.Fatal(err)
		}
		if job == nil {
			t.Fatalf("no pending job for folder %s", folder)
		}
		if job.Kind != store.JobFetchFolder {
			t.Errorf("job kind = %q", job.Kind)
		}
	}
	extra, err := db.ClaimJob(time.Now().UnixMilli())
	if err != nil {
		t.Fatal(err)
	}
	if extra != nil {
		t.Errorf("unexpected extra job %s for resource %s", extra.ID, extra.Resource)
	}
}

func TestStatusWatcherDegradesAndRecovers(t *testing.T) {
	b := bus.New()
	m := status.NewMachine(b)
	if err := m.Transition(status.Migrating); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(status.Syncing); err != nil {
		t.Fatal(err)
	}

	w := newStatusWatcher(m, b)
	w.Start()
	defer w.Stop()

	b.Publish(bus.Event{Kind: bus.KindSyncError, Payload: bus.SyncNotice{Folder: "INBOX", Reason: "dial tcp: refused"}})
	waitState(t, m, status.Degraded)

	b.Publish(bus.Event{Kind: bus.KindSyncStateChanged, Payload: bus.SyncNotice{Folder: "INBOX", Reason: "idle"}})
	waitState(t, m, status.Ready)
}

func waitState(t *testing.T, m *status.Machine, want status.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Current() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.Current(), want)
}
