package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/mailchat/internal/bus"
	"github.com/matheus3301/mailchat/internal/config"
	"github.com/matheus3301/mailchat/internal/store"
)

type dispatchFunc func(ctx context.Context, job *store.Job) error

func (f dispatchFunc) Dispatch(ctx context.Context, job *store.Job) error { return f(ctx, job) }

func testPolicy() config.JobsConfig {
	return config.JobsConfig{
		Workers:     2,
		MaxAttempts: 3,
		// Zero delays keep retries immediate so tests stay fast.
		BaseDelaySecs:  0,
		MaxDelaySecs:   1,
		JitterFraction: 0,
	}
}

func testScheduler(t *testing.T, d Dispatcher, policy config.JobsConfig) (*Scheduler, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	s := New(db, bus.New(), zap.NewNop(), d, policy)
	return s, db
}

func waitStatus(t *testing.T, db *store.DB, id string, want store.JobStatus) *store.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := db.GetJob(id)
		if err != nil {
			t.Fatal(err)
		}
		if job != nil && job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %q", id, want)
	return nil
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	noJitter := func() float64 { return 0.5 }

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tc := range cases {
		got := Backoff(time.Second, 30*time.Second, tc.attempt, 0.2, noJitter)
		if got != tc.want {
			t.Errorf("attempt %d: delay = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	for _, rnd := range []float64{0, 0.25, 0.75, 1} {
		r := rnd
		got := Backoff(time.Second, 30*time.Second, 2, 0.2, func() float64 { return r })
		lo := time.Duration(float64(4*time.Second) * 0.8)
		hi := time.Duration(float64(4*time.Second) * 1.2)
		if got < lo || got > hi {
			t.Errorf("rnd=%v: delay %v outside [%v, %v]", r, got, lo, hi)
		}
	}

	// Jitter never pushes past the cap.
	got := Backoff(time.Second, 30*time.Second, 6, 0.2, func() float64 { return 1 })
	if got > 30*time.Second {
		t.Errorf("delay %v exceeds cap", got)
	}
}

func TestSchedulerRunsJobToCompletion(t *testing.T) {
	var got atomic.Value
	d := dispatchFunc(func(ctx context.Context, job *store.Job) error {
		got.Store(string(job.Payload))
		return nil
	})
	s, db := testScheduler(t, d, testPolicy())
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	id, err := s.Enqueue(store.JobFetchFolder, FetchFolderPayload{Folder: "INBOX"}, "INBOX", 0)
	if err != nil {
		t.Fatal(err)
	}

	waitStatus(t, db, id, store.JobDone)
	if payload, _ := got.Load().(string); payload != `{"folder":"INBOX"}` {
		t.Errorf("payload = %q", payload)
	}
}

func TestSchedulerRetriesThenFails(t *testing.T) {
	var attempts atomic.Int32
	d := dispatchFunc(func(ctx context.Context, job *store.Job) error {
		attempts.Add(1)
		return errors.New("connection refused")
	})
	s, db := testScheduler(t, d, testPolicy())

	var hookMu sync.Mutex
	var hooked *store.Job
	s.SetFailureHook(func(job *store.Job, err error) {
		hookMu.Lock()
		hooked = job
		hookMu.Unlock()
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	id, err := s.Enqueue(store.JobFetchFolder, FetchFolderPayload{Folder: "INBOX"}, "INBOX", 0)
	if err != nil {
		t.Fatal(err)
	}

	job := waitStatus(t, db, id, store.JobFailed)
	if n := attempts.Load(); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
	if job.LastError != "connection refused" {
		t.Errorf("last_error = %q", job.LastError)
	}
	hookMu.Lock()
	defer hookMu.Unlock()
	if hooked == nil || hooked.ID != id {
		t.Error("failure hook not invoked with the failed job")
	}
}

func TestSchedulerPermanentErrorSkipsRetries(t *testing.T) {
	var attempts atomic.Int32
	d := dispatchFunc(func(ctx context.Context, job *store.Job) error {
		attempts.Add(1)
		return Permanent(errors.New("recipient rejected"))
	})
	s, db := testScheduler(t, d, testPolicy())
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	id, err := s.Enqueue(store.JobSendMessage, SendMessagePayload{ClientMsgID: "c1"}, OutboxResource, 0)
	if err != nil {
		t.Fatal(err)
	}

	waitStatus(t, db, id, store.JobFailed)
	if n := attempts.Load(); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
}

func TestSchedulerSerializesPerResource(t *testing.T) {
	var mu sync.Mutex
	inFlight := map[string]int{}
	var overlapped atomic.Bool

	d := dispatchFunc(func(ctx context.Context, job *store.Job) error {
		mu.Lock()
		inFlight[job.Resource]++
		if inFlight[job.Resource] > 1 {
			overlapped.Store(true)
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		inFlight[job.Resource]--
		mu.Unlock()
		return nil
	})
	policy := testPolicy()
	policy.Workers = 4
	s, db := testScheduler(t, d, policy)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := s.Enqueue(store.JobFetchFolder, FetchFolderPayload{Folder: "INBOX"}, "INBOX", 0)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	for _, id := range ids {
		waitStatus(t, db, id, store.JobDone)
	}
	if overlapped.Load() {
		t.Error("two jobs on the same resource ran concurrently")
	}
}

func TestSchedulerEnqueueUnique(t *testing.T) {
	block := make(chan struct{})
	d := dispatchFunc(func(ctx context.Context, job *store.Job) error {
		<-block
		return nil
	})
	s, db := testScheduler(t, d, testPolicy())
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	defer close(block)

	id1, err := s.EnqueueUnique(store.JobFetchFolder, FetchFolderPayload{Folder: "INBOX"}, "INBOX", 0)
	if err != nil {
		t.Fatal(err)
	}
	if id1 == "" {
		t.Fatal("first enqueue skipped")
	}

	waitStatus(t, db, id1, store.JobRunning)

	id2, err := s.EnqueueUnique(store.JobFetchFolder, FetchFolderPayload{Folder: "INBOX"}, "INBOX", 0)
	if err != nil {
		t.Fatal(err)
	}
	if id2 != "" {
		t.Error("duplicate enqueue not deduplicated while job is running")
	}
}

func TestSchedulerCancelPending(t *testing.T) {
	d := dispatchFunc(func(ctx context.Context, job *store.Job) error { return nil })
	s, db := testScheduler(t, d, testPolicy())
	// Not started: the job stays pending.

	id, err := s.Enqueue(store.JobMoveMessage, MoveMessagePayload{Folder: "INBOX", UID: 7, Dest: "Archive"}, "INBOX", 0)
	if err != nil {
		t.Fatal(err)
	}

	removed, err := s.Cancel(id)
	if err != nil {
		t.Fatal(err)
	}
	if !removed {
		t.Error("pending job not cancelled")
	}
	job, err := db.GetJob(id)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != store.JobCancelled {
		t.Errorf("status = %q, want cancelled", job.Status)
	}
}

func TestSchedulerCancelRunningIsCooperative(t *testing.T) {
	started := make(chan struct{})
	d := dispatchFunc(func(ctx context.Context, job *store.Job) error {
		close(started)
		<-ctx.Done()
		return fmt.Errorf("interrupted: %w", Permanent(ctx.Err()))
	})
	s, db := testScheduler(t, d, testPolicy())
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	id, err := s.Enqueue(store.JobFetchFolder, FetchFolderPayload{Folder: "INBOX"}, "INBOX", 0)
	if err != nil {
		t.Fatal(err)
	}

	<-started
	removed, err := s.Cancel(id)
	if err != nil {
		t.Fatal(err)
	}
	if removed {
		t.Error("running job reported as removed")
	}

	waitStatus(t, db, id, store.JobFailed)
}

func TestSchedulerRequeuesInterruptedJobsOnStart(t *testing.T) {
	var ran atomic.Bool
	d := dispatchFunc(func(ctx context.Context, job *store.Job) error {
		ran.Store(true)
		return nil
	})
	s, db := testScheduler(t, d, testPolicy())

	// Simulate a crash: a job stuck in running state from a previous process.
	if err := db.InsertJob(&store.Job{ID: "stuck", Kind: store.JobFetchFolder, Resource: "INBOX"}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ClaimJob(time.Now().UnixMilli()); err != nil {
		t.Fatal(err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	waitStatus(t, db, "stuck", store.JobDone)
	if !ran.Load() {
		t.Error("requeued job never dispatched")
	}
}
