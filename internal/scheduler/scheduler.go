// Package scheduler is the persistent work queue driving every
// network-touching operation: folder syncs, outbound sends, moves. Jobs
// survive restarts, retry with jittered exponential backoff, and are
// serialized per resource while running concurrently across resources.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/mailchat/internal/bus"
	"github.com/matheus3301/mailchat/internal/config"
	"github.com/matheus3301/mailchat/internal/store"
)

// claimInterval is how often an idle worker re-polls the queue when no wake
// signal arrives (a deferred job becoming runnable does not emit one).
const claimInterval = 250 * time.Millisecond

// PermanentError marks a failure that retrying cannot fix. The scheduler
// fails the job immediately instead of burning attempts.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Dispatcher executes one attempt of a job. Implementations switch
// exhaustively over store.JobKind; an unknown kind is a permanent error.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *store.Job) error
}

// FailureHook observes jobs that exhausted their retries, letting the owner
// of the job's side effects (e.g. the outbox) record the permanent failure.
type FailureHook func(job *store.Job, err error)

// Scheduler owns the job table and a bounded worker pool.
type Scheduler struct {
	db         *store.DB
	bus        *bus.Bus
	logger     *zap.Logger
	dispatcher Dispatcher
	policy     config.JobsConfig

	onExhausted FailureHook
	rnd         func() float64

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New creates a scheduler. Start must be called before jobs execute.
func New(db *store.DB, b *bus.Bus, logger *zap.Logger, dispatcher Dispatcher, policy config.JobsConfig) *Scheduler {
	return &Scheduler{
		db:         db,
		bus:        b,
		logger:     logger,
		dispatcher: dispatcher,
		policy:     policy,
		rnd:        rand.Float64,
		wake:       make(chan struct{}, 1),
		running:    make(map[string]context.CancelFunc),
	}
}

// SetFailureHook registers the exhausted-retries observer. Must be called
// before Start.
func (s *Scheduler) SetFailureHook(fn FailureHook) {
	s.onExhausted = fn
}

// Start reclaims jobs left running by a previous process and launches the
// worker pool.
func (s *Scheduler) Start(ctx context.Context) error {
	n, err := s.db.RequeueRunningJobs()
	if err != nil {
		return fmt.Errorf("requeue running jobs: %w", err)
	}
	if n > 0 {
		s.logger.Info("requeued interrupted jobs", zap.Int64("count", n))
	}

	ctx, s.cancel = context.WithCancel(ctx)
	for i := 0; i < s.policy.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	return nil
}

// Stop cancels all workers and waits for in-flight attempts to settle. Jobs
// interrupted mid-attempt are reclaimed on the next Start.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Enqueue persists a new job and wakes a worker.
func (s *Scheduler) Enqueue(kind store.JobKind, payload any, resource string, priority int) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	job := &store.Job{
		ID:       uuid.NewString(),
		Kind:     kind,
		Payload:  raw,
		Resource: resource,
		Priority: priority,
	}
	if err := s.db.InsertJob(job); err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	s.signal()
	return job.ID, nil
}

// EnqueueUnique persists the job unless an equivalent pending or running one
// exists. Returns the empty string when skipped.
func (s *Scheduler) EnqueueUnique(kind store.JobKind, payload any, resource string, priority int) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	job := &store.Job{
		ID:       uuid.NewString(),
		Kind:     kind,
		Payload:  raw,
		Resource: resource,
		Priority: priority,
	}
	inserted, err := s.db.InsertJobIfAbsent(job)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	if !inserted {
		return "", nil
	}
	s.signal()
	return job.ID, nil
}

// Cancel removes a pending job, or requests cooperative cancellation of a
// running one. A running attempt is never interrupted mid-transport-call;
// its context is cancelled and observed at the next suspension point.
func (s *Scheduler) Cancel(id string) (bool, error) {
	removed, err := s.db.CancelJob(id)
	if err != nil || removed {
		return removed, err
	}

	s.mu.Lock()
	cancel, running := s.running[id]
	s.mu.Unlock()
	if running {
		cancel()
	}
	return false, nil
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		job, err := s.db.ClaimJob(time.Now().UnixMilli())
		if err != nil {
			s.logger.Error("claim job", zap.Error(err))
		}
		if job != nil {
			s.execute(ctx, job)
			// Completing a job may unblock its resource stream.
			s.signal()
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-time.After(claimInterval):
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, job *store.Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.running[job.ID] = cancel
	s.mu.Unlock()

	err := s.dispatcher.Dispatch(jobCtx, job)

	s.mu.Lock()
	delete(s.running, job.ID)
	s.mu.Unlock()
	cancel()

	if err == nil {
		if dbErr := s.db.CompleteJob(job.ID); dbErr != nil {
			s.logger.Error("complete job", zap.Error(dbErr), zap.String("job_id", job.ID))
		}
		return
	}

	attempts := job.AttemptCount + 1
	var perm *PermanentError
	exhausted := attempts >= s.policy.MaxAttempts
	if errors.As(err, &perm) || exhausted {
		s.logger.Error("job permanently failed",
			zap.String("job_id", job.ID),
			zap.String("kind", string(job.Kind)),
			zap.Int("attempts", attempts),
			zap.Error(err))
		if dbErr := s.db.FailJob(job.ID, err.Error()); dbErr != nil {
			s.logger.Error("mark job failed", zap.Error(dbErr), zap.String("job_id", job.ID))
		}
		s.bus.Publish(bus.Event{
			Kind:      bus.KindJobFailed,
			Timestamp: time.Now(),
			Payload:   bus.JobFailure{JobID: job.ID, Kind: string(job.Kind), Error: err.Error()},
		})
		if s.onExhausted != nil {
			s.onExhausted(job, err)
		}
		return
	}

	delay := Backoff(s.policy.BaseDelay(), s.policy.MaxDelay(), attempts, s.policy.JitterFraction, s.rnd)
	notBefore := time.Now().Add(delay).UnixMilli()
	s.logger.Warn("job attempt failed, scheduling retry",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.Int("attempt", attempts),
		zap.Duration("delay", delay),
		zap.Error(err))
	if dbErr := s.db.RetryJob(job.ID, attempts, notBefore, err.Error()); dbErr != nil {
		s.logger.Error("reschedule job", zap.Error(dbErr), zap.String("job_id", job.ID))
	}
}
