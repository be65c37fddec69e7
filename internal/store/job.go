package store

import (
	"database/sql"
	"fmt"
	"time"
)

// InsertJob persists a new pending job.
func (db *DB) InsertJob(j *Job) error {
	now := time.Now().UnixMilli()
	if j.Payload == nil {
		j.Payload = []byte("{}")
	}
	_, err := db.Exec(`
		INSERT INTO jobs (id, kind, payload, resource, priority, attempt_count, not_before, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, 'pending', ?, ?)`,
		j.ID, j.Kind, string(j.Payload), j.Resource, j.Priority, j.NotBefore, now, now)
	return err
}

// InsertJobIfAbsent persists the job unless a pending or running job with the
// same kind and resource already exists. Returns true if the job was inserted.
// Used by the periodic sync ticker so a slow folder does not pile up jobs.
func (db *DB) InsertJobIfAbsent(j *Job) (bool, error) {
	now := time.Now().UnixMilli()
	if j.Payload == nil {
		j.Payload = []byte("{}")
	}
	res, err := db.Exec(`
		INSERT INTO jobs (id, kind, payload, resource, priority, attempt_count, not_before, status, created_at, updated_at)
		SELECT ?, ?, ?, ?, ?, 0, ?, 'pending', ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM jobs WHERE kind = ? AND resource = ? AND status IN ('pending', 'running')
		)`,
		j.ID, j.Kind, string(j.Payload), j.Resource, j.Priority, j.NotBefore, now, now,
		j.Kind, j.Resource)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ClaimJob atomically promotes the best runnable pending job to running and
// returns it. Jobs sharing a resource are serialized: only the head of a
// resource's pending queue (priority first, then insertion) is claimable,
// and only when no running job holds the resource and the head's not_before
// has passed. A head deferred by backoff keeps its place, so a
// later-submitted job on the same resource waits rather than leapfrogging.
// Returns nil when no job is runnable.
func (db *DB) ClaimJob(now int64) (*Job, error) {
	row := db.QueryRow(`
		UPDATE jobs SET status = 'running', updated_at = ?
		WHERE id = (
			SELECT j.id FROM jobs j
			WHERE j.status = 'pending' AND j.not_before <= ?
			  AND NOT EXISTS (
				SELECT 1 FROM jobs r WHERE r.status = 'running' AND r.resource = j.resource
			  )
			  AND NOT EXISTS (
				SELECT 1 FROM jobs p
				WHERE p.status = 'pending' AND p.resource = j.resource
				  AND (p.priority > j.priority
					OR (p.priority = j.priority AND p.created_at < j.created_at)
					OR (p.priority = j.priority AND p.created_at = j.created_at AND p.id < j.id))
			  )
			ORDER BY j.priority DESC, j.created_at ASC, j.id ASC
			LIMIT 1
		)
		RETURNING id, kind, payload, resource, priority, attempt_count, not_before, status, last_error`,
		now, now)

	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

// CompleteJob marks a running job done.
func (db *DB) CompleteJob(id string) error {
	_, err := db.Exec(`UPDATE jobs SET status = 'done', updated_at = ? WHERE id = ? AND status = 'running'`,
		time.Now().UnixMilli(), id)
	return err
}

// RetryJob records a failed attempt and reschedules the job after notBefore.
func (db *DB) RetryJob(id string, attemptCount int, notBefore int64, lastErr string) error {
	_, err := db.Exec(`
		UPDATE jobs SET status = 'pending', attempt_count = ?, not_before = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'running'`,
		attemptCount, notBefore, lastErr, time.Now().UnixMilli(), id)
	return err
}

// FailJob marks a job permanently failed after exhausting its retries.
func (db *DB) FailJob(id string, lastErr string) error {
	_, err := db.Exec(`UPDATE jobs SET status = 'failed', last_error = ?, updated_at = ? WHERE id = ?`,
		lastErr, time.Now().UnixMilli(), id)
	return err
}

// CancelJob cancels a pending job. Running jobs are not touched here; their
// cancellation is cooperative and takes effect at the next suspension point.
// Returns true if the job was still pending and is now cancelled.
func (db *DB) CancelJob(id string) (bool, error) {
	res, err := db.Exec(`UPDATE jobs SET status = 'cancelled', updated_at = ? WHERE id = ? AND status = 'pending'`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RequeueRunningJobs demotes running jobs back to pending. Called once at
// startup: a job left running by a crash never committed its work, so it is
// simply re-executed (all job bodies are idempotent).
func (db *DB) RequeueRunningJobs() (int64, error) {
	res, err := db.Exec(`UPDATE jobs SET status = 'pending', updated_at = ? WHERE status = 'running'`,
		time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetJob returns a job by id, or nil if absent.
func (db *DB) GetJob(id string) (*Job, error) {
	row := db.QueryRow(`
		SELECT id, kind, payload, resource, priority, attempt_count, not_before, status, last_error
		FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

func scanJob(row *sql.Row) (*Job, error) {
	var j Job
	var payload string
	if err := row.Scan(&j.ID, &j.Kind, &payload, &j.Resource, &j.Priority, &j.AttemptCount, &j.NotBefore, &j.Status, &j.LastError); err != nil {
		return nil, err
	}
	j.Payload = []byte(payload)
	return &j, nil
}
