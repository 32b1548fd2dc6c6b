package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrJobNotFound = errors.New("job not found")

// SQLQueue is the durable queue over the service's SQLite database. Jobs
// survive process crashes; a claim takes a lease that expires if the worker
// dies mid-job, making the job deliverable again (at-least-once).
type SQLQueue struct {
	DB           *sql.DB
	LeaseSeconds int
	MaxAttempts  int
	Now          func() time.Time
}

func (q *SQLQueue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

func (q *SQLQueue) leaseSeconds() int {
	if q.LeaseSeconds > 0 {
		return q.LeaseSeconds
	}
	return 300
}

func (q *SQLQueue) maxAttempts() int {
	if q.MaxAttempts > 0 {
		return q.MaxAttempts
	}
	return 5
}

func (q *SQLQueue) Enqueue(ctx context.Context, projectID, agentName string, data TaskData) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}
	now := q.now().UTC().Format(time.RFC3339)
	_, err = q.DB.ExecContext(ctx, `INSERT INTO jobs(job_id,project_id,agent_name,payload_json,status,attempts,max_attempts,enqueued_at,updated_at)
VALUES (?,?,?,?,?,0,?,?,?)`,
		uuid.New().String(), projectID, agentName, string(payload), StatusPending, q.maxAttempts(), now, now)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// Dequeue claims the oldest deliverable job: pending, or leased with an
// expired lease. The claim and lease write happen in one transaction so two
// workers cannot claim the same job.
func (q *SQLQueue) Dequeue(ctx context.Context, workerID string) (*Job, error) {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := q.now().UTC()
	nowStr := now.Format(time.RFC3339)
	var job Job
	var payload string
	err = tx.QueryRowContext(ctx, `SELECT job_id,project_id,agent_name,payload_json,attempts,enqueued_at FROM jobs
WHERE status=? OR (status=? AND lease_expires_at < ?)
ORDER BY enqueued_at, job_id LIMIT 1`, StatusPending, StatusLeased, nowStr).
		Scan(&job.ID, &job.ProjectID, &job.AgentName, &payload, &job.Attempts, &job.EnqueuedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &job.Data); err != nil {
		return nil, fmt.Errorf("decode job payload %s: %w", job.ID, err)
	}
	expires := now.Add(time.Duration(q.leaseSeconds()) * time.Second).Format(time.RFC3339)
	// The claim re-asserts deliverability so a concurrent claim loses here
	// rather than leaning on the database's lock promotion.
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, worker_id=?, attempts=attempts+1, lease_expires_at=?, updated_at=?
WHERE job_id=? AND (status=? OR lease_expires_at < ?)`,
		StatusLeased, workerID, expires, nowStr, job.ID, StatusPending, nowStr)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	job.Attempts++
	return &job, nil
}

func (q *SQLQueue) Ack(ctx context.Context, jobID string) error {
	res, err := q.DB.ExecContext(ctx, `DELETE FROM jobs WHERE job_id=?`, jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (q *SQLQueue) Nack(ctx context.Context, jobID, reason string) error {
	now := q.now().UTC().Format(time.RFC3339)
	res, err := q.DB.ExecContext(ctx, `UPDATE jobs SET
status=CASE WHEN attempts >= max_attempts THEN ? ELSE ? END,
worker_id=NULL, lease_expires_at=NULL, last_error=?, updated_at=?
WHERE job_id=?`, StatusDead, StatusPending, reason, now, jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (q *SQLQueue) Bury(ctx context.Context, jobID, reason string) error {
	now := q.now().UTC().Format(time.RFC3339)
	res, err := q.DB.ExecContext(ctx, `UPDATE jobs SET status=?, worker_id=NULL, lease_expires_at=NULL, last_error=?, updated_at=? WHERE job_id=?`,
		StatusDead, reason, now, jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// DeadJobs lists jobs that exhausted their attempt budget or were buried.
func (q *SQLQueue) DeadJobs(ctx context.Context) ([]Job, error) {
	rows, err := q.DB.QueryContext(ctx, `SELECT job_id,project_id,agent_name,payload_json,attempts,enqueued_at FROM jobs WHERE status=? ORDER BY enqueued_at`, StatusDead)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Job
	for rows.Next() {
		var job Job
		var payload string
		if err := rows.Scan(&job.ID, &job.ProjectID, &job.AgentName, &payload, &job.Attempts, &job.EnqueuedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &job.Data); err != nil {
			return nil, err
		}
		res = append(res, job)
	}
	return res, rows.Err()
}
