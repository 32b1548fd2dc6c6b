package queue

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process Queue for tests. Same contract as SQLQueue minus
// durability; leases are modeled as a simple claimed flag.
type Memory struct {
	MaxAttempts int

	mu   sync.Mutex
	jobs []*memoryJob
}

type memoryJob struct {
	job     Job
	status  string
	lastErr string
}

func (m *Memory) maxAttempts() int {
	if m.MaxAttempts > 0 {
		return m.MaxAttempts
	}
	return 5
}

func (m *Memory) Enqueue(_ context.Context, projectID, agentName string, data TaskData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, &memoryJob{
		job: Job{
			ID:        uuid.New().String(),
			ProjectID: projectID,
			AgentName: agentName,
			Data:      data,
		},
		status: StatusPending,
	})
	return nil
}

func (m *Memory) Dequeue(_ context.Context, _ string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.status != StatusPending {
			continue
		}
		j.status = StatusLeased
		j.job.Attempts++
		claimed := j.job
		return &claimed, nil
	}
	return nil, nil
}

func (m *Memory) Ack(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, j := range m.jobs {
		if j.job.ID == jobID {
			m.jobs = append(m.jobs[:i], m.jobs[i+1:]...)
			return nil
		}
	}
	return ErrJobNotFound
}

func (m *Memory) Nack(_ context.Context, jobID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.job.ID == jobID {
			j.lastErr = reason
			if j.job.Attempts >= m.maxAttempts() {
				j.status = StatusDead
			} else {
				j.status = StatusPending
			}
			return nil
		}
	}
	return ErrJobNotFound
}

func (m *Memory) Bury(_ context.Context, jobID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.job.ID == jobID {
			j.status = StatusDead
			j.lastErr = reason
			return nil
		}
	}
	return ErrJobNotFound
}

// Pending reports how many jobs are deliverable. Test helper.
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.status == StatusPending {
			n++
		}
	}
	return n
}

// Dead reports how many jobs are dead-lettered. Test helper.
func (m *Memory) Dead() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.status == StatusDead {
			n++
		}
	}
	return n
}

// All returns a snapshot of every job regardless of status. Test helper.
func (m *Memory) All() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		res = append(res, j.job)
	}
	return res
}
