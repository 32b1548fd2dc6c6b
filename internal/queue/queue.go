// Package queue carries agent jobs from the request path to worker
// processes. Delivery is durable and at-least-once; ordering across jobs is
// not guaranteed, even for the same project.
package queue

import "context"

// Job statuses in the durable backing table.
const (
	StatusPending = "pending"
	StatusLeased  = "leased"
	StatusDead    = "dead"
)

// UserMetadata is the slice of the owner's profile that travels with a job.
type UserMetadata struct {
	UserID     string `json:"user_id"`
	Profession string `json:"profession"`
	Institution string `json:"institution"`
}

// TaskData is the job payload. It stays deliberately small: the full
// workbench state is reconstructed from storage by the worker, so only the
// project id and intake inputs cross the queue boundary.
type TaskData struct {
	OriginalResearchGoal string       `json:"original_research_goal"`
	ContextFilePaths     []string     `json:"context_file_paths"`
	UserMetadata         UserMetadata `json:"user_metadata"`
}

type Job struct {
	ID         string
	ProjectID  string
	AgentName  string
	Data       TaskData
	Attempts   int
	EnqueuedAt string
}

// Queue is the narrow capability injected into the engine and the worker
// runtime so the durable broker and the in-memory test double are
// interchangeable.
type Queue interface {
	// Enqueue durably records one job. Failure after a successful project
	// commit is surfaced to the caller, not swallowed.
	Enqueue(ctx context.Context, projectID, agentName string, data TaskData) error

	// Dequeue claims the next deliverable job for workerID under a lease,
	// or returns nil when the queue is empty.
	Dequeue(ctx context.Context, workerID string) (*Job, error)

	// Ack removes a completed job.
	Ack(ctx context.Context, jobID string) error

	// Nack returns a failed job for redelivery, or moves it to the dead
	// state once its attempt budget is exhausted.
	Nack(ctx context.Context, jobID, reason string) error

	// Bury moves a job directly to the dead state. Used for failures that
	// retrying cannot fix, like an unknown agent name.
	Bury(ctx context.Context, jobID, reason string) error
}
