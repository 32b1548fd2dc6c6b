package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Agent names recognized by the worker dispatch table.
const (
	AgentUser         = "user"
	AgentPI           = "pi_agent"
	AgentUserApproval = "user_approval"
)

// Project phases, advanced monotonically by agents.
const (
	PhaseIntake           = "intake"
	PhasePlanningComplete = "planning_complete"
)

// Task statuses. Transitions are forward-only, see EnsureTaskTransition.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

type User struct {
	UserID     string `json:"user_id"`
	Email      string `json:"email"`
	Profession string `json:"profession,omitempty"`
	Institute  string `json:"institute,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Project struct {
	ProjectID            string  `json:"project_id"`
	OwnerID              string  `json:"owner_id"`
	Title                *string `json:"title,omitempty"`
	OriginalResearchGoal string  `json:"original_research_goal"`
	RefinedResearchGoal  *string `json:"refined_research_goal,omitempty"`
	CurrentPhase         string  `json:"current_phase"`
	NextAgent            string  `json:"next_agent"`
	StateVersion         int64   `json:"state_version"`
	CreatedAt            string  `json:"created_at" format:"date-time"`
}

type ProjectFile struct {
	FileID      string `json:"file_id"`
	ProjectID   string `json:"project_id"`
	Filename    string `json:"filename"`
	FileSize    int64  `json:"file_size"`
	StoragePath string `json:"storage_path"`
	FileType    string `json:"file_type"`
	UploadedAt  string `json:"uploaded_at" format:"date-time"`
}

type Message struct {
	MessageID string `json:"message_id"`
	ProjectID string `json:"project_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Task struct {
	TaskID      string  `json:"task_id"`
	ProjectID   string  `json:"project_id"`
	Description string  `json:"description"`
	Status      string  `json:"status" enum:"pending,in_progress,completed,failed"`
	Result      *string `json:"result,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// AuditEntry is an immutable record of one action taken against a project.
// CurrentPhase is a snapshot of the phase at the time of the entry, not the
// project's live value.
type AuditEntry struct {
	EntryID      string         `json:"entry_id"`
	ProjectID    string         `json:"project_id"`
	Timestamp    string         `json:"timestamp" format:"date-time"`
	Agent        string         `json:"agent"`
	Action       string         `json:"action"`
	CurrentPhase string         `json:"current_phase"`
	Details      map[string]any `json:"details"`
}

// LabState is the ephemeral workbench an agent mutates: the project's
// conversation, task list, scratchpad, audit trail and handoff pointers.
// It is always fully reconstructable from the normalized rows for a
// project, which is what keeps the queue payload small.
type LabState struct {
	Messages     []Message      `json:"messages"`
	TaskList     []Task         `json:"task_list"`
	Scratchpad   map[string]any `json:"scratchpad"`
	NextAgent    string         `json:"next_agent"`
	AuditLog     []AuditEntry   `json:"audit_log"`
	CurrentPhase string         `json:"current_phase"`
}

// NewMessage validates and builds a conversation message.
func NewMessage(projectID, role, content string, now time.Time) (Message, error) {
	if strings.TrimSpace(role) == "" {
		return Message{}, fmt.Errorf("message role is required")
	}
	if strings.TrimSpace(content) == "" {
		return Message{}, fmt.Errorf("message content is required")
	}
	return Message{
		MessageID: uuid.New().String(),
		ProjectID: projectID,
		Role:      role,
		Content:   content,
		CreatedAt: now.UTC().Format(time.RFC3339),
	}, nil
}

// NewTask builds a pending task.
func NewTask(projectID, description string, now time.Time) (Task, error) {
	if strings.TrimSpace(description) == "" {
		return Task{}, fmt.Errorf("task description is required")
	}
	return Task{
		TaskID:      uuid.New().String(),
		ProjectID:   projectID,
		Description: description,
		Status:      TaskPending,
		CreatedAt:   now.UTC().Format(time.RFC3339),
	}, nil
}

// EnsureTaskTransition enforces the forward-only task status machine.
func EnsureTaskTransition(oldStatus, newStatus string) error {
	if oldStatus == newStatus {
		return nil
	}
	switch oldStatus {
	case TaskPending:
		if newStatus == TaskInProgress {
			return nil
		}
	case TaskInProgress:
		if newStatus == TaskCompleted || newStatus == TaskFailed {
			return nil
		}
	}
	return fmt.Errorf("invalid task status transition %s -> %s", oldStatus, newStatus)
}

// AddAuditEntry appends an entry snapshotting the current phase. The audit
// log is append-only; entries are never rewritten.
func (s *LabState) AddAuditEntry(projectID, agent, action string, details map[string]any, now time.Time) {
	if details == nil {
		details = map[string]any{}
	}
	s.AuditLog = append(s.AuditLog, AuditEntry{
		EntryID:      uuid.New().String(),
		ProjectID:    projectID,
		Timestamp:    now.UTC().Format(time.RFC3339),
		Agent:        agent,
		Action:       action,
		CurrentPhase: s.CurrentPhase,
		Details:      details,
	})
}

// NewInitialState builds the workbench created at project intake: one user
// message carrying the goal, an empty task list and scratchpad, the PI agent
// as the first consumer, and a single "Project Initiated" audit entry.
func NewInitialState(projectID, researchGoal string, now time.Time) (LabState, error) {
	msg, err := NewMessage(projectID, "user", researchGoal, now)
	if err != nil {
		return LabState{}, err
	}
	st := LabState{
		Messages:     []Message{msg},
		TaskList:     []Task{},
		Scratchpad:   map[string]any{},
		NextAgent:    AgentPI,
		CurrentPhase: PhaseIntake,
	}
	st.AddAuditEntry(projectID, AgentUser, "Project Initiated", map[string]any{"goal": researchGoal}, now)
	return st, nil
}
