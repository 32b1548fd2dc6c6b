package domain_test

import (
	"testing"
	"time"

	"labline/internal/domain"
)

var testNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestNewInitialState(t *testing.T) {
	st, err := domain.NewInitialState("proj-1", "Study ACE2 binding affinity", testNow)
	if err != nil {
		t.Fatalf("initial state: %v", err)
	}
	if len(st.Messages) != 1 {
		t.Fatalf("expected one message, got %d", len(st.Messages))
	}
	m := st.Messages[0]
	if m.Role != "user" || m.Content != "Study ACE2 binding affinity" {
		t.Fatalf("unexpected intake message: %+v", m)
	}
	if m.MessageID == "" {
		t.Fatalf("expected message id")
	}
	if len(st.TaskList) != 0 {
		t.Fatalf("expected empty task list")
	}
	if len(st.Scratchpad) != 0 {
		t.Fatalf("expected empty scratchpad")
	}
	if st.NextAgent != domain.AgentPI {
		t.Fatalf("expected handoff to %s, got %s", domain.AgentPI, st.NextAgent)
	}
	if st.CurrentPhase != domain.PhaseIntake {
		t.Fatalf("expected intake phase, got %s", st.CurrentPhase)
	}
	if len(st.AuditLog) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(st.AuditLog))
	}
	entry := st.AuditLog[0]
	if entry.Agent != domain.AgentUser || entry.Action != "Project Initiated" {
		t.Fatalf("unexpected audit entry: %+v", entry)
	}
	if entry.CurrentPhase != domain.PhaseIntake {
		t.Fatalf("audit entry should snapshot intake phase, got %s", entry.CurrentPhase)
	}
}

func TestNewInitialStateRequiresGoal(t *testing.T) {
	if _, err := domain.NewInitialState("proj-1", "  ", testNow); err == nil {
		t.Fatalf("expected error for blank goal")
	}
}

func TestAuditEntrySnapshotsPhase(t *testing.T) {
	st, err := domain.NewInitialState("proj-1", "goal", testNow)
	if err != nil {
		t.Fatal(err)
	}
	st.CurrentPhase = domain.PhasePlanningComplete
	st.AddAuditEntry("proj-1", domain.AgentPI, "planning_complete", nil, testNow)
	last := st.AuditLog[len(st.AuditLog)-1]
	if last.CurrentPhase != domain.PhasePlanningComplete {
		t.Fatalf("expected phase snapshot, got %s", last.CurrentPhase)
	}
	if st.AuditLog[0].CurrentPhase != domain.PhaseIntake {
		t.Fatalf("earlier entries must keep their snapshot")
	}
	if last.Details == nil {
		t.Fatalf("nil details should normalize to an empty map")
	}
}

func TestEnsureTaskTransition(t *testing.T) {
	valid := [][2]string{
		{domain.TaskPending, domain.TaskPending},
		{domain.TaskPending, domain.TaskInProgress},
		{domain.TaskInProgress, domain.TaskCompleted},
		{domain.TaskInProgress, domain.TaskFailed},
	}
	for _, tc := range valid {
		if err := domain.EnsureTaskTransition(tc[0], tc[1]); err != nil {
			t.Fatalf("%s -> %s should be allowed: %v", tc[0], tc[1], err)
		}
	}
	invalid := [][2]string{
		{domain.TaskPending, domain.TaskCompleted},
		{domain.TaskCompleted, domain.TaskPending},
		{domain.TaskFailed, domain.TaskInProgress},
	}
	for _, tc := range invalid {
		if err := domain.EnsureTaskTransition(tc[0], tc[1]); err == nil {
			t.Fatalf("%s -> %s should be rejected", tc[0], tc[1])
		}
	}
}

func TestNewTaskDefaultsPending(t *testing.T) {
	task, err := domain.NewTask("proj-1", "survey literature", testNow)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.TaskPending {
		t.Fatalf("expected pending, got %s", task.Status)
	}
	if _, err := domain.NewTask("proj-1", "", testNow); err == nil {
		t.Fatalf("expected error for empty description")
	}
}
