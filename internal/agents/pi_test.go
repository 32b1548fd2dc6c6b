package agents_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"labline/internal/agents"
	"labline/internal/config"
	"labline/internal/domain"
	"labline/internal/llm"
	"labline/internal/queue"
)

var testNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func planningInvocation() agents.Invocation {
	return agents.Invocation{
		ProjectID:        "proj-1",
		ResearchGoal:     "Study ACE2 binding affinity",
		ContextFilePaths: []string{"/tmp/files/notes.pdf"},
		UserMetadata: queue.UserMetadata{
			UserID:      "user-1",
			Profession:  "Senior Virologist",
			Institution: "FANG Research Labs",
		},
	}
}

func TestPIAgentPlanning(t *testing.T) {
	agent := agents.PIAgent{LLM: llm.Stub{}, Now: func() time.Time { return testNow }}
	st, err := domain.NewInitialState("proj-1", "Study ACE2 binding affinity", testNow)
	if err != nil {
		t.Fatal(err)
	}

	if err := agent.Execute(context.Background(), &st, planningInvocation()); err != nil {
		t.Fatalf("execute: %v", err)
	}

	refined, ok := st.Scratchpad["refined_research_goal"].(string)
	if !ok || refined == "" {
		t.Fatalf("expected refined goal in scratchpad: %+v", st.Scratchpad)
	}
	// The refinement prompt carries the owner's profile, so the stubbed
	// output echoes it back.
	if !strings.Contains(refined, "Senior Virologist") {
		t.Fatalf("refined goal should reflect the owner's profession: %s", refined)
	}
	if !strings.Contains(refined, "Study ACE2 binding affinity") {
		t.Fatalf("refined goal should reference the original goal: %s", refined)
	}

	if len(st.Messages) != 2 || st.Messages[1].Role != "assistant" {
		t.Fatalf("expected an assistant reply: %+v", st.Messages)
	}

	if len(st.TaskList) == 0 {
		t.Fatalf("expected drafted tasks")
	}
	for _, task := range st.TaskList {
		if task.Status != domain.TaskPending {
			t.Fatalf("drafted tasks must start pending: %+v", task)
		}
	}

	if st.CurrentPhase != domain.PhasePlanningComplete {
		t.Fatalf("expected planning_complete, got %s", st.CurrentPhase)
	}
	if st.NextAgent != domain.AgentUserApproval {
		t.Fatalf("expected handoff to user_approval, got %s", st.NextAgent)
	}
}

func TestPIAgentAuditTrail(t *testing.T) {
	agent := agents.PIAgent{LLM: llm.Stub{}, Now: func() time.Time { return testNow }}
	st, err := domain.NewInitialState("proj-1", "goal", testNow)
	if err != nil {
		t.Fatal(err)
	}
	before := len(st.AuditLog)

	if err := agent.Execute(context.Background(), &st, planningInvocation()); err != nil {
		t.Fatal(err)
	}

	added := st.AuditLog[before:]
	if len(added) != 2 {
		t.Fatalf("expected two audit entries, got %d", len(added))
	}
	if added[0].Action != "planning_initiated" || added[1].Action != "planning_complete" {
		t.Fatalf("unexpected audit actions: %s, %s", added[0].Action, added[1].Action)
	}
	// The first entry snapshots the phase before the agent advanced it.
	if added[0].CurrentPhase != domain.PhaseIntake {
		t.Fatalf("planning_initiated should snapshot intake, got %s", added[0].CurrentPhase)
	}
	if added[1].CurrentPhase != domain.PhasePlanningComplete {
		t.Fatalf("planning_complete should snapshot the new phase, got %s", added[1].CurrentPhase)
	}
	if added[1].Details["next_agent"] != domain.AgentUserApproval {
		t.Fatalf("unexpected completion details: %+v", added[1].Details)
	}
}

func TestPIAgentConfiguredHandoff(t *testing.T) {
	agent := agents.PIAgent{
		LLM: llm.Stub{},
		Handoff: config.Handoff{
			NextAgent:      "peer_review",
			CompletedPhase: "awaiting_review",
		},
		Now: func() time.Time { return testNow },
	}
	st, err := domain.NewInitialState("proj-1", "goal", testNow)
	if err != nil {
		t.Fatal(err)
	}

	if err := agent.Execute(context.Background(), &st, planningInvocation()); err != nil {
		t.Fatal(err)
	}

	if st.CurrentPhase != "awaiting_review" {
		t.Fatalf("configured completed phase not applied: %s", st.CurrentPhase)
	}
	if st.NextAgent != "peer_review" {
		t.Fatalf("configured next agent not applied: %s", st.NextAgent)
	}
	last := st.AuditLog[len(st.AuditLog)-1]
	if last.Details["next_agent"] != "peer_review" {
		t.Fatalf("completion entry should carry the configured handoff: %+v", last.Details)
	}
}

func TestRegistryLookup(t *testing.T) {
	reg := agents.NewRegistry(agents.PIAgent{LLM: llm.Stub{}})
	a, err := reg.Lookup(domain.AgentPI)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if a.Name() != domain.AgentPI {
		t.Fatalf("unexpected agent: %s", a.Name())
	}

	_, err = reg.Lookup("no_such_agent")
	var unknown agents.UnknownAgentError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownAgentError, got %v", err)
	}
	if unknown.Name != "no_such_agent" {
		t.Fatalf("unexpected agent name in error: %s", unknown.Name)
	}
}
