package agents

import (
	"context"
	"fmt"
	"time"

	"labline/internal/config"
	"labline/internal/domain"
	"labline/internal/llm"
)

// PIAgent is the planning/intake agent: it refines the user's research goal
// against their profile, drafts the initial task plan, and hands the project
// off to the approval gate.
type PIAgent struct {
	LLM llm.Provider
	// Handoff overrides the completed phase and next agent; zero value
	// falls back to the built-in planning_complete/user_approval handoff.
	Handoff config.Handoff
	Now     func() time.Time
}

func (a PIAgent) Name() string { return domain.AgentPI }

func (a PIAgent) Execute(ctx context.Context, st *domain.LabState, inv Invocation) error {
	now := nowOr(a.Now)

	st.AddAuditEntry(inv.ProjectID, a.Name(), "planning_initiated", map[string]any{
		"research_goal":     inv.ResearchGoal,
		"num_context_files": len(inv.ContextFilePaths),
	}, now)

	prompt := fmt.Sprintf("Refine the research goal %q for a %s at %s, drawing on %d context documents.",
		inv.ResearchGoal, inv.UserMetadata.Profession, inv.UserMetadata.Institution, len(inv.ContextFilePaths))
	resp, err := a.LLM.Generate(ctx, llm.Request{
		Prompt:       prompt,
		SystemPrompt: "You are a principal investigator drafting a focused research plan.",
		MaxTokens:    1000,
		Temperature:  0.7,
	})
	if err != nil {
		return fmt.Errorf("refine goal: %w", err)
	}
	refinedGoal := resp.Content

	reply, err := domain.NewMessage(inv.ProjectID, "assistant",
		fmt.Sprintf("Understood. Refined goal: %s. I've drafted an analysis plan based on the %d documents provided.",
			refinedGoal, len(inv.ContextFilePaths)), now)
	if err != nil {
		return err
	}
	st.Messages = append(st.Messages, reply)

	plan := []string{
		fmt.Sprintf("Survey recent literature relevant to: %s", inv.ResearchGoal),
		fmt.Sprintf("Identify datasets and methods for: %s", refinedGoal),
		"Draft the experiment outline for review.",
	}
	tasks := make([]domain.Task, 0, len(plan))
	for _, desc := range plan {
		t, err := domain.NewTask(inv.ProjectID, desc, now)
		if err != nil {
			return err
		}
		tasks = append(tasks, t)
	}
	st.TaskList = append(st.TaskList, tasks...)

	st.Scratchpad["refined_research_goal"] = refinedGoal

	st.CurrentPhase = domain.PhasePlanningComplete
	if a.Handoff.CompletedPhase != "" {
		st.CurrentPhase = a.Handoff.CompletedPhase
	}
	st.NextAgent = domain.AgentUserApproval
	if a.Handoff.NextAgent != "" {
		st.NextAgent = a.Handoff.NextAgent
	}

	st.AddAuditEntry(inv.ProjectID, a.Name(), "planning_complete", map[string]any{
		"tasks_created": len(tasks),
		"next_agent":    st.NextAgent,
	}, now)
	return nil
}
