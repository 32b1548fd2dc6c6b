// Package agents holds the pluggable reasoning units a worker dispatches to.
// An agent gets the project's workbench state plus the job's invocation
// parameters; it never touches storage directly.
package agents

import (
	"context"
	"fmt"
	"time"

	"labline/internal/domain"
	"labline/internal/queue"
)

// Invocation carries the primitive parameters a job delivers to an agent.
type Invocation struct {
	ProjectID        string
	ResearchGoal     string
	ContextFilePaths []string
	UserMetadata     queue.UserMetadata
}

// Agent mutates the workbench in place. Contract: append at least one audit
// entry, set NextAgent and CurrentPhase for the handoff, and stay
// idempotent-safe under at-least-once redelivery (re-running on the same
// initial state may append duplicate timestamped audit entries, never
// corrupt prior ones).
type Agent interface {
	Name() string
	Execute(ctx context.Context, st *domain.LabState, inv Invocation) error
}

// UnknownAgentError is a dispatch miss. Fatal for the job; never retried.
type UnknownAgentError struct {
	Name string
}

func (e UnknownAgentError) Error() string {
	return fmt.Sprintf("unknown agent %q", e.Name)
}

// Registry maps agent names to implementations. Constructed once per process
// and passed by reference; no ambient global registry.
type Registry struct {
	byName map[string]Agent
}

func NewRegistry(list ...Agent) *Registry {
	r := &Registry{byName: make(map[string]Agent, len(list))}
	for _, a := range list {
		r.byName[a.Name()] = a
	}
	return r
}

func (r *Registry) Register(a Agent) {
	r.byName[a.Name()] = a
}

func (r *Registry) Lookup(name string) (Agent, error) {
	a, ok := r.byName[name]
	if !ok {
		return nil, UnknownAgentError{Name: name}
	}
	return a, nil
}

func nowOr(now func() time.Time) time.Time {
	if now != nil {
		return now()
	}
	return time.Now()
}
