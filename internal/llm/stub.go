package llm

import (
	"context"
	"fmt"
)

// Stub is a deterministic provider for development and tests. It echoes the
// prompt back in a fixed template so agent behavior is reproducible.
type Stub struct {
	Model string
}

func (s Stub) model() string {
	if s.Model != "" {
		return s.Model
	}
	return "stub-v1"
}

func (s Stub) Generate(_ context.Context, req Request) (Response, error) {
	return Response{
		Content: fmt.Sprintf("Validated Goal: %s", req.Prompt),
		Metadata: map[string]any{
			"model":         s.model(),
			"prompt_tokens": len(req.Prompt),
		},
	}, nil
}
