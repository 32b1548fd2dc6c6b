// Package llm defines the provider contract agents reason through. Agents
// only ask for a completion; which vendor answers is a deployment concern.
package llm

import "context"

type Request struct {
	Prompt       string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
}

// Response wraps a completion so every provider looks the same to agents.
type Response struct {
	Content  string
	Metadata map[string]any
}

type Provider interface {
	Generate(ctx context.Context, req Request) (Response, error)
}
