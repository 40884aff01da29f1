// Package llm abstracts the model providers behind a single completion
// interface and layers schematic (schema-validated JSON) generation with a
// fixed retry temperature ladder on top.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoProvider is returned when a completion is requested without a
// configured provider.
var ErrNoProvider = errors.New("no llm provider configured")

// Request is a single non-streaming completion request.
type Request struct {
	// Model overrides the provider's default model when set.
	Model string

	// System is the system prompt.
	System string

	// Prompt is the user-turn content.
	Prompt string

	// MaxTokens bounds the response length. Zero uses the provider default.
	MaxTokens int

	// Temperature is the sampling temperature for this attempt.
	Temperature float32
}

// Provider is a minimal non-streaming completion backend. Implementations
// must be safe for concurrent use.
type Provider interface {
	// Complete returns the full text of the model's reply.
	Complete(ctx context.Context, req *Request) (string, error)

	// Name returns the provider name for logging.
	Name() string
}

// ProviderError wraps a provider failure with the provider's name.
type ProviderError struct {
	Provider string
	Cause    error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s completion failed: %v", e.Provider, e.Cause)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}
