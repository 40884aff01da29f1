package models

import "time"

// CompositionMode selects the message-generation strategy for an agent.
// Only fluid is built in; other modes are pluggable.
type CompositionMode string

const (
	CompositionFluid CompositionMode = "fluid"
)

// Agent is an operator-configured conversational agent. Guidelines, glossary
// terms, and context variables are keyed by the agent's id.
type Agent struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	MaxIterations   int             `json:"max_iterations"`
	CompositionMode CompositionMode `json:"composition_mode"`
	CreatedAt       time.Time       `json:"created_at"`
}

// EffectiveMaxIterations normalizes the configured iteration cap.
// Zero or negative means one iteration.
func (a *Agent) EffectiveMaxIterations() int {
	if a == nil || a.MaxIterations <= 0 {
		return 1
	}
	return a.MaxIterations
}

// Customer is an end user engaging an agent.
type Customer struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Extra     map[string]string `json:"extra,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
