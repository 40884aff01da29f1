package models

import (
	"encoding/json"
	"time"
)

// Term is a glossary entry owned by an agent, retrievable by semantic
// similarity to the current interaction.
type Term struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Synonyms    []string  `json:"synonyms,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ContextVariable declares a named piece of per-customer context. When ToolID
// is set, the variable's value can be refreshed by calling that tool.
type ContextVariable struct {
	ID             string    `json:"id"`
	AgentID        string    `json:"agent_id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	ToolID         *ToolID   `json:"tool_id,omitempty"`
	FreshnessRules string    `json:"freshness_rules,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ContextVariableValue is one keyed value of a context variable. The key is
// usually a customer id.
type ContextVariableValue struct {
	VariableID   string          `json:"variable_id"`
	Key          string          `json:"key"`
	Data         json.RawMessage `json:"data"`
	LastModified time.Time       `json:"last_modified"`
}
