package models

import (
	"fmt"
	"strings"
)

// ToolID identifies a tool as (service, name). Services are registered tool
// transports; "local" is the in-process service.
type ToolID struct {
	Service string `json:"service_name"`
	Name    string `json:"tool_name"`
}

// String renders the id in "service:name" form.
func (t ToolID) String() string {
	return t.Service + ":" + t.Name
}

// ParseToolID parses "service:name" form.
func ParseToolID(s string) (ToolID, error) {
	service, name, ok := strings.Cut(s, ":")
	if !ok || service == "" || name == "" {
		return ToolID{}, fmt.Errorf("invalid tool id %q: want service:name", s)
	}
	return ToolID{Service: service, Name: name}, nil
}

// ToolParameter describes one parameter of a tool.
type ToolParameter struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// Tool is a callable capability exposed by a tool service.
type Tool struct {
	ID            ToolID                   `json:"id"`
	Description   string                   `json:"description,omitempty"`
	Parameters    map[string]ToolParameter `json:"parameters"`
	Required      []string                 `json:"required,omitempty"`
	Consequential bool                     `json:"consequential,omitempty"`
}

// ToolResult is the outcome of a tool invocation. Data must be
// JSON-serialisable and, serialised, at most ToolResultMaxBytes.
type ToolResult struct {
	Data     any               `json:"data"`
	Control  *ControlDirective `json:"control,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

// ToolResultMaxBytes caps the JSON-serialised size of a tool result payload.
// Larger results are a tool-execution error.
const ToolResultMaxBytes = 16 * 1024
