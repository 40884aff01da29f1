package models

import "time"

// GuidelineContent is the two halves of a guideline: a natural-language
// applicability condition and the action to take when it holds.
type GuidelineContent struct {
	Condition string `json:"condition"`
	Action    string `json:"action"`
}

// Guideline is one condition→action behavior rule owned by an agent.
type Guideline struct {
	ID        string           `json:"id"`
	AgentID   string           `json:"agent_id"`
	Content   GuidelineContent `json:"content"`
	CreatedAt time.Time        `json:"created_at"`
}

// ConnectionKind distinguishes strict follow-ups from soft ones.
type ConnectionKind string

const (
	ConnectionEntails  ConnectionKind = "entails"
	ConnectionSuggests ConnectionKind = "suggests"
)

// GuidelineConnection is a directed edge between two guidelines: when the
// source applies, the target is pulled in. The graph may contain cycles.
type GuidelineConnection struct {
	ID       string         `json:"id"`
	SourceID string         `json:"source_guideline_id"`
	TargetID string         `json:"target_guideline_id"`
	Kind     ConnectionKind `json:"kind"`
}

// GuidelineToolAssociation permits a tool to be called while the associated
// guideline is active.
type GuidelineToolAssociation struct {
	ID          string `json:"id"`
	GuidelineID string `json:"guideline_id"`
	ToolID      ToolID `json:"tool_id"`
}

// GuidelineProposition is a runtime judgement that a guideline applies to the
// current interaction state. Propositions live only inside one processing run.
type GuidelineProposition struct {
	Guideline Guideline `json:"guideline"`
	Score     int       `json:"score"`
	Rationale string    `json:"rationale"`
}
