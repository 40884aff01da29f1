package models

import (
	"encoding/json"
	"time"
)

// EventSource identifies who produced an event.
type EventSource string

const (
	SourceCustomer             EventSource = "customer"
	SourceAIAgent              EventSource = "ai_agent"
	SourceHumanAgentOnBehalfOf EventSource = "human_agent_on_behalf_of_ai_agent"
	SourceSystem               EventSource = "system"
)

// EventKind classifies the payload carried by an event.
type EventKind string

const (
	EventKindMessage EventKind = "message"
	EventKindTool    EventKind = "tool"
	EventKindStatus  EventKind = "status"
	EventKindCustom  EventKind = "custom"
)

// Event is one entry in a session's append-only log. Offsets are dense and
// monotonic within a session; deletion tombstones an event without renumbering.
type Event struct {
	ID            string          `json:"id"`
	SessionID     string          `json:"session_id"`
	Source        EventSource     `json:"source"`
	Kind          EventKind       `json:"kind"`
	Offset        int             `json:"offset"`
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
	Deleted       bool            `json:"deleted,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Participant identifies the speaker of a message event.
type Participant struct {
	ID          string `json:"id,omitempty"`
	DisplayName string `json:"display_name"`
}

// MessageEventData is the payload of a message event.
type MessageEventData struct {
	Message     string      `json:"message"`
	Participant Participant `json:"participant"`
	Flagged     bool        `json:"flagged,omitempty"`
	Tags        []string    `json:"tags,omitempty"`
}

// ToolEventData is the payload of a tool event: one entry per call in the
// batch, in the order the calls were issued.
type ToolEventData struct {
	ToolCalls []ToolCallRecord `json:"tool_calls"`
}

// ToolCallRecord is one executed (or failed, or skipped) tool call inside a
// tool event.
type ToolCallRecord struct {
	ToolID    ToolID           `json:"tool_id"`
	Arguments map[string]any   `json:"arguments"`
	Result    ToolResultRecord `json:"result"`
}

// ToolResultRecord holds a call's outcome. Error is set when the call failed;
// failed calls keep their slot in the batch so result order mirrors call order.
type ToolResultRecord struct {
	Data     any               `json:"data,omitempty"`
	Control  *ControlDirective `json:"control,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// SessionStatus is the progress signal carried by a status event.
type SessionStatus string

const (
	StatusAcknowledged SessionStatus = "acknowledged"
	StatusProcessing   SessionStatus = "processing"
	StatusTyping       SessionStatus = "typing"
	StatusCancelled    SessionStatus = "cancelled"
	StatusReady        SessionStatus = "ready"
	StatusError        SessionStatus = "error"
)

// StatusEventData is the payload of a status event. Status events are
// best-effort progress signals; clients may ignore them.
type StatusEventData struct {
	Status             SessionStatus  `json:"status"`
	AcknowledgedOffset *int           `json:"acknowledged_offset,omitempty"`
	Data               map[string]any `json:"data,omitempty"`
}

// EncodeEventData marshals a typed event payload for storage in Event.Data.
func EncodeEventData(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
