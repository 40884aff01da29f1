package models

import "time"

// SessionMode controls whether customer messages trigger automatic engine
// runs. Manual mode disables them until the mode is reset.
type SessionMode string

const (
	SessionModeAuto   SessionMode = "auto"
	SessionModeManual SessionMode = "manual"
)

// Session is one conversation between a customer and an agent. A session
// exclusively owns its event log.
type Session struct {
	ID                 string         `json:"id"`
	AgentID            string         `json:"agent_id"`
	CustomerID         string         `json:"customer_id"`
	Title              string         `json:"title,omitempty"`
	Mode               SessionMode    `json:"mode"`
	ConsumptionOffsets map[string]int `json:"consumption_offsets"`
	CreatedAt          time.Time      `json:"created_at"`
}

// ControlDirective lets a tool steer session behavior through its result.
// Mode=manual hands the session over to a human operator.
type ControlDirective struct {
	Mode SessionMode `json:"mode,omitempty"`
}
