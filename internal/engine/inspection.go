package engine

import (
	"sync"
	"time"

	"github.com/guidepost-ai/guidepost/pkg/models"
)

// IterationInspection records what one proposer→tools round saw and did.
type IterationInspection struct {
	Propositions []models.GuidelineProposition `json:"propositions"`
	ToolCalls    []models.ToolCallRecord       `json:"tool_calls,omitempty"`
}

// Inspection is the preparation metadata of one processing run, keyed by its
// correlation id. It explains how the reply was produced: which guidelines
// were proposed with what scores, which tools ran, and which terms and
// context values were in scope.
type Inspection struct {
	CorrelationID  string                `json:"correlation_id"`
	SessionID      string                `json:"session_id"`
	TriggerOffset  *int                  `json:"trigger_offset,omitempty"`
	Iterations     []IterationInspection `json:"iterations"`
	Terms          []*models.Term        `json:"terms,omitempty"`
	Variables      []VariableValue       `json:"context_variables,omitempty"`
	ReplyRationale string                `json:"reply_rationale,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
}

// InspectionStore keeps run inspections in memory for later retrieval
// through the interactions endpoint.
type InspectionStore struct {
	mu        sync.Mutex
	byRun     map[string]*Inspection
	bySession map[string][]string // session id -> correlation ids
}

// NewInspectionStore creates an empty inspection store.
func NewInspectionStore() *InspectionStore {
	return &InspectionStore{
		byRun:     make(map[string]*Inspection),
		bySession: make(map[string][]string),
	}
}

// Put stores a run's inspection, replacing any prior one for the same
// correlation id.
func (s *InspectionStore) Put(insp *Inspection) {
	if insp == nil || insp.CorrelationID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byRun[insp.CorrelationID]; !exists {
		s.bySession[insp.SessionID] = append(s.bySession[insp.SessionID], insp.CorrelationID)
	}
	s.byRun[insp.CorrelationID] = insp
}

// Get returns the inspection for a correlation id.
func (s *InspectionStore) Get(correlationID string) (*Inspection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	insp, ok := s.byRun[correlationID]
	return insp, ok
}

// DropSession discards all inspections recorded for a session.
func (s *InspectionStore) DropSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cid := range s.bySession[sessionID] {
		delete(s.byRun, cid)
	}
	delete(s.bySession, sessionID)
}
