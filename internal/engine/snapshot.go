// Package engine implements the per-session processing pipeline: guideline
// proposition, connection expansion, tool call inference and execution, and
// message generation, orchestrated over bounded iterations with cooperative
// cancellation.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/guidepost-ai/guidepost/internal/eventlog"
	"github.com/guidepost-ai/guidepost/internal/store"
	"github.com/guidepost-ai/guidepost/pkg/models"
)

// relevantTermLimit caps how many glossary terms are pulled into one run.
const relevantTermLimit = 10

// HistoryMessage is one message event rendered for prompting.
type HistoryMessage struct {
	Offset      int                `json:"offset"`
	Source      models.EventSource `json:"source"`
	Participant string             `json:"participant,omitempty"`
	Message     string             `json:"message"`
}

// VariableValue pairs a context variable with its value for the current
// customer. Value is nil when no value is stored under the customer's key.
type VariableValue struct {
	Variable *models.ContextVariable      `json:"variable"`
	Value    *models.ContextVariableValue `json:"value,omitempty"`
}

// Snapshot is everything the pipeline phases read about the current
// interaction state. It is rebuilt per iteration so staged tool results
// become visible to subsequent phases.
type Snapshot struct {
	History     []HistoryMessage
	Variables   []VariableValue
	Terms       []*models.Term
	StagedTools []models.ToolEventData
}

// LastCustomerMessage returns the most recent customer message, or "".
func (s *Snapshot) LastCustomerMessage() string {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Source == models.SourceCustomer {
			return s.History[i].Message
		}
	}
	return ""
}

// TermLookup is the glossary capability the engine consumes.
type TermLookup interface {
	FindRelevant(ctx context.Context, agentID, query string, topK int) ([]*models.Term, error)
}

// buildSnapshot assembles the interaction state for one pipeline iteration.
func (e *Engine) buildSnapshot(ctx context.Context, session *models.Session, agent *models.Agent, staged []models.ToolEventData) (*Snapshot, error) {
	events, err := e.log.List(ctx, session.ID, eventlog.Filter{
		Kinds:          []models.EventKind{models.EventKindMessage},
		ExcludeDeleted: true,
	})
	if err != nil {
		return nil, fmt.Errorf("list message events: %w", err)
	}

	snap := &Snapshot{StagedTools: staged}
	for _, ev := range events {
		var data models.MessageEventData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			e.logger.Warn("skipping undecodable message event",
				"session_id", session.ID,
				"offset", ev.Offset,
				"error", err)
			continue
		}
		snap.History = append(snap.History, HistoryMessage{
			Offset:      ev.Offset,
			Source:      ev.Source,
			Participant: data.Participant.DisplayName,
			Message:     data.Message,
		})
	}

	variables, err := e.stores.Variables.ListVariables(ctx, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("list context variables: %w", err)
	}
	for _, v := range variables {
		value, err := e.stores.Variables.ReadValue(ctx, v.ID, session.CustomerID)
		if err != nil && !errors.Is(err, store.ErrVariableNotFound) {
			return nil, fmt.Errorf("read context variable %q: %w", v.Name, err)
		}
		snap.Variables = append(snap.Variables, VariableValue{Variable: v, Value: value})
	}

	if e.terms != nil {
		query := termQuery(snap.History)
		if query != "" {
			terms, err := e.terms.FindRelevant(ctx, agent.ID, query, relevantTermLimit)
			if err != nil {
				return nil, fmt.Errorf("find relevant terms: %w", err)
			}
			snap.Terms = terms
		}
	}

	return snap, nil
}

// termQuery joins the interaction's messages into one similarity query. The
// glossary store chunks over-long queries itself.
func termQuery(history []HistoryMessage) string {
	var parts []string
	for _, m := range history {
		parts = append(parts, m.Message)
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
