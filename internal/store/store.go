// Package store holds the persistence contracts the engine and controller
// consume, plus in-memory and SQLite-backed implementations. The engine only
// reads during a run; writes happen through the authoring surface.
package store

import (
	"context"
	"errors"

	"github.com/guidepost-ai/guidepost/pkg/models"
)

var (
	// ErrAgentNotFound is returned when the referenced agent does not exist.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrCustomerNotFound is returned when the referenced customer does not exist.
	ErrCustomerNotFound = errors.New("customer not found")

	// ErrSessionNotFound is returned when the referenced session does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrVariableNotFound is returned when a context variable or one of its
	// values does not exist.
	ErrVariableNotFound = errors.New("context variable not found")
)

// AgentStore provides access to agent definitions.
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *models.Agent) error
	ReadAgent(ctx context.Context, id string) (*models.Agent, error)
	ListAgents(ctx context.Context) ([]*models.Agent, error)
}

// CustomerStore provides access to customers.
type CustomerStore interface {
	CreateCustomer(ctx context.Context, customer *models.Customer) error
	ReadCustomer(ctx context.Context, id string) (*models.Customer, error)
}

// SessionStore persists sessions. Event payloads live in the event log, not
// here.
type SessionStore interface {
	CreateSession(ctx context.Context, session *models.Session) error
	ReadSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context, agentID, customerID string) ([]*models.Session, error)
}

// GuidelineStore provides guidelines and their connection graph. Connections
// are indexed in both directions; traversal is the engine's job.
type GuidelineStore interface {
	CreateGuideline(ctx context.Context, g *models.Guideline) error
	ListGuidelines(ctx context.Context, agentID string) ([]*models.Guideline, error)
	CreateConnection(ctx context.Context, c *models.GuidelineConnection) error
	ListConnectionsFrom(ctx context.Context, sourceID string) ([]*models.GuidelineConnection, error)
	ListConnectionsTo(ctx context.Context, targetID string) ([]*models.GuidelineConnection, error)
}

// AssociationStore links guidelines to the tools they may call.
type AssociationStore interface {
	CreateAssociation(ctx context.Context, a *models.GuidelineToolAssociation) error
	ListAssociations(ctx context.Context, guidelineID string) ([]*models.GuidelineToolAssociation, error)
}

// ContextVariableStore provides per-customer context values.
type ContextVariableStore interface {
	CreateVariable(ctx context.Context, v *models.ContextVariable) error
	ListVariables(ctx context.Context, agentID string) ([]*models.ContextVariable, error)
	ReadValue(ctx context.Context, variableID, key string) (*models.ContextVariableValue, error)
	WriteValue(ctx context.Context, value *models.ContextVariableValue) error
}

// Stores bundles everything a processing run reads.
type Stores struct {
	Agents       AgentStore
	Customers    CustomerStore
	Sessions     SessionStore
	Guidelines   GuidelineStore
	Associations AssociationStore
	Variables    ContextVariableStore
}
