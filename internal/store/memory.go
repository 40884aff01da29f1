package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/guidepost-ai/guidepost/pkg/models"
)

// Memory implements every store contract in memory. Suitable for tests and
// single-process deployments without durability requirements.
type Memory struct {
	mu           sync.RWMutex
	agents       map[string]*models.Agent
	customers    map[string]*models.Customer
	sessions     map[string]*models.Session
	guidelines   map[string]*models.Guideline
	bySource     map[string][]*models.GuidelineConnection
	byTarget     map[string][]*models.GuidelineConnection
	associations map[string][]*models.GuidelineToolAssociation
	variables    map[string]*models.ContextVariable
	values       map[string]map[string]*models.ContextVariableValue // variable id -> key -> value
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		agents:       map[string]*models.Agent{},
		customers:    map[string]*models.Customer{},
		sessions:     map[string]*models.Session{},
		guidelines:   map[string]*models.Guideline{},
		bySource:     map[string][]*models.GuidelineConnection{},
		byTarget:     map[string][]*models.GuidelineConnection{},
		associations: map[string][]*models.GuidelineToolAssociation{},
		variables:    map[string]*models.ContextVariable{},
		values:       map[string]map[string]*models.ContextVariableValue{},
	}
}

// Bundle returns the store bundle backed by this instance.
func (m *Memory) Bundle() Stores {
	return Stores{
		Agents:       m,
		Customers:    m,
		Sessions:     m,
		Guidelines:   m,
		Associations: m,
		Variables:    m,
	}
}

func (m *Memory) CreateAgent(ctx context.Context, agent *models.Agent) error {
	if agent == nil {
		return errors.New("agent is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}
	if agent.CompositionMode == "" {
		agent.CompositionMode = models.CompositionFluid
	}
	clone := *agent
	m.agents[agent.ID] = &clone
	return nil
}

func (m *Memory) ReadAgent(ctx context.Context, id string) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	clone := *agent
	return &clone, nil
}

func (m *Memory) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Agent, 0, len(m.agents))
	for _, agent := range m.agents {
		clone := *agent
		out = append(out, &clone)
	}
	return out, nil
}

func (m *Memory) CreateCustomer(ctx context.Context, customer *models.Customer) error {
	if customer == nil {
		return errors.New("customer is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if customer.ID == "" {
		customer.ID = uuid.NewString()
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}
	clone := *customer
	m.customers[customer.ID] = &clone
	return nil
}

func (m *Memory) ReadCustomer(ctx context.Context, id string) (*models.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	customer, ok := m.customers[id]
	if !ok {
		return nil, ErrCustomerNotFound
	}
	clone := *customer
	return &clone, nil
}

func (m *Memory) CreateSession(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	if session.Mode == "" {
		session.Mode = models.SessionModeAuto
	}
	if session.ConsumptionOffsets == nil {
		session.ConsumptionOffsets = map[string]int{}
	}
	m.sessions[session.ID] = cloneSession(session)
	return nil
}

func (m *Memory) ReadSession(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(session), nil
}

func (m *Memory) UpdateSession(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.ID]; !ok {
		return ErrSessionNotFound
	}
	m.sessions[session.ID] = cloneSession(session)
	return nil
}

func (m *Memory) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *Memory) ListSessions(ctx context.Context, agentID, customerID string) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Session
	for _, session := range m.sessions {
		if agentID != "" && session.AgentID != agentID {
			continue
		}
		if customerID != "" && session.CustomerID != customerID {
			continue
		}
		out = append(out, cloneSession(session))
	}
	return out, nil
}

func (m *Memory) CreateGuideline(ctx context.Context, g *models.Guideline) error {
	if g == nil {
		return errors.New("guideline is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	clone := *g
	m.guidelines[g.ID] = &clone
	return nil
}

func (m *Memory) ListGuidelines(ctx context.Context, agentID string) ([]*models.Guideline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Guideline
	for _, g := range m.guidelines {
		if g.AgentID == agentID {
			clone := *g
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *Memory) CreateConnection(ctx context.Context, c *models.GuidelineConnection) error {
	if c == nil {
		return errors.New("connection is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	clone := *c
	m.bySource[c.SourceID] = append(m.bySource[c.SourceID], &clone)
	m.byTarget[c.TargetID] = append(m.byTarget[c.TargetID], &clone)
	return nil
}

func (m *Memory) ListConnectionsFrom(ctx context.Context, sourceID string) ([]*models.GuidelineConnection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneConnections(m.bySource[sourceID]), nil
}

func (m *Memory) ListConnectionsTo(ctx context.Context, targetID string) ([]*models.GuidelineConnection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneConnections(m.byTarget[targetID]), nil
}

func (m *Memory) CreateAssociation(ctx context.Context, a *models.GuidelineToolAssociation) error {
	if a == nil {
		return errors.New("association is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	clone := *a
	m.associations[a.GuidelineID] = append(m.associations[a.GuidelineID], &clone)
	return nil
}

func (m *Memory) ListAssociations(ctx context.Context, guidelineID string) ([]*models.GuidelineToolAssociation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.associations[guidelineID]
	out := make([]*models.GuidelineToolAssociation, 0, len(src))
	for _, a := range src {
		clone := *a
		out = append(out, &clone)
	}
	return out, nil
}

func (m *Memory) CreateVariable(ctx context.Context, v *models.ContextVariable) error {
	if v == nil {
		return errors.New("variable is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	clone := *v
	m.variables[v.ID] = &clone
	return nil
}

func (m *Memory) ListVariables(ctx context.Context, agentID string) ([]*models.ContextVariable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ContextVariable
	for _, v := range m.variables {
		if v.AgentID == agentID {
			clone := *v
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *Memory) ReadValue(ctx context.Context, variableID, key string) (*models.ContextVariableValue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byKey, ok := m.values[variableID]
	if !ok {
		return nil, ErrVariableNotFound
	}
	value, ok := byKey[key]
	if !ok {
		return nil, ErrVariableNotFound
	}
	clone := *value
	return &clone, nil
}

func (m *Memory) WriteValue(ctx context.Context, value *models.ContextVariableValue) error {
	if value == nil {
		return errors.New("value is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if value.LastModified.IsZero() {
		value.LastModified = time.Now().UTC()
	}
	byKey, ok := m.values[value.VariableID]
	if !ok {
		byKey = map[string]*models.ContextVariableValue{}
		m.values[value.VariableID] = byKey
	}
	clone := *value
	byKey[value.Key] = &clone
	return nil
}

func cloneSession(s *models.Session) *models.Session {
	clone := *s
	clone.ConsumptionOffsets = make(map[string]int, len(s.ConsumptionOffsets))
	for k, v := range s.ConsumptionOffsets {
		clone.ConsumptionOffsets[k] = v
	}
	return &clone
}

func cloneConnections(src []*models.GuidelineConnection) []*models.GuidelineConnection {
	out := make([]*models.GuidelineConnection, 0, len(src))
	for _, c := range src {
		clone := *c
		out = append(out, &clone)
	}
	return out
}
