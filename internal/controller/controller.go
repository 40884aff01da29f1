// Package controller owns session lifecycle and per-session task scheduling.
// Each session has at most one in-flight processing run; a new customer
// message cancels the previous run so rapid input coalesces onto the most
// recent message.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/guidepost-ai/guidepost/internal/engine"
	"github.com/guidepost-ai/guidepost/internal/eventlog"
	"github.com/guidepost-ai/guidepost/internal/observability"
	"github.com/guidepost-ai/guidepost/internal/store"
	"github.com/guidepost-ai/guidepost/pkg/models"
)

// DefaultCancelGrace is how long PostEvent waits for a superseded run to
// observe its cancellation before scheduling the next one.
const DefaultCancelGrace = 250 * time.Millisecond

// ErrInvalidInput marks request validation failures.
var ErrInvalidInput = errors.New("invalid input")

// Processor runs the processing pipeline for one session.
type Processor interface {
	Process(ctx context.Context, sessionID string) (bool, error)
}

// Config configures the controller.
type Config struct {
	// CancelGrace bounds the wait for a superseded run's cancellation.
	// Defaults to DefaultCancelGrace.
	CancelGrace time.Duration

	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Controller multiplexes sessions over the engine. All mutable state is the
// per-session slot table; everything else lives in the stores and the log.
type Controller struct {
	stores      store.Stores
	log         *eventlog.Log
	processor   Processor
	inspections *engine.InspectionStore
	grace       time.Duration
	metrics     *observability.Metrics
	logger      *slog.Logger

	mu    sync.Mutex
	slots map[string]*runSlot
}

// runSlot is one session's in-flight processing task.
type runSlot struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a controller. inspections may be nil when interaction
// inspection is not served.
func New(stores store.Stores, log *eventlog.Log, processor Processor, inspections *engine.InspectionStore, cfg Config) *Controller {
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = DefaultCancelGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Controller{
		stores:      stores,
		log:         log,
		processor:   processor,
		inspections: inspections,
		grace:       cfg.CancelGrace,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		slots:       map[string]*runSlot{},
	}
}

// CreateSessionRequest is the input to CreateSession.
type CreateSessionRequest struct {
	AgentID       string
	CustomerID    string
	Title         string
	AllowGreeting bool
}

// CreateSession validates the references and creates the session. With
// AllowGreeting set, one engine run is scheduled against the empty history;
// this is the only case where the agent may speak first.
func (c *Controller) CreateSession(ctx context.Context, req CreateSessionRequest) (*models.Session, error) {
	if _, err := c.stores.Agents.ReadAgent(ctx, req.AgentID); err != nil {
		return nil, err
	}
	if _, err := c.stores.Customers.ReadCustomer(ctx, req.CustomerID); err != nil {
		return nil, err
	}

	session := &models.Session{
		AgentID:    req.AgentID,
		CustomerID: req.CustomerID,
		Title:      req.Title,
		Mode:       models.SessionModeAuto,
	}
	if err := c.stores.Sessions.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	if req.AllowGreeting {
		c.scheduleRun(session.ID)
	}
	return session, nil
}

// ReadSession returns one session.
func (c *Controller) ReadSession(ctx context.Context, id string) (*models.Session, error) {
	return c.stores.Sessions.ReadSession(ctx, id)
}

// ListSessions returns sessions, optionally narrowed by agent or customer.
func (c *Controller) ListSessions(ctx context.Context, agentID, customerID string) ([]*models.Session, error) {
	return c.stores.Sessions.ListSessions(ctx, agentID, customerID)
}

// UpdateSessionRequest patches a session. Nil fields are left unchanged.
type UpdateSessionRequest struct {
	Title              *string
	Mode               *models.SessionMode
	ConsumptionOffsets map[string]int
}

// UpdateSession applies a patch to the session. Consumption offsets are
// merged per consumer, not replaced wholesale.
func (c *Controller) UpdateSession(ctx context.Context, id string, req UpdateSessionRequest) (*models.Session, error) {
	session, err := c.stores.Sessions.ReadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Title != nil {
		session.Title = *req.Title
	}
	if req.Mode != nil {
		switch *req.Mode {
		case models.SessionModeAuto, models.SessionModeManual:
			session.Mode = *req.Mode
		default:
			return nil, fmt.Errorf("%w: session mode %q", ErrInvalidInput, *req.Mode)
		}
	}
	for consumer, offset := range req.ConsumptionOffsets {
		if offset < 0 {
			return nil, fmt.Errorf("%w: consumption offset for %q must be non-negative", ErrInvalidInput, consumer)
		}
		session.ConsumptionOffsets[consumer] = offset
	}
	if err := c.stores.Sessions.UpdateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// DeleteSession cancels any in-flight run, then removes the session, its
// events, and its recorded inspections.
func (c *Controller) DeleteSession(ctx context.Context, id string) error {
	if _, err := c.stores.Sessions.ReadSession(ctx, id); err != nil {
		return err
	}
	c.cancelRun(id, true)

	if err := c.stores.Sessions.DeleteSession(ctx, id); err != nil {
		return err
	}
	if _, err := c.log.DropSession(ctx, id); err != nil {
		return fmt.Errorf("drop session events: %w", err)
	}
	if c.inspections != nil {
		c.inspections.DropSession(id)
	}
	return nil
}

// DeleteSessions removes every session matching the agent and/or customer
// filter and returns the deleted session ids.
func (c *Controller) DeleteSessions(ctx context.Context, agentID, customerID string) ([]string, error) {
	sessions, err := c.stores.Sessions.ListSessions(ctx, agentID, customerID)
	if err != nil {
		return nil, err
	}
	var deleted []string
	for _, session := range sessions {
		if err := c.DeleteSession(ctx, session.ID); err != nil {
			if errors.Is(err, store.ErrSessionNotFound) {
				continue
			}
			return deleted, err
		}
		deleted = append(deleted, session.ID)
	}
	return deleted, nil
}

// PostEvent appends a client-posted event to the session log. A customer
// message on an auto-mode session supersedes any in-flight run: the run is
// cancelled, waited for up to the grace period, and a fresh run is scheduled
// against the latest state.
func (c *Controller) PostEvent(ctx context.Context, sessionID string, source models.EventSource, kind models.EventKind, data json.RawMessage) (*models.Event, error) {
	session, err := c.stores.Sessions.ReadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	ev, err := c.log.Append(ctx, sessionID, source, kind, uuid.NewString(), data)
	if err != nil {
		return nil, err
	}
	c.metrics.EventAppended(string(kind))

	if source == models.SourceCustomer && kind == models.EventKindMessage && session.Mode == models.SessionModeAuto {
		c.scheduleRun(sessionID)
	}
	return ev, nil
}

// ListEvents returns the session's events through the given filter.
func (c *Controller) ListEvents(ctx context.Context, sessionID string, filter eventlog.Filter) ([]*models.Event, error) {
	if _, err := c.stores.Sessions.ReadSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return c.log.List(ctx, sessionID, filter)
}

// DeleteEventsFrom tombstones every event with offset >= minOffset and
// returns their ids in original offset order.
func (c *Controller) DeleteEventsFrom(ctx context.Context, sessionID string, minOffset int) ([]string, error) {
	if _, err := c.stores.Sessions.ReadSession(ctx, sessionID); err != nil {
		return nil, err
	}
	events, err := c.log.List(ctx, sessionID, eventlog.Filter{
		MinOffset:      &minOffset,
		ExcludeDeleted: true,
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		if err := c.log.Delete(ctx, ev.ID); err != nil {
			return ids, err
		}
		ids = append(ids, ev.ID)
	}
	return ids, nil
}

// WaitForUpdate blocks until an event at or past minOffset matches the kind
// and source filters, or the timeout elapses. A zero timeout is a
// non-blocking poll.
func (c *Controller) WaitForUpdate(ctx context.Context, sessionID string, minOffset int, kinds []models.EventKind, source models.EventSource, timeout time.Duration) (bool, error) {
	if _, err := c.stores.Sessions.ReadSession(ctx, sessionID); err != nil {
		return false, err
	}
	return c.log.Wait(ctx, sessionID, func(ev *models.Event) bool {
		if ev.Offset < minOffset {
			return false
		}
		if source != "" && ev.Source != source {
			return false
		}
		if len(kinds) > 0 {
			found := false
			for _, k := range kinds {
				if ev.Kind == k {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	}, timeout)
}

// Interaction bundles the events of one processing run with the preparation
// metadata explaining how the reply came about.
type Interaction struct {
	CorrelationID string             `json:"correlation_id"`
	Events        []*models.Event    `json:"events"`
	Inspection    *engine.Inspection `json:"inspection,omitempty"`
}

// ReadInteraction returns all events sharing the correlation id plus the
// run's inspection, when one was recorded.
func (c *Controller) ReadInteraction(ctx context.Context, sessionID, correlationID string) (*Interaction, error) {
	if _, err := c.stores.Sessions.ReadSession(ctx, sessionID); err != nil {
		return nil, err
	}
	events, err := c.log.List(ctx, sessionID, eventlog.Filter{CorrelationID: correlationID})
	if err != nil {
		return nil, err
	}
	out := &Interaction{CorrelationID: correlationID, Events: events}
	if c.inspections != nil {
		if insp, ok := c.inspections.Get(correlationID); ok {
			out.Inspection = insp
		}
	}
	return out, nil
}

// Close cancels every in-flight run and waits briefly for each.
func (c *Controller) Close() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.slots))
	for id := range c.slots {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.cancelRun(id, true)
	}
}

// scheduleRun starts a processing task for the session, superseding any
// in-flight run. The slot swap and the cancellation of the previous run
// happen in one critical section so that concurrent posts can never leave
// an uncancelled run behind; the grace wait happens outside the lock.
func (c *Controller) scheduleRun(sessionID string) {
	ctx, cancel := context.WithCancel(context.Background())
	slot := &runSlot{cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	prev := c.slots[sessionID]
	c.slots[sessionID] = slot
	if prev != nil {
		prev.cancel()
	}
	c.mu.Unlock()

	if prev != nil {
		select {
		case <-prev.done:
		case <-time.After(c.grace):
			// Proceed anyway so rapid customer input never queues behind a
			// slow run.
		}
	}

	go func() {
		defer close(slot.done)
		defer cancel()

		replied, err := c.processor.Process(ctx, sessionID)
		if err != nil && ctx.Err() == nil {
			c.logger.Error("processing run failed",
				"session_id", sessionID,
				"error", err)
		} else {
			c.logger.Debug("processing run done",
				"session_id", sessionID,
				"replied", replied)
		}

		c.mu.Lock()
		if c.slots[sessionID] == slot {
			delete(c.slots, sessionID)
		}
		c.mu.Unlock()
	}()
}

// cancelRun signals the session's in-flight run, if any, and optionally
// waits for it to observe the cancellation, bounded by the grace period.
func (c *Controller) cancelRun(sessionID string, wait bool) {
	c.mu.Lock()
	slot := c.slots[sessionID]
	if slot != nil {
		delete(c.slots, sessionID)
	}
	c.mu.Unlock()
	if slot == nil {
		return
	}

	slot.cancel()
	if !wait {
		return
	}
	select {
	case <-slot.done:
	case <-time.After(c.grace):
		// Proceed anyway so rapid customer input never queues behind a
		// slow run.
	}
}
