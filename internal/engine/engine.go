package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/guidepost-ai/guidepost/internal/eventlog"
	"github.com/guidepost-ai/guidepost/internal/observability"
	"github.com/guidepost-ai/guidepost/internal/store"
	"github.com/guidepost-ai/guidepost/internal/toolservice"
	"github.com/guidepost-ai/guidepost/pkg/models"
)

// Deps wires the engine's collaborators. Stores, Log, Proposer, Expander,
// ToolCaller, and Generator are required; the rest are optional.
type Deps struct {
	Stores      store.Stores
	Log         *eventlog.Log
	Terms       TermLookup
	Registry    *toolservice.Registry
	Proposer    *Proposer
	Expander    *Expander
	ToolCaller  *ToolCaller
	Generator   *MessageGenerator
	Inspections *InspectionStore
	Metrics     *observability.Metrics
	Tracer      *observability.Tracer
	Logger      *slog.Logger
}

// Engine runs the preparation→generation pipeline for one session at a time.
// All events emitted by one run share a single correlation id.
type Engine struct {
	stores      store.Stores
	log         *eventlog.Log
	terms       TermLookup
	registry    *toolservice.Registry
	proposer    *Proposer
	expander    *Expander
	toolCaller  *ToolCaller
	generator   *MessageGenerator
	inspections *InspectionStore
	metrics     *observability.Metrics
	tracer      *observability.Tracer
	logger      *slog.Logger
}

// New creates an engine from its dependencies.
func New(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	inspections := deps.Inspections
	if inspections == nil {
		inspections = NewInspectionStore()
	}
	return &Engine{
		stores:      deps.Stores,
		log:         deps.Log,
		terms:       deps.Terms,
		registry:    deps.Registry,
		proposer:    deps.Proposer,
		expander:    deps.Expander,
		toolCaller:  deps.ToolCaller,
		generator:   deps.Generator,
		inspections: inspections,
		metrics:     deps.Metrics,
		tracer:      deps.Tracer,
		logger:      logger,
	}
}

// Inspections exposes the run inspection store for the interactions endpoint.
func (e *Engine) Inspections() *InspectionStore {
	return e.inspections
}

// Process runs the full pipeline for a session. It returns whether a reply
// message was emitted. A session in manual mode returns immediately without
// emitting anything. Cancellation is cooperative: between phases the engine
// checks the context and, once cancelled, emits a cancelled status and stops
// without further domain events.
func (e *Engine) Process(ctx context.Context, sessionID string) (replied bool, err error) {
	session, err := e.stores.Sessions.ReadSession(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("read session: %w", err)
	}
	if session.Mode == models.SessionModeManual {
		e.logger.Debug("session is in manual mode, skipping run", "session_id", sessionID)
		e.metrics.RunSkipped()
		return false, nil
	}

	agent, err := e.stores.Agents.ReadAgent(ctx, session.AgentID)
	if err != nil {
		return false, fmt.Errorf("read agent: %w", err)
	}

	correlationID := uuid.NewString()
	start := time.Now()
	e.metrics.RunStarted()

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.TraceRun(ctx, sessionID, correlationID)
		defer func() {
			e.tracer.RecordError(span, err)
			span.End()
		}()
	}

	iterations := 0
	finish := func(outcome string) {
		e.metrics.RunFinished(outcome, time.Since(start).Seconds(), iterations)
	}

	ackOffset, err := e.lastCustomerMessageOffset(ctx, sessionID)
	if err != nil {
		finish(observability.OutcomeError)
		return false, err
	}

	insp := &Inspection{
		CorrelationID: correlationID,
		SessionID:     sessionID,
		TriggerOffset: ackOffset,
		CreatedAt:     time.Now().UTC(),
	}
	defer e.inspections.Put(insp)

	logger := e.logger.With(
		"session_id", sessionID,
		"agent_id", agent.ID,
		"correlation_id", correlationID)

	if err := e.emitStatus(ctx, sessionID, correlationID, models.StatusAcknowledged, ackOffset, nil); err != nil {
		finish(observability.OutcomeError)
		return false, err
	}
	if err := e.emitStatus(ctx, sessionID, correlationID, models.StatusProcessing, ackOffset, nil); err != nil {
		finish(observability.OutcomeError)
		return false, err
	}

	fatal := func(cause error) (bool, error) {
		logger.Error("processing run failed", "error", cause)
		e.emitStatusDetached(ctx, sessionID, correlationID, models.StatusError, ackOffset, map[string]any{
			"error": cause.Error(),
		})
		finish(observability.OutcomeError)
		return false, cause
	}
	cancelled := func() (bool, error) {
		logger.Info("processing run cancelled")
		e.emitStatusDetached(ctx, sessionID, correlationID, models.StatusCancelled, ackOffset, nil)
		finish(observability.OutcomeCancelled)
		return false, nil
	}

	emitter := &logEmitter{
		engine:        e,
		sessionID:     sessionID,
		correlationID: correlationID,
		agent:         agent,
	}
	tctx := toolservice.ToolContext{
		AgentID:       agent.ID,
		SessionID:     sessionID,
		CustomerID:    session.CustomerID,
		CorrelationID: correlationID,
		Emitter:       emitter,
	}

	var staged []models.ToolEventData
	var lastProps []models.GuidelineProposition
	var lastSnap *Snapshot
	manualRequested := false

	maxIterations := agent.EffectiveMaxIterations()
	for iterations < maxIterations {
		if ctx.Err() != nil {
			return cancelled()
		}
		iterations++

		snap, err := e.buildSnapshot(ctx, session, agent, staged)
		if err != nil {
			return fatal(err)
		}
		lastSnap = snap
		if insp.Terms == nil {
			insp.Terms = snap.Terms
			insp.Variables = snap.Variables
		}

		guidelines, err := e.stores.Guidelines.ListGuidelines(ctx, agent.ID)
		if err != nil {
			return fatal(fmt.Errorf("list guidelines: %w", err))
		}

		props, err := e.proposer.Propose(ctx, agent, guidelines, snap)
		if err != nil {
			if ctx.Err() != nil {
				return cancelled()
			}
			return fatal(err)
		}
		props, err = e.expander.Expand(ctx, agent.ID, props)
		if err != nil {
			return fatal(err)
		}
		lastProps = props

		iterInsp := IterationInspection{Propositions: props}

		ordinary, candidates, err := e.partitionByTools(ctx, props)
		if err != nil {
			return fatal(err)
		}
		if len(candidates) == 0 {
			insp.Iterations = append(insp.Iterations, iterInsp)
			break
		}

		if ctx.Err() != nil {
			return cancelled()
		}
		records, dispatched, err := e.toolCaller.InferAndExecute(ctx, tctx, ordinary, candidates, snap)
		if err != nil {
			if ctx.Err() != nil {
				return cancelled()
			}
			return fatal(err)
		}
		if ctx.Err() != nil {
			// Outstanding tools were waited for; their results are
			// discarded without a tool event.
			return cancelled()
		}

		if len(records) == 0 {
			insp.Iterations = append(insp.Iterations, iterInsp)
			break
		}

		toolData := models.ToolEventData{ToolCalls: records}
		raw, err := models.EncodeEventData(toolData)
		if err != nil {
			return fatal(fmt.Errorf("encode tool event: %w", err))
		}
		if _, err := e.appendEvent(ctx, sessionID, models.SourceAIAgent, models.EventKindTool, correlationID, raw); err != nil {
			return fatal(err)
		}
		iterInsp.ToolCalls = records
		insp.Iterations = append(insp.Iterations, iterInsp)
		staged = append(staged, toolData)

		for _, rec := range records {
			outcome := "success"
			if rec.Result.Error != "" {
				outcome = "error"
			}
			e.metrics.RecordToolCall(rec.ToolID.Service, outcome, 0)
			if rec.Result.Control != nil && rec.Result.Control.Mode == models.SessionModeManual {
				manualRequested = true
			}
		}

		if dispatched == 0 {
			break
		}
	}

	if ctx.Err() != nil {
		return cancelled()
	}
	if err := e.emitStatus(ctx, sessionID, correlationID, models.StatusTyping, ackOffset, nil); err != nil {
		finish(observability.OutcomeError)
		return false, err
	}

	if lastSnap == nil || len(staged) > 0 {
		lastSnap, err = e.buildSnapshot(ctx, session, agent, staged)
		if err != nil {
			return fatal(err)
		}
	}

	generated, err := e.generator.Generate(ctx, agent, lastProps, lastSnap)
	if err != nil {
		if ctx.Err() != nil {
			return cancelled()
		}
		return fatal(err)
	}
	insp.ReplyRationale = generated.Rationale

	if ctx.Err() != nil {
		return cancelled()
	}

	if generated.ProducedReply {
		data := models.MessageEventData{
			Message: generated.Content,
			Participant: models.Participant{
				ID:          agent.ID,
				DisplayName: agent.Name,
			},
		}
		raw, err := models.EncodeEventData(data)
		if err != nil {
			return fatal(fmt.Errorf("encode message event: %w", err))
		}
		if _, err := e.appendEvent(ctx, sessionID, models.SourceAIAgent, models.EventKindMessage, correlationID, raw); err != nil {
			return fatal(err)
		}
		replied = true
	}

	// A tool that handed the session to a human takes effect before ready,
	// so the next customer message does not auto-trigger a run.
	if manualRequested {
		session.Mode = models.SessionModeManual
		if err := e.stores.Sessions.UpdateSession(ctx, session); err != nil {
			return fatal(fmt.Errorf("switch session to manual mode: %w", err))
		}
		logger.Info("session handed over to manual mode by tool directive")
	}

	if err := e.emitStatus(ctx, sessionID, correlationID, models.StatusReady, ackOffset, nil); err != nil {
		finish(observability.OutcomeError)
		return replied, err
	}

	logger.Info("processing run finished",
		"replied", replied,
		"iterations", iterations,
		"duration", time.Since(start))
	finish(observability.OutcomeReady)
	return replied, nil
}

// partitionByTools splits propositions into those without tools and those
// whose guideline has tool associations, resolving each associated tool's
// schema through the registry.
func (e *Engine) partitionByTools(ctx context.Context, props []models.GuidelineProposition) ([]models.GuidelineProposition, []ToolCandidate, error) {
	var ordinary []models.GuidelineProposition
	var candidates []ToolCandidate

	for _, p := range props {
		assocs, err := e.stores.Associations.ListAssociations(ctx, p.Guideline.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("list tool associations: %w", err)
		}
		if len(assocs) == 0 || e.registry == nil {
			ordinary = append(ordinary, p)
			continue
		}

		var tools []*models.Tool
		for _, assoc := range assocs {
			tool, err := e.registry.ReadTool(ctx, assoc.ToolID)
			if err != nil {
				e.logger.Warn("associated tool unavailable",
					"guideline_id", p.Guideline.ID,
					"tool", assoc.ToolID.String(),
					"error", err)
				continue
			}
			tools = append(tools, tool)
		}
		if len(tools) == 0 {
			ordinary = append(ordinary, p)
			continue
		}
		candidates = append(candidates, ToolCandidate{Proposition: p, Tools: tools})
	}
	return ordinary, candidates, nil
}

// lastCustomerMessageOffset returns the offset of the most recent customer
// message event, or nil for a session without one (greeting runs).
func (e *Engine) lastCustomerMessageOffset(ctx context.Context, sessionID string) (*int, error) {
	events, err := e.log.List(ctx, sessionID, eventlog.Filter{
		Source:         models.SourceCustomer,
		Kinds:          []models.EventKind{models.EventKindMessage},
		ExcludeDeleted: true,
	})
	if err != nil {
		return nil, fmt.Errorf("find triggering event: %w", err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	offset := events[len(events)-1].Offset
	return &offset, nil
}

func (e *Engine) appendEvent(ctx context.Context, sessionID string, source models.EventSource, kind models.EventKind, correlationID string, data json.RawMessage) (*models.Event, error) {
	ev, err := e.log.Append(ctx, sessionID, source, kind, correlationID, data)
	if err != nil {
		return nil, err
	}
	e.metrics.EventAppended(string(kind))
	return ev, nil
}

func (e *Engine) emitStatus(ctx context.Context, sessionID, correlationID string, status models.SessionStatus, ackOffset *int, extra map[string]any) error {
	raw, err := models.EncodeEventData(models.StatusEventData{
		Status:             status,
		AcknowledgedOffset: ackOffset,
		Data:               extra,
	})
	if err != nil {
		return fmt.Errorf("encode status event: %w", err)
	}
	if _, err := e.appendEvent(ctx, sessionID, models.SourceAIAgent, models.EventKindStatus, correlationID, raw); err != nil {
		return fmt.Errorf("emit %s status: %w", status, err)
	}
	return nil
}

// emitStatusDetached appends a terminal status even when the run context is
// already cancelled. Status events are best-effort: failure is logged only.
func (e *Engine) emitStatusDetached(ctx context.Context, sessionID, correlationID string, status models.SessionStatus, ackOffset *int, extra map[string]any) {
	if err := e.emitStatus(context.WithoutCancel(ctx), sessionID, correlationID, status, ackOffset, extra); err != nil {
		e.logger.Warn("terminal status emit failed",
			"session_id", sessionID,
			"status", status,
			"error", err)
	}
}

// logEmitter lets tools stream intermediate events into the session log under
// the run's correlation id.
type logEmitter struct {
	engine        *Engine
	sessionID     string
	correlationID string
	agent         *models.Agent
}

func (em *logEmitter) EmitMessage(ctx context.Context, message string) error {
	raw, err := models.EncodeEventData(models.MessageEventData{
		Message: message,
		Participant: models.Participant{
			ID:          em.agent.ID,
			DisplayName: em.agent.Name,
		},
	})
	if err != nil {
		return err
	}
	_, err = em.engine.appendEvent(ctx, em.sessionID, models.SourceAIAgent, models.EventKindMessage, em.correlationID, raw)
	return err
}

func (em *logEmitter) EmitStatus(ctx context.Context, status models.SessionStatus, data map[string]any) error {
	raw, err := models.EncodeEventData(models.StatusEventData{Status: status, Data: data})
	if err != nil {
		return err
	}
	_, err = em.engine.appendEvent(ctx, em.sessionID, models.SourceAIAgent, models.EventKindStatus, em.correlationID, raw)
	return err
}
