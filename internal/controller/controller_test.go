package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/guidepost-ai/guidepost/internal/engine"
	"github.com/guidepost-ai/guidepost/internal/eventlog"
	"github.com/guidepost-ai/guidepost/internal/store"
	"github.com/guidepost-ai/guidepost/pkg/models"
)

// fakeProcessor stands in for the engine. With block set, each run parks
// until its context is cancelled so supersession can be observed.
type fakeProcessor struct {
	block bool

	mu        sync.Mutex
	started   []string
	completed []string
	cancelled int
	active    int
}

func (p *fakeProcessor) Process(ctx context.Context, sessionID string) (bool, error) {
	p.mu.Lock()
	p.started = append(p.started, sessionID)
	p.active++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}()

	if p.block {
		<-ctx.Done()
		p.mu.Lock()
		p.cancelled++
		p.mu.Unlock()
		return false, ctx.Err()
	}

	p.mu.Lock()
	p.completed = append(p.completed, sessionID)
	p.mu.Unlock()
	return true, nil
}

func (p *fakeProcessor) startedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.started)
}

func (p *fakeProcessor) cancelledCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

func (p *fakeProcessor) activeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

type fixture struct {
	ctrl        *Controller
	mem         *store.Memory
	log         *eventlog.Log
	proc        *fakeProcessor
	inspections *engine.InspectionStore
	session     *models.Session
}

func newFixture(t *testing.T, proc *fakeProcessor) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	log := eventlog.New(nil)
	inspections := engine.NewInspectionStore()

	agent := &models.Agent{Name: "Astro", Description: "support agent"}
	if err := mem.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent() error = %v", err)
	}
	customer := &models.Customer{Name: "Dana"}
	if err := mem.CreateCustomer(ctx, customer); err != nil {
		t.Fatalf("CreateCustomer() error = %v", err)
	}

	ctrl := New(mem.Bundle(), log, proc, inspections, Config{CancelGrace: 50 * time.Millisecond})
	t.Cleanup(ctrl.Close)

	session, err := ctrl.CreateSession(ctx, CreateSessionRequest{
		AgentID:    agent.ID,
		CustomerID: customer.ID,
		Title:      "test session",
	})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	return &fixture{ctrl: ctrl, mem: mem, log: log, proc: proc, inspections: inspections, session: session}
}

func messageData(t *testing.T, text string) json.RawMessage {
	t.Helper()
	data, err := models.EncodeEventData(models.MessageEventData{Message: text})
	if err != nil {
		t.Fatalf("EncodeEventData() error = %v", err)
	}
	return data
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPostCustomerMessageSchedulesRun(t *testing.T) {
	proc := &fakeProcessor{}
	f := newFixture(t, proc)

	ev, err := f.ctrl.PostEvent(context.Background(), f.session.ID, models.SourceCustomer, models.EventKindMessage, messageData(t, "Hello"))
	if err != nil {
		t.Fatalf("PostEvent() error = %v", err)
	}
	if ev.Offset != 0 {
		t.Fatalf("first event must take offset 0, got %d", ev.Offset)
	}
	waitFor(t, "processing run", func() bool { return proc.startedCount() == 1 })
}

func TestRapidMessagesSupersedePriorRuns(t *testing.T) {
	proc := &fakeProcessor{block: true}
	f := newFixture(t, proc)
	ctx := context.Background()

	for _, text := range []string{"A", "B", "C"} {
		if _, err := f.ctrl.PostEvent(ctx, f.session.ID, models.SourceCustomer, models.EventKindMessage, messageData(t, text)); err != nil {
			t.Fatalf("PostEvent(%q) error = %v", text, err)
		}
	}

	// The runs for A and B must have been cancelled; only C's run is left
	// in flight.
	waitFor(t, "superseded runs to observe cancellation", func() bool {
		return proc.cancelledCount() >= 2
	})
	waitFor(t, "all three runs to start", func() bool {
		return proc.startedCount() == 3
	})
}

func TestConcurrentPostsLeaveOneRunInFlight(t *testing.T) {
	proc := &fakeProcessor{block: true}
	f := newFixture(t, proc)
	ctx := context.Background()
	data := messageData(t, "hello")

	// Bursts of simultaneous posts for the same session: every superseded
	// run must be cancelled, never orphaned by a concurrent slot swap.
	const rounds, posters = 25, 4
	for round := 0; round < rounds; round++ {
		var wg sync.WaitGroup
		for i := 0; i < posters; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := f.ctrl.PostEvent(ctx, f.session.ID, models.SourceCustomer, models.EventKindMessage, data); err != nil {
					t.Errorf("PostEvent() error = %v", err)
				}
			}()
		}
		wg.Wait()
	}

	const total = rounds * posters
	waitFor(t, "every posted message to start a run", func() bool {
		return proc.startedCount() == total
	})
	waitFor(t, "every superseded run to observe cancellation", func() bool {
		return proc.cancelledCount() == total-1
	})
	if got := proc.activeCount(); got != 1 {
		t.Fatalf("expected exactly one run left in flight, got %d", got)
	}
}

func TestManualModeDoesNotScheduleRun(t *testing.T) {
	proc := &fakeProcessor{}
	f := newFixture(t, proc)
	ctx := context.Background()

	manual := models.SessionModeManual
	if _, err := f.ctrl.UpdateSession(ctx, f.session.ID, UpdateSessionRequest{Mode: &manual}); err != nil {
		t.Fatalf("UpdateSession() error = %v", err)
	}
	if _, err := f.ctrl.PostEvent(ctx, f.session.ID, models.SourceCustomer, models.EventKindMessage, messageData(t, "anyone there?")); err != nil {
		t.Fatalf("PostEvent() error = %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if proc.startedCount() != 0 {
		t.Fatalf("manual session must not trigger processing, got %d runs", proc.startedCount())
	}
}

func TestNonCustomerEventDoesNotScheduleRun(t *testing.T) {
	proc := &fakeProcessor{}
	f := newFixture(t, proc)

	if _, err := f.ctrl.PostEvent(context.Background(), f.session.ID, models.SourceHumanAgentOnBehalfOf, models.EventKindMessage, messageData(t, "operator note")); err != nil {
		t.Fatalf("PostEvent() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if proc.startedCount() != 0 {
		t.Fatalf("human-agent message must not trigger processing, got %d runs", proc.startedCount())
	}
}

func TestCreateSessionWithGreetingSchedulesRun(t *testing.T) {
	proc := &fakeProcessor{}
	f := newFixture(t, proc)

	if _, err := f.ctrl.CreateSession(context.Background(), CreateSessionRequest{
		AgentID:       f.session.AgentID,
		CustomerID:    f.session.CustomerID,
		AllowGreeting: true,
	}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	waitFor(t, "greeting run", func() bool { return proc.startedCount() == 1 })
}

func TestCreateSessionRejectsUnknownAgent(t *testing.T) {
	f := newFixture(t, &fakeProcessor{})

	_, err := f.ctrl.CreateSession(context.Background(), CreateSessionRequest{
		AgentID:    "no-such-agent",
		CustomerID: f.session.CustomerID,
	})
	if !errors.Is(err, store.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestUpdateSessionMergesConsumptionOffsets(t *testing.T) {
	f := newFixture(t, &fakeProcessor{})
	ctx := context.Background()

	if _, err := f.ctrl.UpdateSession(ctx, f.session.ID, UpdateSessionRequest{
		ConsumptionOffsets: map[string]int{"client": 3},
	}); err != nil {
		t.Fatalf("UpdateSession() error = %v", err)
	}
	updated, err := f.ctrl.UpdateSession(ctx, f.session.ID, UpdateSessionRequest{
		ConsumptionOffsets: map[string]int{"dashboard": 1},
	})
	if err != nil {
		t.Fatalf("UpdateSession() error = %v", err)
	}
	if updated.ConsumptionOffsets["client"] != 3 || updated.ConsumptionOffsets["dashboard"] != 1 {
		t.Fatalf("offsets must merge per consumer, got %v", updated.ConsumptionOffsets)
	}

	if _, err := f.ctrl.UpdateSession(ctx, f.session.ID, UpdateSessionRequest{
		ConsumptionOffsets: map[string]int{"client": -1},
	}); err == nil {
		t.Fatal("negative offset must be rejected")
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	f := newFixture(t, &fakeProcessor{})
	ctx := context.Background()

	ev, err := f.log.Append(ctx, f.session.ID, models.SourceCustomer, models.EventKindMessage, "corr-1", messageData(t, "Hello"))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	f.inspections.Put(&engine.Inspection{CorrelationID: "corr-1", SessionID: f.session.ID})

	if err := f.ctrl.DeleteSession(ctx, f.session.ID); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if _, err := f.ctrl.ReadSession(ctx, f.session.ID); !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("expected session gone, got %v", err)
	}
	events, err := f.log.List(ctx, f.session.ID, eventlog.Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected events dropped with the session, got %d (first %v)", len(events), ev.ID)
	}
	if _, ok := f.inspections.Get("corr-1"); ok {
		t.Fatal("expected inspections dropped with the session")
	}
}

func TestDeleteSessionsByCustomer(t *testing.T) {
	f := newFixture(t, &fakeProcessor{})
	ctx := context.Background()

	second, err := f.ctrl.CreateSession(ctx, CreateSessionRequest{
		AgentID:    f.session.AgentID,
		CustomerID: f.session.CustomerID,
	})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	deleted, err := f.ctrl.DeleteSessions(ctx, "", f.session.CustomerID)
	if err != nil {
		t.Fatalf("DeleteSessions() error = %v", err)
	}
	if len(deleted) != 2 {
		t.Fatalf("expected both sessions deleted, got %v", deleted)
	}
	for _, id := range []string{f.session.ID, second.ID} {
		if _, err := f.ctrl.ReadSession(ctx, id); !errors.Is(err, store.ErrSessionNotFound) {
			t.Fatalf("expected session %s gone, got %v", id, err)
		}
	}
}

func TestDeleteEventsFromReturnsIDsInOrder(t *testing.T) {
	f := newFixture(t, &fakeProcessor{})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		ev, err := f.log.Append(ctx, f.session.ID, models.SourceCustomer, models.EventKindMessage, "c", messageData(t, fmt.Sprintf("m%d", i)))
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		ids = append(ids, ev.ID)
	}

	deleted, err := f.ctrl.DeleteEventsFrom(ctx, f.session.ID, 2)
	if err != nil {
		t.Fatalf("DeleteEventsFrom() error = %v", err)
	}
	if len(deleted) != 2 || deleted[0] != ids[2] || deleted[1] != ids[3] {
		t.Fatalf("expected ids of offsets 2..3 in order, got %v", deleted)
	}

	remaining, err := f.ctrl.ListEvents(ctx, f.session.ID, eventlog.Filter{ExcludeDeleted: true})
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected 2 live events left, got %d", len(remaining))
	}
}

func TestWaitForUpdateSeesNewEvent(t *testing.T) {
	f := newFixture(t, &fakeProcessor{})
	ctx := context.Background()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = f.log.Append(ctx, f.session.ID, models.SourceAIAgent, models.EventKindMessage, "c", messageData(t, "reply"))
	}()

	matched, err := f.ctrl.WaitForUpdate(ctx, f.session.ID, 0, []models.EventKind{models.EventKindMessage}, models.SourceAIAgent, time.Second)
	if err != nil {
		t.Fatalf("WaitForUpdate() error = %v", err)
	}
	if !matched {
		t.Fatal("expected the appended event to satisfy the wait")
	}
}

func TestWaitForUpdateTimesOut(t *testing.T) {
	f := newFixture(t, &fakeProcessor{})

	matched, err := f.ctrl.WaitForUpdate(context.Background(), f.session.ID, 0, nil, "", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForUpdate() error = %v", err)
	}
	if matched {
		t.Fatal("expected timeout without events")
	}
}

func TestReadInteractionBundlesEventsAndInspection(t *testing.T) {
	f := newFixture(t, &fakeProcessor{})
	ctx := context.Background()

	if _, err := f.log.Append(ctx, f.session.ID, models.SourceAIAgent, models.EventKindMessage, "run-1", messageData(t, "hi")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := f.log.Append(ctx, f.session.ID, models.SourceCustomer, models.EventKindMessage, "other", messageData(t, "later")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	f.inspections.Put(&engine.Inspection{CorrelationID: "run-1", SessionID: f.session.ID, ReplyRationale: "greeting"})

	interaction, err := f.ctrl.ReadInteraction(ctx, f.session.ID, "run-1")
	if err != nil {
		t.Fatalf("ReadInteraction() error = %v", err)
	}
	if len(interaction.Events) != 1 {
		t.Fatalf("expected only correlated events, got %d", len(interaction.Events))
	}
	if interaction.Inspection == nil || interaction.Inspection.ReplyRationale != "greeting" {
		t.Fatalf("expected the run's inspection attached, got %+v", interaction.Inspection)
	}
}

func TestPostEventUnknownSession(t *testing.T) {
	f := newFixture(t, &fakeProcessor{})

	_, err := f.ctrl.PostEvent(context.Background(), "missing", models.SourceCustomer, models.EventKindMessage, messageData(t, "hi"))
	if !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
