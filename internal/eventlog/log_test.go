package eventlog

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/guidepost-ai/guidepost/pkg/models"
)

func TestAppendAssignsDenseOffsets(t *testing.T) {
	log := New(nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ev, err := log.Append(ctx, "s1", models.SourceCustomer, models.EventKindMessage, "c1", nil)
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if ev.Offset != i {
			t.Fatalf("expected offset %d, got %d", i, ev.Offset)
		}
	}

	// Appends to another session are independent.
	ev, err := log.Append(ctx, "s2", models.SourceCustomer, models.EventKindMessage, "c2", nil)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if ev.Offset != 0 {
		t.Fatalf("expected offset 0 in fresh session, got %d", ev.Offset)
	}
}

func TestListReturnsAppendedEventFirst(t *testing.T) {
	log := New(nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := log.Append(ctx, "s1", models.SourceCustomer, models.EventKindMessage, "c1", nil); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	appended, err := log.Append(ctx, "s1", models.SourceAIAgent, models.EventKindStatus, "c2", nil)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	events, err := log.List(ctx, "s1", Filter{MinOffset: &appended.Offset})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(events) != 1 || events[0].ID != appended.ID {
		t.Fatalf("expected the appended event as first element, got %v", events)
	}
}

func TestListFilters(t *testing.T) {
	log := New(nil)
	ctx := context.Background()

	if _, err := log.Append(ctx, "s1", models.SourceCustomer, models.EventKindMessage, "c1", nil); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := log.Append(ctx, "s1", models.SourceAIAgent, models.EventKindStatus, "c2", nil); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := log.Append(ctx, "s1", models.SourceAIAgent, models.EventKindMessage, "c2", nil); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	events, err := log.List(ctx, "s1", Filter{Kinds: []models.EventKind{models.EventKindMessage}, Source: models.SourceAIAgent})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(events) != 1 || events[0].Offset != 2 {
		t.Fatalf("expected single agent message at offset 2, got %v", events)
	}

	events, err = log.List(ctx, "s1", Filter{CorrelationID: "c2"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for correlation c2, got %d", len(events))
	}
}

func TestDeleteTombstonesWithoutRenumbering(t *testing.T) {
	log := New(nil)
	ctx := context.Background()

	first, _ := log.Append(ctx, "s1", models.SourceCustomer, models.EventKindMessage, "c1", nil)
	if _, err := log.Append(ctx, "s1", models.SourceCustomer, models.EventKindMessage, "c1", nil); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	if err := log.Delete(ctx, first.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	all, err := log.List(ctx, "s1", Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected tombstoned event to remain listed, got %d events", len(all))
	}
	if !all[0].Deleted || all[0].Offset != 0 {
		t.Fatalf("expected offset 0 tombstone, got %+v", all[0])
	}

	visible, err := log.List(ctx, "s1", Filter{ExcludeDeleted: true})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(visible) != 1 || visible[0].Offset != 1 {
		t.Fatalf("expected only offset 1 visible, got %v", visible)
	}

	if err := log.Delete(ctx, "missing"); err != ErrEventNotFound {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}

func TestWaitMatchesExistingEvent(t *testing.T) {
	log := New(nil)
	ctx := context.Background()

	if _, err := log.Append(ctx, "s1", models.SourceAIAgent, models.EventKindMessage, "c1", nil); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	ok, err := log.Wait(ctx, "s1", func(ev *models.Event) bool {
		return ev.Kind == models.EventKindMessage
	}, 0)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if !ok {
		t.Fatal("expected non-blocking poll to match existing event")
	}
}

func TestWaitSignalledByAppend(t *testing.T) {
	log := New(nil)
	ctx := context.Background()

	done := make(chan bool, 1)
	go func() {
		ok, _ := log.Wait(ctx, "s1", func(ev *models.Event) bool {
			return ev.Offset >= 1
		}, 5*time.Second)
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := log.Append(ctx, "s1", models.SourceCustomer, models.EventKindMessage, "c1", nil); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := log.Append(ctx, "s1", models.SourceCustomer, models.EventKindMessage, "c1", nil); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("expected waiter to observe the append")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not wake up")
	}
}

func TestWaitTimeout(t *testing.T) {
	log := New(nil)

	ok, err := log.Wait(context.Background(), "s1", func(ev *models.Event) bool {
		return false
	}, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if ok {
		t.Fatal("expected timeout to return false")
	}
}

func TestDropSessionIsAtomic(t *testing.T) {
	log := New(nil)
	ctx := context.Background()

	data, _ := json.Marshal(map[string]string{"message": "hi"})
	for i := 0; i < 3; i++ {
		if _, err := log.Append(ctx, "s1", models.SourceCustomer, models.EventKindMessage, "c1", data); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	dropped, err := log.DropSession(ctx, "s1")
	if err != nil {
		t.Fatalf("DropSession() error = %v", err)
	}
	if len(dropped) != 3 {
		t.Fatalf("expected 3 dropped events, got %d", len(dropped))
	}

	events, err := log.List(ctx, "s1", Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events after drop, got %d", len(events))
	}
}
