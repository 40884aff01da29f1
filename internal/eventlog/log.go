// Package eventlog implements the append-only, offset-ordered event sequence
// owned by each session. Appends are serialised per session and every
// successful append signals blocked waiters.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/guidepost-ai/guidepost/pkg/models"
)

// ErrEventNotFound is returned when the referenced event does not exist.
var ErrEventNotFound = errors.New("event not found")

// ErrSessionLogNotFound is returned when no log exists for the session.
var ErrSessionLogNotFound = errors.New("session log not found")

// Filter narrows a List call. Zero values mean "no constraint".
type Filter struct {
	MinOffset      *int
	Source         models.EventSource
	Kinds          []models.EventKind
	CorrelationID  string
	ExcludeDeleted bool
}

// Predicate decides whether an event satisfies a Wait call.
// Predicates must be total: they are invoked under the log lock.
type Predicate func(*models.Event) bool

// Log is an in-memory per-session event log. Offsets within a session are
// dense and monotonic; append is the only growth operation.
type Log struct {
	mu       sync.Mutex
	sessions map[string]*sessionLog
	byEvent  map[string]string // event id -> session id
	logger   *slog.Logger
}

type sessionLog struct {
	events []*models.Event
	notify chan struct{} // closed and replaced on every append
}

// New creates an empty event log.
func New(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		sessions: make(map[string]*sessionLog),
		byEvent:  make(map[string]string),
		logger:   logger,
	}
}

// Append assigns the next offset in the session and stores the event.
func (l *Log) Append(ctx context.Context, sessionID string, source models.EventSource, kind models.EventKind, correlationID string, data json.RawMessage) (*models.Event, error) {
	if sessionID == "" {
		return nil, errors.New("session_id is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	sl := l.sessions[sessionID]
	if sl == nil {
		sl = &sessionLog{notify: make(chan struct{})}
		l.sessions[sessionID] = sl
	}

	ev := &models.Event{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		Source:        source,
		Kind:          kind,
		Offset:        len(sl.events),
		CorrelationID: correlationID,
		Data:          data,
		CreatedAt:     time.Now().UTC(),
	}
	sl.events = append(sl.events, ev)
	l.byEvent[ev.ID] = sessionID

	// Broadcast to waiters.
	close(sl.notify)
	sl.notify = make(chan struct{})

	l.logger.Debug("event appended",
		"session_id", sessionID,
		"kind", kind,
		"source", source,
		"offset", ev.Offset,
		"correlation_id", correlationID)

	return cloneEvent(ev), nil
}

// List returns the session's events in ascending offset order, narrowed by
// the filter. An unknown session yields an empty slice, not an error.
func (l *Log) List(ctx context.Context, sessionID string, f Filter) ([]*models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	sl := l.sessions[sessionID]
	if sl == nil {
		return nil, nil
	}

	var out []*models.Event
	for _, ev := range sl.events {
		if matchFilter(ev, f) {
			out = append(out, cloneEvent(ev))
		}
	}
	return out, nil
}

// Delete tombstones an event. The offset is retained and later events are
// not renumbered.
func (l *Log) Delete(ctx context.Context, eventID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	sessionID, ok := l.byEvent[eventID]
	if !ok {
		return ErrEventNotFound
	}
	for _, ev := range l.sessions[sessionID].events {
		if ev.ID == eventID {
			ev.Deleted = true
			return nil
		}
	}
	return ErrEventNotFound
}

// DropSession removes a session's log entirely, atomically from the
// perspective of List. It returns the dropped events in offset order.
func (l *Log) DropSession(ctx context.Context, sessionID string) ([]*models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	sl := l.sessions[sessionID]
	if sl == nil {
		return nil, nil
	}
	delete(l.sessions, sessionID)
	for _, ev := range sl.events {
		delete(l.byEvent, ev.ID)
	}

	// Wake waiters so they observe the session is gone.
	close(sl.notify)

	out := make([]*models.Event, 0, len(sl.events))
	for _, ev := range sl.events {
		out = append(out, cloneEvent(ev))
	}
	return out, nil
}

// Wait blocks until an event in the session matches the predicate or the
// timeout elapses. Events already in the log are considered first, so a
// waiter arriving after the matching append still returns true. A zero
// timeout is a non-blocking poll.
func (l *Log) Wait(ctx context.Context, sessionID string, pred Predicate, timeout time.Duration) (bool, error) {
	if pred == nil {
		return false, errors.New("predicate is required")
	}

	deadline := time.Now().Add(timeout)
	scanned := 0

	for {
		l.mu.Lock()
		sl := l.sessions[sessionID]
		if sl == nil {
			sl = &sessionLog{notify: make(chan struct{})}
			l.sessions[sessionID] = sl
		}
		for ; scanned < len(sl.events); scanned++ {
			if pred(sl.events[scanned]) {
				l.mu.Unlock()
				return true, nil
			}
		}
		notify := sl.notify
		l.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
			return false, nil
		case <-notify:
			timer.Stop()
		}
	}
}

func matchFilter(ev *models.Event, f Filter) bool {
	if f.MinOffset != nil && ev.Offset < *f.MinOffset {
		return false
	}
	if f.Source != "" && ev.Source != f.Source {
		return false
	}
	if f.CorrelationID != "" && ev.CorrelationID != f.CorrelationID {
		return false
	}
	if f.ExcludeDeleted && ev.Deleted {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
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
}

func cloneEvent(ev *models.Event) *models.Event {
	clone := *ev
	if ev.Data != nil {
		clone.Data = append(json.RawMessage(nil), ev.Data...)
	}
	return &clone
}
