package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/guidepost-ai/guidepost/internal/controller"
	"github.com/guidepost-ai/guidepost/internal/eventlog"
	"github.com/guidepost-ai/guidepost/pkg/models"
)

// defaultWaitTimeout bounds a long-poll when the client does not give one.
const defaultWaitTimeout = 30 * time.Second

// maxWaitTimeout is the hard ceiling on a single long-poll request.
const maxWaitTimeout = 60 * time.Second

type createSessionRequest struct {
	AgentID       string `json:"agent_id"`
	CustomerID    string `json:"customer_id"`
	Title         string `json:"title,omitempty"`
	AllowGreeting bool   `json:"allow_greeting,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.AgentID == "" || req.CustomerID == "" {
		s.writeError(w, badRequestf("agent_id and customer_id are required"))
		return
	}

	session, err := s.ctrl.CreateSession(r.Context(), controller.CreateSessionRequest{
		AgentID:       req.AgentID,
		CustomerID:    req.CustomerID,
		Title:         req.Title,
		AllowGreeting: req.AllowGreeting,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.ctrl.ListSessions(r.Context(), r.URL.Query().Get("agent_id"), r.URL.Query().Get("customer_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleDeleteSessions(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	customerID := r.URL.Query().Get("customer_id")
	if agentID == "" && customerID == "" {
		s.writeError(w, badRequestf("agent_id or customer_id is required"))
		return
	}
	deleted, err := s.ctrl.DeleteSessions(r.Context(), agentID, customerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deleted_session_ids": deleted})
}

func (s *Server) handleReadSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.ctrl.ReadSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

type updateSessionRequest struct {
	Title              *string             `json:"title,omitempty"`
	Mode               *models.SessionMode `json:"mode,omitempty"`
	ConsumptionOffsets map[string]int      `json:"consumption_offsets,omitempty"`
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var req updateSessionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	session, err := s.ctrl.UpdateSession(r.Context(), r.PathValue("id"), controller.UpdateSessionRequest{
		Title:              req.Title,
		Mode:               req.Mode,
		ConsumptionOffsets: req.ConsumptionOffsets,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

type postEventRequest struct {
	Kind   models.EventKind   `json:"kind"`
	Source models.EventSource `json:"source"`
	Data   json.RawMessage    `json:"data"`
}

func (s *Server) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	var req postEventRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Kind == "" || req.Source == "" {
		s.writeError(w, badRequestf("kind and source are required"))
		return
	}
	if req.Source == models.SourceAIAgent {
		s.writeError(w, badRequestf("ai_agent events are produced by the runtime, not posted"))
		return
	}

	data := req.Data
	if r.URL.Query().Get("moderation") == "auto" &&
		req.Kind == models.EventKindMessage && req.Source == models.SourceCustomer {
		moderated, err := s.moderate(r, data)
		if err != nil {
			s.writeError(w, err)
			return
		}
		data = moderated
	}

	ev, err := s.ctrl.PostEvent(r.Context(), r.PathValue("id"), req.Source, req.Kind, data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, ev)
}

// moderate runs the message through the moderator and stamps the verdict
// into the payload. A missing moderator leaves the payload untouched.
func (s *Server) moderate(r *http.Request, data json.RawMessage) (json.RawMessage, error) {
	if s.moderator == nil {
		return data, nil
	}
	var msg models.MessageEventData
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, badRequestf("message data: %s", err.Error())
	}
	verdict, err := s.moderator.Check(r.Context(), msg.Message)
	if err != nil {
		// Moderation is advisory; the message still enters the log.
		s.logger.Warn("moderation check failed", "error", err)
		return data, nil
	}
	if !verdict.Flagged {
		return data, nil
	}
	msg.Flagged = true
	msg.Tags = verdict.Tags
	return models.EncodeEventData(msg)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	q := r.URL.Query()

	minOffset := 0
	if raw := q.Get("min_offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			s.writeError(w, badRequestf("min_offset must be a non-negative integer"))
			return
		}
		minOffset = v
	}

	var kinds []models.EventKind
	if raw := q.Get("kinds"); raw != "" {
		for _, k := range strings.Split(raw, ",") {
			kinds = append(kinds, models.EventKind(strings.TrimSpace(k)))
		}
	}
	source := models.EventSource(q.Get("source"))

	if q.Get("wait") == "true" {
		timeout := defaultWaitTimeout
		if raw := q.Get("timeout_ms"); raw != "" {
			ms, err := strconv.Atoi(raw)
			if err != nil || ms < 0 {
				s.writeError(w, badRequestf("timeout_ms must be a non-negative integer"))
				return
			}
			timeout = time.Duration(ms) * time.Millisecond
		}
		if timeout > maxWaitTimeout {
			timeout = maxWaitTimeout
		}
		if _, err := s.ctrl.WaitForUpdate(r.Context(), sessionID, minOffset, kinds, source, timeout); err != nil {
			s.writeError(w, err)
			return
		}
	}

	events, err := s.ctrl.ListEvents(r.Context(), sessionID, eventlog.Filter{
		MinOffset:      &minOffset,
		Kinds:          kinds,
		Source:         source,
		ExcludeDeleted: true,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "events": events})
}

func (s *Server) handleDeleteEvents(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("min_offset")
	if raw == "" {
		s.writeError(w, badRequestf("min_offset is required"))
		return
	}
	minOffset, err := strconv.Atoi(raw)
	if err != nil || minOffset < 0 {
		s.writeError(w, badRequestf("min_offset must be a non-negative integer"))
		return
	}

	deleted, err := s.ctrl.DeleteEventsFrom(r.Context(), r.PathValue("id"), minOffset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deleted_event_ids": deleted})
}

func (s *Server) handleReadInteraction(w http.ResponseWriter, r *http.Request) {
	interaction, err := s.ctrl.ReadInteraction(r.Context(), r.PathValue("id"), r.PathValue("correlation_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, interaction)
}

// decodeBody parses a JSON request body, rejecting unknown garbage early.
func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err != nil {
		return badRequestf("read body: %s", err.Error())
	}
	if len(body) == 0 {
		return badRequestf("request body is required")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return badRequestf("decode body: %s", err.Error())
	}
	return nil
}
