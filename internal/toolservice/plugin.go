package toolservice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/guidepost-ai/guidepost/pkg/models"
)

// Plugin RPC methods.
const (
	methodListTools = "list_tools"
	methodReadTool  = "read_tool"
	methodCallTool  = "call_tool"

	notifyEmitMessage = "emit_message"
	notifyEmitStatus  = "emit_status"
)

// PluginService talks to a long-lived plugin server over a Transport. While
// a call is in flight the plugin may stream emit_message / emit_status
// notifications tagged with the call's correlation id; they are forwarded to
// the calling run's emitter.
type PluginService struct {
	transport Transport
	logger    *slog.Logger

	mu       sync.Mutex
	emitters map[string]EventEmitter // correlation id -> emitter
	started  bool
}

// NewPluginService wraps a connected (or connectable) transport.
func NewPluginService(transport Transport, logger *slog.Logger) *PluginService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PluginService{
		transport: transport,
		logger:    logger,
		emitters:  make(map[string]EventEmitter),
	}
}

// Start connects the transport and begins routing notifications.
func (s *PluginService) Start(ctx context.Context) error {
	if !s.transport.Connected() {
		if err := s.transport.Connect(ctx); err != nil {
			return err
		}
	}
	s.mu.Lock()
	if !s.started {
		s.started = true
		go s.pumpNotifications()
	}
	s.mu.Unlock()
	return nil
}

// Close shuts the transport down.
func (s *PluginService) Close() error {
	return s.transport.Close()
}

type pluginToolPayload struct {
	Name          string                          `json:"tool_name"`
	Description   string                          `json:"description,omitempty"`
	Parameters    map[string]models.ToolParameter `json:"parameters"`
	Required      []string                        `json:"required,omitempty"`
	Consequential bool                            `json:"consequential,omitempty"`
}

func (p *pluginToolPayload) toTool() *models.Tool {
	return &models.Tool{
		ID:            models.ToolID{Name: p.Name},
		Description:   p.Description,
		Parameters:    p.Parameters,
		Required:      p.Required,
		Consequential: p.Consequential,
	}
}

// ListTools asks the plugin for its tool inventory.
func (s *PluginService) ListTools(ctx context.Context) ([]*models.Tool, error) {
	raw, err := s.transport.Call(ctx, methodListTools, nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Tools []pluginToolPayload `json:"tools"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode list_tools result: %w", err)
	}
	out := make([]*models.Tool, 0, len(payload.Tools))
	for i := range payload.Tools {
		out = append(out, payload.Tools[i].toTool())
	}
	return out, nil
}

// ReadTool asks the plugin for one tool.
func (s *PluginService) ReadTool(ctx context.Context, name string) (*models.Tool, error) {
	raw, err := s.transport.Call(ctx, methodReadTool, map[string]any{"tool_name": name})
	if err != nil {
		return nil, err
	}
	var payload pluginToolPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode read_tool result: %w", err)
	}
	return payload.toTool(), nil
}

// CallTool invokes a plugin tool. Intermediate notifications carrying the
// run's correlation id are forwarded to tctx.Emitter until the call returns.
func (s *PluginService) CallTool(ctx context.Context, name string, tctx ToolContext, arguments map[string]any) (*models.ToolResult, error) {
	if tctx.Emitter != nil && tctx.CorrelationID != "" {
		s.mu.Lock()
		s.emitters[tctx.CorrelationID] = tctx.Emitter
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.emitters, tctx.CorrelationID)
			s.mu.Unlock()
		}()
	}

	raw, err := s.transport.Call(ctx, methodCallTool, map[string]any{
		"tool_name": name,
		"context": map[string]any{
			"agent_id":       tctx.AgentID,
			"session_id":     tctx.SessionID,
			"customer_id":    tctx.CustomerID,
			"correlation_id": tctx.CorrelationID,
		},
		"arguments": arguments,
	})
	if err != nil {
		return nil, err
	}

	var result models.ToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode call_tool result: %w", err)
	}
	return &result, nil
}

func (s *PluginService) pumpNotifications() {
	for notif := range s.transport.Notifications() {
		s.dispatch(notif)
	}
}

func (s *PluginService) dispatch(notif *jsonRPCNotification) {
	var params struct {
		CorrelationID string         `json:"correlation_id"`
		Message       string         `json:"message"`
		Status        string         `json:"status"`
		Data          map[string]any `json:"data"`
	}
	if err := json.Unmarshal(notif.Params, &params); err != nil {
		s.logger.Warn("unparseable plugin notification", "method", notif.Method, "error", err)
		return
	}

	s.mu.Lock()
	emitter := s.emitters[params.CorrelationID]
	s.mu.Unlock()
	if emitter == nil {
		// Notification for a finished or unknown call; drop it.
		return
	}

	ctx := context.Background()
	switch notif.Method {
	case notifyEmitMessage:
		if err := emitter.EmitMessage(ctx, params.Message); err != nil {
			s.logger.Warn("plugin message emit failed", "error", err)
		}
	case notifyEmitStatus:
		if err := emitter.EmitStatus(ctx, models.SessionStatus(params.Status), params.Data); err != nil {
			s.logger.Warn("plugin status emit failed", "error", err)
		}
	default:
		s.logger.Debug("ignoring plugin notification", "method", notif.Method)
	}
}
