package toolservice

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/guidepost-ai/guidepost/pkg/models"
)

// Handler is an in-process tool implementation.
type Handler func(ctx context.Context, tctx ToolContext, arguments map[string]any) (*models.ToolResult, error)

// LocalService hosts in-process tools registered under the "local" service
// name.
type LocalService struct {
	mu       sync.RWMutex
	tools    map[string]*models.Tool
	handlers map[string]Handler
}

// NewLocalService creates an empty local service.
func NewLocalService() *LocalService {
	return &LocalService{
		tools:    make(map[string]*models.Tool),
		handlers: make(map[string]Handler),
	}
}

// Register adds a tool and its handler. The tool's service name is fixed to
// "local".
func (s *LocalService) Register(tool models.Tool, handler Handler) error {
	if tool.ID.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("handler is required for tool %q", tool.ID.Name)
	}
	tool.ID.Service = LocalServiceName

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[tool.ID.Name] = &tool
	s.handlers[tool.ID.Name] = handler
	return nil
}

// ListTools returns the registered tools sorted by name.
func (s *LocalService) ListTools(ctx context.Context) ([]*models.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Tool, 0, len(s.tools))
	for _, tool := range s.tools {
		clone := *tool
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Name < out[j].ID.Name })
	return out, nil
}

// ReadTool returns one registered tool.
func (s *LocalService) ReadTool(ctx context.Context, name string) (*models.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tool, ok := s.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: local/%s", ErrToolNotFound, name)
	}
	clone := *tool
	return &clone, nil
}

// CallTool runs the registered handler.
func (s *LocalService) CallTool(ctx context.Context, name string, tctx ToolContext, arguments map[string]any) (*models.ToolResult, error) {
	s.mu.RLock()
	handler, ok := s.handlers[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: local/%s", ErrToolNotFound, name)
	}
	return handler(ctx, tctx, arguments)
}
