package toolservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/guidepost-ai/guidepost/pkg/models"
)

// ErrServiceNotFound is returned when a tool id names an unregistered service.
var ErrServiceNotFound = errors.New("tool service not found")

// ErrToolNotFound is returned when the service does not expose the tool.
var ErrToolNotFound = errors.New("tool not found")

// Registry multiplexes tool calls across registered services and enforces
// the result contract on every call.
type Registry struct {
	mu       sync.RWMutex
	services map[string]Service
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		services: make(map[string]Service),
		logger:   logger,
	}
}

// RegisterService mounts a service under a name. Re-registering replaces the
// previous service.
func (r *Registry) RegisterService(name string, service Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[name] = service
}

// ServiceNames lists registered services in sorted order.
func (r *Registry) ServiceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) service(name string) (Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	service, ok := r.services[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrServiceNotFound, name)
	}
	return service, nil
}

// ListTools enumerates the tools of one service.
func (r *Registry) ListTools(ctx context.Context, serviceName string) ([]*models.Tool, error) {
	service, err := r.service(serviceName)
	if err != nil {
		return nil, err
	}
	tools, err := service.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	for _, tool := range tools {
		tool.ID.Service = serviceName
	}
	return tools, nil
}

// ReadTool returns one tool by id.
func (r *Registry) ReadTool(ctx context.Context, id models.ToolID) (*models.Tool, error) {
	service, err := r.service(id.Service)
	if err != nil {
		return nil, err
	}
	tool, err := service.ReadTool(ctx, id.Name)
	if err != nil {
		return nil, err
	}
	tool.ID = id
	return tool, nil
}

// CallTool invokes one tool and enforces the result contract: the result
// payload must serialise to JSON and stay within models.ToolResultMaxBytes.
// Violations surface as ToolResultError; transport failures as
// ToolExecutionError.
func (r *Registry) CallTool(ctx context.Context, id models.ToolID, tctx ToolContext, arguments map[string]any) (*models.ToolResult, error) {
	service, err := r.service(id.Service)
	if err != nil {
		return nil, &ToolExecutionError{ToolID: id, Cause: err}
	}

	result, err := service.CallTool(ctx, id.Name, tctx, arguments)
	if err != nil {
		var execErr *ToolExecutionError
		if errors.As(err, &execErr) {
			return nil, err
		}
		return nil, &ToolExecutionError{ToolID: id, Cause: err}
	}
	if result == nil {
		return nil, &ToolResultError{ToolID: id, Reason: "service returned no result"}
	}

	payload, err := json.Marshal(result.Data)
	if err != nil {
		return nil, &ToolResultError{ToolID: id, Reason: fmt.Sprintf("result data is not JSON-serialisable: %v", err)}
	}
	if len(payload) > models.ToolResultMaxBytes {
		return nil, &ToolResultError{ToolID: id, Reason: fmt.Sprintf("result payload is %d bytes, cap is %d", len(payload), models.ToolResultMaxBytes)}
	}

	return result, nil
}
