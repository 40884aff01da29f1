// Package toolservice provides one uniform call interface over heterogeneous
// tool services: in-process callables, OpenAPI services, and long-lived
// plugin subprocesses speaking JSON-RPC. Tool failures are recorded, not
// fatal: the engine keeps going.
package toolservice

import (
	"context"
	"fmt"

	"github.com/guidepost-ai/guidepost/pkg/models"
)

// LocalServiceName is the registry name of the in-process service.
const LocalServiceName = "local"

// ToolContext identifies the run on whose behalf a tool executes. The
// emitter lets the tool stream intermediate events into the session's log
// under the run's correlation id.
type ToolContext struct {
	AgentID       string
	SessionID     string
	CustomerID    string
	CorrelationID string
	Emitter       EventEmitter
}

// EventEmitter appends tool-emitted intermediate events to the session log.
type EventEmitter interface {
	EmitMessage(ctx context.Context, message string) error
	EmitStatus(ctx context.Context, status models.SessionStatus, data map[string]any) error
}

// Service is one tool transport. The engine depends only on this capability
// set, never on the variant behind it.
type Service interface {
	// ListTools enumerates the tools the service exposes.
	ListTools(ctx context.Context) ([]*models.Tool, error)

	// ReadTool returns one tool by name.
	ReadTool(ctx context.Context, name string) (*models.Tool, error)

	// CallTool invokes a tool and returns its result.
	CallTool(ctx context.Context, name string, tctx ToolContext, arguments map[string]any) (*models.ToolResult, error)
}

// ToolExecutionError reports a transport or execution failure of one call.
// It is recorded inside the tool event and does not abort the run.
type ToolExecutionError struct {
	ToolID models.ToolID
	Cause  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s execution failed: %v", e.ToolID, e.Cause)
}

func (e *ToolExecutionError) Unwrap() error {
	return e.Cause
}

// ToolResultError reports a result that violates the contract: not
// JSON-serialisable or over the size cap. Recorded, not fatal.
type ToolResultError struct {
	ToolID models.ToolID
	Reason string
}

func (e *ToolResultError) Error() string {
	return fmt.Sprintf("tool %s returned an invalid result: %s", e.ToolID, e.Reason)
}
