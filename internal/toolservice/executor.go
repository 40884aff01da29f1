package toolservice

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/guidepost-ai/guidepost/internal/infra"
	"github.com/guidepost-ai/guidepost/pkg/models"
)

// Call is one requested invocation inside a batch.
type Call struct {
	ToolID    models.ToolID
	Arguments map[string]any
}

// ExecutorConfig configures the batch executor.
type ExecutorConfig struct {
	// CallTimeout bounds each individual tool call. Default 30s.
	CallTimeout time.Duration

	// Pool bounds process-wide tool concurrency. Optional.
	Pool *infra.Pool
}

// Executor runs tool call batches in parallel against a registry. Result
// order always mirrors input order. Calls are never pre-empted by run
// cancellation: a cancelled run waits for its outstanding calls and then
// discards the batch.
type Executor struct {
	registry *Registry
	config   ExecutorConfig
	logger   *slog.Logger
}

// NewExecutor creates a batch executor.
func NewExecutor(registry *Registry, cfg ExecutorConfig, logger *slog.Logger) *Executor {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: registry, config: cfg, logger: logger}
}

// ExecuteBatch runs all calls and returns one record per call, in input
// order. Failures are recorded in the corresponding record, never returned
// as an error.
func (e *Executor) ExecuteBatch(ctx context.Context, tctx ToolContext, calls []Call) []models.ToolCallRecord {
	if len(calls) == 0 {
		return nil
	}

	records := make([]models.ToolCallRecord, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, c Call) {
			defer wg.Done()
			records[idx] = e.executeOne(ctx, tctx, c)
		}(i, call)
	}
	wg.Wait()
	return records
}

func (e *Executor) executeOne(ctx context.Context, tctx ToolContext, call Call) (record models.ToolCallRecord) {
	record = models.ToolCallRecord{ToolID: call.ToolID, Arguments: call.Arguments}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool call panicked",
				"tool", call.ToolID.String(),
				"panic", r,
				"stack", string(debug.Stack()))
			record.Result = models.ToolResultRecord{Error: fmt.Sprintf("tool panicked: %v", r)}
		}
	}()

	// Detach from run cancellation: a cancelled run still waits for the
	// call to finish and discards the whole batch afterwards.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.CallTimeout)
	defer cancel()

	if e.config.Pool != nil {
		if err := e.config.Pool.Acquire(callCtx); err != nil {
			record.Result = models.ToolResultRecord{Error: fmt.Sprintf("tool slot unavailable: %v", err)}
			return record
		}
		defer e.config.Pool.Release()
	}

	start := time.Now()
	result, err := e.registry.CallTool(callCtx, call.ToolID, tctx, call.Arguments)
	if err != nil {
		e.logger.Warn("tool call failed",
			"tool", call.ToolID.String(),
			"duration", time.Since(start),
			"error", err)
		record.Result = models.ToolResultRecord{Error: err.Error()}
		return record
	}

	record.Result = models.ToolResultRecord{
		Data:     result.Data,
		Control:  result.Control,
		Metadata: result.Metadata,
	}
	return record
}
