package toolservice

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guidepost-ai/guidepost/internal/infra"
	"github.com/guidepost-ai/guidepost/pkg/models"
)

func TestExecuteBatchPreservesInputOrder(t *testing.T) {
	registry, local := newLocalRegistry(t)

	for _, name := range []string{"slow", "fast"} {
		name := name
		if err := local.Register(models.Tool{ID: models.ToolID{Name: name}}, func(ctx context.Context, tctx ToolContext, args map[string]any) (*models.ToolResult, error) {
			if name == "slow" {
				time.Sleep(50 * time.Millisecond)
			}
			return &models.ToolResult{Data: name}, nil
		}); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}

	executor := NewExecutor(registry, ExecutorConfig{}, nil)
	records := executor.ExecuteBatch(context.Background(), ToolContext{}, []Call{
		{ToolID: models.ToolID{Service: "local", Name: "slow"}},
		{ToolID: models.ToolID{Service: "local", Name: "fast"}},
	})

	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Result.Data != "slow" || records[1].Result.Data != "fast" {
		t.Fatalf("expected input order preserved, got %v then %v", records[0].Result.Data, records[1].Result.Data)
	}
}

func TestExecuteBatchRecordsFailuresInline(t *testing.T) {
	registry, local := newLocalRegistry(t)

	if err := local.Register(models.Tool{ID: models.ToolID{Name: "ok"}}, func(ctx context.Context, tctx ToolContext, args map[string]any) (*models.ToolResult, error) {
		return &models.ToolResult{Data: 1}, nil
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := local.Register(models.Tool{ID: models.ToolID{Name: "boom"}}, func(ctx context.Context, tctx ToolContext, args map[string]any) (*models.ToolResult, error) {
		return nil, fmt.Errorf("kaboom")
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	executor := NewExecutor(registry, ExecutorConfig{}, nil)
	records := executor.ExecuteBatch(context.Background(), ToolContext{}, []Call{
		{ToolID: models.ToolID{Service: "local", Name: "boom"}},
		{ToolID: models.ToolID{Service: "local", Name: "ok"}},
	})

	if records[0].Result.Error == "" {
		t.Fatal("expected failure recorded for boom")
	}
	if records[1].Result.Error != "" {
		t.Fatalf("expected ok call to succeed, got %q", records[1].Result.Error)
	}
}

func TestExecuteBatchRecoversFromPanic(t *testing.T) {
	registry, local := newLocalRegistry(t)

	if err := local.Register(models.Tool{ID: models.ToolID{Name: "panic"}}, func(ctx context.Context, tctx ToolContext, args map[string]any) (*models.ToolResult, error) {
		panic("unexpected")
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	executor := NewExecutor(registry, ExecutorConfig{}, nil)
	records := executor.ExecuteBatch(context.Background(), ToolContext{}, []Call{
		{ToolID: models.ToolID{Service: "local", Name: "panic"}},
	})
	if records[0].Result.Error == "" {
		t.Fatal("expected panic recorded as call failure")
	}
}

func TestExecuteBatchSurvivesRunCancellation(t *testing.T) {
	registry, local := newLocalRegistry(t)

	var finished atomic.Bool
	if err := local.Register(models.Tool{ID: models.ToolID{Name: "steady"}}, func(ctx context.Context, tctx ToolContext, args map[string]any) (*models.ToolResult, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
			finished.Store(true)
			return &models.ToolResult{Data: "done"}, nil
		}
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // run is already cancelled; the call must still complete

	executor := NewExecutor(registry, ExecutorConfig{Pool: infra.NewPool(2)}, nil)
	records := executor.ExecuteBatch(ctx, ToolContext{}, []Call{
		{ToolID: models.ToolID{Service: "local", Name: "steady"}},
	})

	if !finished.Load() {
		t.Fatal("expected tool to run to completion despite cancelled run context")
	}
	if records[0].Result.Data != "done" {
		t.Fatalf("expected result despite cancellation, got %+v", records[0].Result)
	}
}
