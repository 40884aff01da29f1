package toolservice

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/guidepost-ai/guidepost/pkg/models"
)

func newLocalRegistry(t *testing.T) (*Registry, *LocalService) {
	t.Helper()
	local := NewLocalService()
	registry := NewRegistry(nil)
	registry.RegisterService(LocalServiceName, local)
	return registry, local
}

func TestRegistryCallLocalTool(t *testing.T) {
	registry, local := newLocalRegistry(t)
	ctx := context.Background()

	err := local.Register(models.Tool{
		ID:          models.ToolID{Name: "get_cow_uttering"},
		Description: "Returns what a cow says",
	}, func(ctx context.Context, tctx ToolContext, args map[string]any) (*models.ToolResult, error) {
		return &models.ToolResult{Data: "moo"}, nil
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	result, err := registry.CallTool(ctx, models.ToolID{Service: "local", Name: "get_cow_uttering"}, ToolContext{}, nil)
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if result.Data != "moo" {
		t.Fatalf("expected moo, got %v", result.Data)
	}
}

func TestRegistryUnknownServiceAndTool(t *testing.T) {
	registry, _ := newLocalRegistry(t)
	ctx := context.Background()

	_, err := registry.CallTool(ctx, models.ToolID{Service: "ghost", Name: "x"}, ToolContext{}, nil)
	var execErr *ToolExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ToolExecutionError, got %v", err)
	}

	_, err = registry.CallTool(ctx, models.ToolID{Service: "local", Name: "missing"}, ToolContext{}, nil)
	if !errors.As(err, &execErr) || !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("expected wrapped ErrToolNotFound, got %v", err)
	}
}

func TestRegistryEnforcesResultSizeCap(t *testing.T) {
	registry, local := newLocalRegistry(t)
	ctx := context.Background()

	huge := strings.Repeat("x", models.ToolResultMaxBytes+1)
	if err := local.Register(models.Tool{ID: models.ToolID{Name: "huge"}}, func(ctx context.Context, tctx ToolContext, args map[string]any) (*models.ToolResult, error) {
		return &models.ToolResult{Data: huge}, nil
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	_, err := registry.CallTool(ctx, models.ToolID{Service: "local", Name: "huge"}, ToolContext{}, nil)
	var resultErr *ToolResultError
	if !errors.As(err, &resultErr) {
		t.Fatalf("expected ToolResultError, got %v", err)
	}
}

func TestRegistryRejectsUnserialisableResult(t *testing.T) {
	registry, local := newLocalRegistry(t)
	ctx := context.Background()

	if err := local.Register(models.Tool{ID: models.ToolID{Name: "bad"}}, func(ctx context.Context, tctx ToolContext, args map[string]any) (*models.ToolResult, error) {
		return &models.ToolResult{Data: make(chan int)}, nil
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	_, err := registry.CallTool(ctx, models.ToolID{Service: "local", Name: "bad"}, ToolContext{}, nil)
	var resultErr *ToolResultError
	if !errors.As(err, &resultErr) {
		t.Fatalf("expected ToolResultError, got %v", err)
	}
}

func TestRegistryListAndReadAssignServiceName(t *testing.T) {
	registry, local := newLocalRegistry(t)
	ctx := context.Background()

	if err := local.Register(models.Tool{ID: models.ToolID{Name: "a"}}, func(ctx context.Context, tctx ToolContext, args map[string]any) (*models.ToolResult, error) {
		return &models.ToolResult{Data: nil}, nil
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	tools, err := registry.ListTools(ctx, "local")
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools) != 1 || tools[0].ID.Service != "local" {
		t.Fatalf("expected service name on listed tool, got %v", tools)
	}

	tool, err := registry.ReadTool(ctx, models.ToolID{Service: "local", Name: "a"})
	if err != nil {
		t.Fatalf("ReadTool() error = %v", err)
	}
	if tool.ID.Service != "local" || tool.ID.Name != "a" {
		t.Fatalf("unexpected tool id %v", tool.ID)
	}
}
