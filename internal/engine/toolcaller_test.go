package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/guidepost-ai/guidepost/internal/llm"
	"github.com/guidepost-ai/guidepost/internal/toolservice"
	"github.com/guidepost-ai/guidepost/pkg/models"
)

func toolCallerFixture(t *testing.T, provider *scriptedProvider) (*ToolCaller, *toolservice.LocalService) {
	t.Helper()
	local := toolservice.NewLocalService()
	registry := toolservice.NewRegistry(nil)
	registry.RegisterService(toolservice.LocalServiceName, local)
	executor := toolservice.NewExecutor(registry, toolservice.ExecutorConfig{}, nil)
	client := llm.NewSchematic(provider, llm.SchematicConfig{})
	return NewToolCaller(client, executor, nil), local
}

func cowCandidate(t *testing.T, local *toolservice.LocalService, tool models.Tool, handler toolservice.Handler) ToolCandidate {
	t.Helper()
	if err := local.Register(tool, handler); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	registered := tool
	registered.ID.Service = toolservice.LocalServiceName
	return ToolCandidate{
		Proposition: models.GuidelineProposition{
			Guideline: models.Guideline{
				ID:      "g-1",
				Content: models.GuidelineContent{Condition: "customer says hello", Action: "answer like a cow"},
			},
			Score: 9,
		},
		Tools: []*models.Tool{&registered},
	}
}

func TestToolCallerExecutesInferredCall(t *testing.T) {
	provider := &scriptedProvider{respond: queueResponses(
		`{"tool_calls":[{"tool_id":"local:get_cow_uttering","applicable":true,"arguments":{},"rationale":"need the sound"}]}`,
	)}
	c, local := toolCallerFixture(t, provider)
	cand := cowCandidate(t, local, models.Tool{ID: models.ToolID{Name: "get_cow_uttering"}},
		func(ctx context.Context, tctx toolservice.ToolContext, args map[string]any) (*models.ToolResult, error) {
			return &models.ToolResult{Data: "moo"}, nil
		})

	records, dispatched, err := c.InferAndExecute(context.Background(), toolservice.ToolContext{}, nil, []ToolCandidate{cand}, &Snapshot{})
	if err != nil {
		t.Fatalf("InferAndExecute() error = %v", err)
	}
	if dispatched != 1 || len(records) != 1 {
		t.Fatalf("expected 1 dispatched call, got dispatched=%d records=%d", dispatched, len(records))
	}
	if records[0].Result.Data != "moo" || records[0].Result.Error != "" {
		t.Fatalf("unexpected record %+v", records[0])
	}
}

func TestToolCallerSkipsMissingRequiredParameter(t *testing.T) {
	provider := &scriptedProvider{respond: queueResponses(
		`{"tool_calls":[{"tool_id":"local:lookup_order","applicable":true,"arguments":{},"rationale":"check the order"}]}`,
	)}
	c, local := toolCallerFixture(t, provider)
	cand := cowCandidate(t, local, models.Tool{
		ID:         models.ToolID{Name: "lookup_order"},
		Parameters: map[string]models.ToolParameter{"order_id": {Type: "string"}},
		Required:   []string{"order_id"},
	}, func(ctx context.Context, tctx toolservice.ToolContext, args map[string]any) (*models.ToolResult, error) {
		t.Fatal("tool must not run without required arguments")
		return nil, nil
	})

	records, dispatched, err := c.InferAndExecute(context.Background(), toolservice.ToolContext{}, nil, []ToolCandidate{cand}, &Snapshot{})
	if err != nil {
		t.Fatalf("InferAndExecute() error = %v", err)
	}
	if dispatched != 0 {
		t.Fatalf("expected nothing dispatched, got %d", dispatched)
	}
	if len(records) != 1 || !strings.Contains(records[0].Result.Error, "order_id") {
		t.Fatalf("expected skip reason naming the missing parameter, got %+v", records)
	}
}

func TestToolCallerSkipsEnumViolation(t *testing.T) {
	provider := &scriptedProvider{respond: queueResponses(
		`{"tool_calls":[{"tool_id":"local:set_priority","applicable":true,"arguments":{"level":"extreme"},"rationale":"raise it"}]}`,
	)}
	c, local := toolCallerFixture(t, provider)
	cand := cowCandidate(t, local, models.Tool{
		ID:         models.ToolID{Name: "set_priority"},
		Parameters: map[string]models.ToolParameter{"level": {Type: "string", Enum: []string{"low", "high"}}},
	}, func(ctx context.Context, tctx toolservice.ToolContext, args map[string]any) (*models.ToolResult, error) {
		t.Fatal("tool must not run with an out-of-enum value")
		return nil, nil
	})

	records, dispatched, err := c.InferAndExecute(context.Background(), toolservice.ToolContext{}, nil, []ToolCandidate{cand}, &Snapshot{})
	if err != nil {
		t.Fatalf("InferAndExecute() error = %v", err)
	}
	if dispatched != 0 || !strings.Contains(records[0].Result.Error, "allowed values") {
		t.Fatalf("expected enum violation skip, got dispatched=%d record=%+v", dispatched, records[0])
	}
}

func TestToolCallerHonorsModelDecline(t *testing.T) {
	provider := &scriptedProvider{respond: queueResponses(
		`{"tool_calls":[{"tool_id":"local:get_cow_uttering","applicable":false,"rationale":"the customer did not say hello"}]}`,
	)}
	c, local := toolCallerFixture(t, provider)
	cand := cowCandidate(t, local, models.Tool{ID: models.ToolID{Name: "get_cow_uttering"}},
		func(ctx context.Context, tctx toolservice.ToolContext, args map[string]any) (*models.ToolResult, error) {
			return &models.ToolResult{Data: "moo"}, nil
		})

	records, dispatched, err := c.InferAndExecute(context.Background(), toolservice.ToolContext{}, nil, []ToolCandidate{cand}, &Snapshot{})
	if err != nil {
		t.Fatalf("InferAndExecute() error = %v", err)
	}
	if dispatched != 0 {
		t.Fatalf("declined call must not dispatch, got %d", dispatched)
	}
	if !strings.Contains(records[0].Result.Error, "did not say hello") {
		t.Fatalf("expected the model's rationale recorded, got %+v", records[0])
	}
}

func TestToolCallerRejectsUnassociatedTool(t *testing.T) {
	provider := &scriptedProvider{respond: queueResponses(
		`{"tool_calls":[{"tool_id":"local:delete_everything","applicable":true,"arguments":{},"rationale":"sure"}]}`,
	)}
	c, local := toolCallerFixture(t, provider)
	cand := cowCandidate(t, local, models.Tool{ID: models.ToolID{Name: "get_cow_uttering"}},
		func(ctx context.Context, tctx toolservice.ToolContext, args map[string]any) (*models.ToolResult, error) {
			return &models.ToolResult{Data: "moo"}, nil
		})

	records, dispatched, err := c.InferAndExecute(context.Background(), toolservice.ToolContext{}, nil, []ToolCandidate{cand}, &Snapshot{})
	if err != nil {
		t.Fatalf("InferAndExecute() error = %v", err)
	}
	if dispatched != 0 || !strings.Contains(records[0].Result.Error, "not associated") {
		t.Fatalf("expected unassociated tool rejected, got dispatched=%d record=%+v", dispatched, records[0])
	}
}

func TestToolCallerNoCandidatesMakesNoModelCall(t *testing.T) {
	provider := &scriptedProvider{}
	c, _ := toolCallerFixture(t, provider)

	records, dispatched, err := c.InferAndExecute(context.Background(), toolservice.ToolContext{}, nil, nil, &Snapshot{})
	if err != nil {
		t.Fatalf("InferAndExecute() error = %v", err)
	}
	if records != nil || dispatched != 0 || provider.callCount() != 0 {
		t.Fatalf("expected no work without candidates, got records=%v calls=%d", records, provider.callCount())
	}
}
