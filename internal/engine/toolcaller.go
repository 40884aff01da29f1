package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/guidepost-ai/guidepost/internal/llm"
	"github.com/guidepost-ai/guidepost/internal/toolservice"
	"github.com/guidepost-ai/guidepost/pkg/models"
)

const toolCallerSystemPrompt = `You decide which tool calls an AI agent should make right now, based on the guidelines that are currently active and the conversation so far.

For each candidate tool you may propose zero or more concrete invocations. Only propose a call when the associated guideline requires it and its result is not already available from this turn's earlier tool results.

Argument rules:
- Every required parameter must be given a concrete value.
- Parameters with an enumeration must use one of the allowed values exactly.
- If a required value is missing from the conversation and cannot be inferred, do not guess: mark the call as not applicable and explain what is missing.

Respond with a single JSON object of the form:
{"tool_calls": [{"tool_id": "<service:name>", "applicable": <bool>, "arguments": {...}, "rationale": "<why, or what is missing>"}]}`

var toolCallerSchema = llm.MustCompileSchema("tool_calls.json", `{
	"type": "object",
	"required": ["tool_calls"],
	"properties": {
		"tool_calls": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["tool_id", "applicable"],
				"properties": {
					"tool_id": {"type": "string"},
					"applicable": {"type": "boolean"},
					"arguments": {"type": "object"},
					"rationale": {"type": "string"}
				}
			}
		}
	}
}`)

type inferredCall struct {
	ToolID     string         `json:"tool_id"`
	Applicable bool           `json:"applicable"`
	Arguments  map[string]any `json:"arguments"`
	Rationale  string         `json:"rationale"`
}

type inferredCallBatch struct {
	ToolCalls []inferredCall `json:"tool_calls"`
}

// ToolCandidate pairs an active proposition with the tools its guideline is
// associated with.
type ToolCandidate struct {
	Proposition models.GuidelineProposition
	Tools       []*models.Tool
}

// ToolCaller infers which tool calls to make for the active tool-enabled
// propositions and executes them as one parallel batch.
type ToolCaller struct {
	client   *llm.Schematic
	executor *toolservice.Executor
	logger   *slog.Logger
}

// NewToolCaller creates a tool caller.
func NewToolCaller(client *llm.Schematic, executor *toolservice.Executor, logger *slog.Logger) *ToolCaller {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolCaller{client: client, executor: executor, logger: logger}
}

// InferAndExecute runs one inference over the tool-enabled propositions,
// validates the proposed calls against the tool schemas, executes the valid
// ones in parallel, and returns one record per proposed call in the model's
// output order. Calls the model declined or that failed validation keep their
// slot with the skip reason recorded. The second return value is the number
// of calls actually dispatched.
func (c *ToolCaller) InferAndExecute(ctx context.Context, tctx toolservice.ToolContext, ordinary []models.GuidelineProposition, candidates []ToolCandidate, snap *Snapshot) ([]models.ToolCallRecord, int, error) {
	if len(candidates) == 0 {
		return nil, 0, nil
	}

	allowed := make(map[string]*models.Tool)
	for _, cand := range candidates {
		for _, tool := range cand.Tools {
			allowed[tool.ID.String()] = tool
		}
	}

	prompt := c.buildPrompt(ordinary, candidates, snap)

	var batch inferredCallBatch
	if err := c.client.Generate(ctx, toolCallerSystemPrompt, prompt, toolCallerSchema, &batch); err != nil {
		return nil, 0, fmt.Errorf("infer tool calls: %w", err)
	}
	if len(batch.ToolCalls) == 0 {
		return nil, 0, nil
	}

	records := make([]models.ToolCallRecord, len(batch.ToolCalls))
	var calls []toolservice.Call
	var callIdx []int

	for i, inferred := range batch.ToolCalls {
		toolID, err := models.ParseToolID(inferred.ToolID)
		if err != nil {
			records[i] = skippedRecord(models.ToolID{Name: inferred.ToolID}, inferred.Arguments,
				fmt.Sprintf("unparseable tool id: %v", err))
			continue
		}
		record := models.ToolCallRecord{ToolID: toolID, Arguments: inferred.Arguments}

		if !inferred.Applicable {
			record.Result = models.ToolResultRecord{Error: skipReason(inferred.Rationale, "model declined the call")}
			records[i] = record
			continue
		}

		tool, ok := allowed[toolID.String()]
		if !ok {
			records[i] = skippedRecord(toolID, inferred.Arguments, "tool is not associated with any active guideline")
			continue
		}
		if reason := validateArguments(tool, inferred.Arguments); reason != "" {
			records[i] = skippedRecord(toolID, inferred.Arguments, reason)
			continue
		}

		records[i] = record
		calls = append(calls, toolservice.Call{ToolID: toolID, Arguments: inferred.Arguments})
		callIdx = append(callIdx, i)
	}

	if len(calls) > 0 {
		results := c.executor.ExecuteBatch(ctx, tctx, calls)
		for j, rec := range results {
			records[callIdx[j]] = rec
		}
	}

	return records, len(calls), nil
}

func (c *ToolCaller) buildPrompt(ordinary []models.GuidelineProposition, candidates []ToolCandidate, snap *Snapshot) string {
	var sb strings.Builder
	renderTerms(&sb, snap.Terms)
	renderVariables(&sb, snap.Variables)
	renderHistory(&sb, snap.History)
	renderStagedTools(&sb, snap.StagedTools)
	renderPropositions(&sb, "Other guidelines currently active (no tools attached):", ordinary)

	sb.WriteString("Guidelines with candidate tools:\n")
	for _, cand := range candidates {
		p := cand.Proposition
		fmt.Fprintf(&sb, "- When %s, then %s (priority %d/10)\n",
			p.Guideline.Content.Condition, p.Guideline.Content.Action, p.Score)
		for _, tool := range cand.Tools {
			fmt.Fprintf(&sb, "  tool %s: %s\n", tool.ID, tool.Description)
			for name, param := range tool.Parameters {
				fmt.Fprintf(&sb, "    - %s (%s)", name, param.Type)
				if param.Description != "" {
					fmt.Fprintf(&sb, ": %s", param.Description)
				}
				if len(param.Enum) > 0 {
					fmt.Fprintf(&sb, " [one of: %s]", strings.Join(param.Enum, ", "))
				}
				if contains(tool.Required, name) {
					sb.WriteString(" (required)")
				}
				sb.WriteString("\n")
			}
		}
	}
	return sb.String()
}

// validateArguments returns a human-readable skip reason, or "" when the
// arguments satisfy the tool's schema.
func validateArguments(tool *models.Tool, args map[string]any) string {
	for _, required := range tool.Required {
		if _, ok := args[required]; !ok {
			return fmt.Sprintf("required parameter %q is missing", required)
		}
	}
	for name, value := range args {
		param, ok := tool.Parameters[name]
		if !ok {
			return fmt.Sprintf("parameter %q is not declared by the tool", name)
		}
		if len(param.Enum) > 0 {
			rendered := fmt.Sprintf("%v", value)
			if !contains(param.Enum, rendered) {
				return fmt.Sprintf("parameter %q value %q is not one of the allowed values", name, rendered)
			}
		}
	}
	return ""
}

func skippedRecord(toolID models.ToolID, args map[string]any, reason string) models.ToolCallRecord {
	return models.ToolCallRecord{
		ToolID:    toolID,
		Arguments: args,
		Result:    models.ToolResultRecord{Error: "call skipped: " + reason},
	}
}

func skipReason(rationale, fallback string) string {
	if rationale != "" {
		return "call skipped: " + rationale
	}
	return "call skipped: " + fallback
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
