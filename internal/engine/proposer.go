package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/guidepost-ai/guidepost/internal/llm"
	"github.com/guidepost-ai/guidepost/pkg/models"
)

// DefaultPropositionThreshold is the minimum relevance score a guideline must
// reach to be activated.
const DefaultPropositionThreshold = 7

// DefaultProposerBatchSize is how many candidate guidelines go into one
// model request.
const DefaultProposerBatchSize = 20

const proposerSystemPrompt = `You judge which behavioral guidelines currently apply to a conversation between a customer and an AI agent.

For every guideline you are given, decide how applicable its condition is to the conversation right now, on a scale of 1 (not applicable at all) to 10 (directly applicable). Provide a short rationale for each score.

If a guideline's condition held earlier and its action has already been carried out in the conversation, report that the action is no longer needed, and explain when it was applied.

Do not try to reconcile guidelines with each other; judge each one on its own. Guidelines with identical conditions must receive identical scores.

Respond with a single JSON object of the form:
{"checks": [{"guideline_number": <n>, "score": <1-10>, "rationale": "<why>", "previously_applied_rationale": "<when, or empty>", "action_still_needed": <bool>}]}`

var proposerSchema = llm.MustCompileSchema("guideline_checks.json", `{
	"type": "object",
	"required": ["checks"],
	"properties": {
		"checks": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["guideline_number", "score", "rationale", "action_still_needed"],
				"properties": {
					"guideline_number": {"type": "integer", "minimum": 1},
					"score": {"type": "integer", "minimum": 1, "maximum": 10},
					"rationale": {"type": "string"},
					"previously_applied_rationale": {"type": "string"},
					"action_still_needed": {"type": "boolean"}
				}
			}
		}
	}
}`)

type guidelineCheck struct {
	GuidelineNumber            int    `json:"guideline_number"`
	Score                      int    `json:"score"`
	Rationale                  string `json:"rationale"`
	PreviouslyAppliedRationale string `json:"previously_applied_rationale"`
	ActionStillNeeded          bool   `json:"action_still_needed"`
}

type guidelineCheckBatch struct {
	Checks []guidelineCheck `json:"checks"`
}

// ProposerConfig configures the guideline proposer.
type ProposerConfig struct {
	// Threshold is the minimum score for a guideline to be activated.
	// Defaults to DefaultPropositionThreshold.
	Threshold int

	// BatchSize is how many candidates one model request covers.
	// Defaults to DefaultProposerBatchSize.
	BatchSize int

	Logger *slog.Logger
}

// Proposer scores candidate guidelines against the current interaction state
// and returns the ones that cross the activation threshold.
type Proposer struct {
	client    *llm.Schematic
	threshold int
	batchSize int
	logger    *slog.Logger
}

// NewProposer creates a proposer over a schematic LLM client.
func NewProposer(client *llm.Schematic, cfg ProposerConfig) *Proposer {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultPropositionThreshold
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultProposerBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Proposer{
		client:    client,
		threshold: cfg.Threshold,
		batchSize: cfg.BatchSize,
		logger:    cfg.Logger,
	}
}

// Threshold returns the activation threshold in effect.
func (p *Proposer) Threshold() int {
	return p.threshold
}

// Propose scores the candidates in batches and returns one proposition per
// accepted guideline, in stable candidate order. Guidelines whose action has
// already been satisfied are suppressed even when still relevant.
func (p *Proposer) Propose(ctx context.Context, agent *models.Agent, candidates []*models.Guideline, snap *Snapshot) ([]models.GuidelineProposition, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	var accepted []models.GuidelineProposition
	for start := 0; start < len(candidates); start += p.batchSize {
		end := start + p.batchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[start:end]

		props, err := p.proposeBatch(ctx, agent, batch, snap)
		if err != nil {
			return nil, err
		}
		accepted = append(accepted, props...)
	}

	return dedupePropositions(accepted), nil
}

func (p *Proposer) proposeBatch(ctx context.Context, agent *models.Agent, batch []*models.Guideline, snap *Snapshot) ([]models.GuidelineProposition, error) {
	var sb strings.Builder
	renderAgentIdentity(&sb, agent)
	renderTerms(&sb, snap.Terms)
	renderVariables(&sb, snap.Variables)
	renderHistory(&sb, snap.History)
	renderStagedTools(&sb, snap.StagedTools)

	sb.WriteString("Guidelines to evaluate:\n")
	for i, g := range batch {
		fmt.Fprintf(&sb, "%d. When %s, then %s\n", i+1, g.Content.Condition, g.Content.Action)
	}

	var result guidelineCheckBatch
	if err := p.client.Generate(ctx, proposerSystemPrompt, sb.String(), proposerSchema, &result); err != nil {
		return nil, fmt.Errorf("propose guidelines: %w", err)
	}

	var out []models.GuidelineProposition
	for _, check := range result.Checks {
		idx := check.GuidelineNumber - 1
		if idx < 0 || idx >= len(batch) {
			p.logger.Warn("proposer referenced unknown guideline number",
				"number", check.GuidelineNumber,
				"batch_size", len(batch))
			continue
		}
		if check.Score < p.threshold {
			continue
		}
		if !check.ActionStillNeeded {
			p.logger.Debug("suppressing already-satisfied guideline",
				"guideline_id", batch[idx].ID,
				"rationale", check.PreviouslyAppliedRationale)
			continue
		}
		out = append(out, models.GuidelineProposition{
			Guideline: *batch[idx],
			Score:     check.Score,
			Rationale: check.Rationale,
		})
	}
	return out, nil
}

// dedupePropositions drops later propositions whose (condition, score) pair
// duplicates an earlier one, keeping stable input order.
func dedupePropositions(props []models.GuidelineProposition) []models.GuidelineProposition {
	if len(props) < 2 {
		return props
	}
	type key struct {
		condition string
		score     int
	}
	seen := make(map[key]bool, len(props))
	out := props[:0]
	for _, p := range props {
		k := key{condition: p.Guideline.Content.Condition, score: p.Score}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, p)
	}
	return out
}
