package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/guidepost-ai/guidepost/internal/store"
	"github.com/guidepost-ai/guidepost/pkg/models"
)

// Expander pulls in guidelines reachable from the proposed set through the
// stored connection graph. The graph is a directed multigraph and may contain
// cycles; a visited-set bounds the traversal.
type Expander struct {
	guidelines store.GuidelineStore
	logger     *slog.Logger
}

// NewExpander creates an expander over the guideline store.
func NewExpander(guidelines store.GuidelineStore, logger *slog.Logger) *Expander {
	if logger == nil {
		logger = slog.Default()
	}
	return &Expander{guidelines: guidelines, logger: logger}
}

// Expand returns the input propositions followed by one proposition for each
// guideline reachable through entails/suggests edges, each visited at most
// once. A pulled-in proposition inherits the score of its nearest originating
// proposition; its rationale cites the connection path that reached it.
func (e *Expander) Expand(ctx context.Context, agentID string, proposed []models.GuidelineProposition) ([]models.GuidelineProposition, error) {
	if len(proposed) == 0 {
		return proposed, nil
	}

	all, err := e.guidelines.ListGuidelines(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("list guidelines for expansion: %w", err)
	}
	byID := make(map[string]*models.Guideline, len(all))
	for _, g := range all {
		byID[g.ID] = g
	}

	type frontierEntry struct {
		guidelineID string
		score       int
		path        string
	}

	visited := make(map[string]bool, len(proposed))
	var frontier []frontierEntry
	for _, p := range proposed {
		visited[p.Guideline.ID] = true
		frontier = append(frontier, frontierEntry{
			guidelineID: p.Guideline.ID,
			score:       p.Score,
			path:        quoteCondition(p.Guideline),
		})
	}

	out := append([]models.GuidelineProposition(nil), proposed...)
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]

		edges, err := e.guidelines.ListConnectionsFrom(ctx, current.guidelineID)
		if err != nil {
			return nil, fmt.Errorf("list connections from %s: %w", current.guidelineID, err)
		}
		for _, edge := range edges {
			if visited[edge.TargetID] {
				continue
			}
			visited[edge.TargetID] = true

			target, ok := byID[edge.TargetID]
			if !ok {
				e.logger.Warn("connection targets unknown guideline",
					"connection_id", edge.ID,
					"target_id", edge.TargetID)
				continue
			}

			path := fmt.Sprintf("%s %s %s", current.path, edge.Kind, quoteCondition(*target))
			out = append(out, models.GuidelineProposition{
				Guideline: *target,
				Score:     current.score,
				Rationale: fmt.Sprintf("included through connection chain: %s", path),
			})
			frontier = append(frontier, frontierEntry{
				guidelineID: target.ID,
				score:       current.score,
				path:        path,
			})
		}
	}

	return out, nil
}

func quoteCondition(g models.Guideline) string {
	return fmt.Sprintf("%q", g.Content.Condition)
}
