// Package glossary stores agent glossary terms and retrieves the ones
// relevant to the current interaction by vector similarity.
package glossary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/guidepost-ai/guidepost/pkg/models"
)

// maxEmbedChunkRunes bounds the text passed to the embedder in one call.
// Longer query text is embedded chunk-wise and mean-pooled, so arbitrarily
// long interaction histories can still be used as queries.
const maxEmbedChunkRunes = 2000

// Store indexes glossary terms per agent in an in-process vector database.
type Store struct {
	db     *chromem.DB
	embed  chromem.EmbeddingFunc
	logger *slog.Logger

	mu    sync.RWMutex
	terms map[string]map[string]*models.Term // agent id -> term id -> term
}

// NewStore creates a glossary store using the given embedding function.
func NewStore(embed chromem.EmbeddingFunc, logger *slog.Logger) (*Store, error) {
	if embed == nil {
		return nil, errors.New("embedding function is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     chromem.NewDB(),
		embed:  ChunkedEmbedding(embed),
		logger: logger,
		terms:  map[string]map[string]*models.Term{},
	}, nil
}

func collectionName(agentID string) string {
	return "terms-" + agentID
}

// AddTerm indexes a term under its agent.
func (s *Store) AddTerm(ctx context.Context, term *models.Term) error {
	if term == nil || term.ID == "" {
		return errors.New("term with id is required")
	}

	col, err := s.db.GetOrCreateCollection(collectionName(term.AgentID), nil, s.embed)
	if err != nil {
		return fmt.Errorf("open term collection: %w", err)
	}
	if err := col.AddDocument(ctx, chromem.Document{
		ID:      term.ID,
		Content: termContent(term),
	}); err != nil {
		return fmt.Errorf("index term %q: %w", term.Name, err)
	}

	s.mu.Lock()
	byID := s.terms[term.AgentID]
	if byID == nil {
		byID = map[string]*models.Term{}
		s.terms[term.AgentID] = byID
	}
	clone := *term
	byID[term.ID] = &clone
	s.mu.Unlock()
	return nil
}

// ListTerms returns every term of the agent.
func (s *Store) ListTerms(ctx context.Context, agentID string) ([]*models.Term, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID := s.terms[agentID]
	out := make([]*models.Term, 0, len(byID))
	for _, term := range byID {
		clone := *term
		out = append(out, &clone)
	}
	return out, nil
}

// FindRelevant returns up to topK terms ranked by similarity to the query
// text. Query text of any length is accepted.
func (s *Store) FindRelevant(ctx context.Context, agentID, query string, topK int) ([]*models.Term, error) {
	if strings.TrimSpace(query) == "" || topK <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	byID := s.terms[agentID]
	count := len(byID)
	s.mu.RUnlock()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	col := s.db.GetCollection(collectionName(agentID), s.embed)
	if col == nil {
		return nil, nil
	}

	results, err := col.Query(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query terms: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Term, 0, len(results))
	for _, res := range results {
		if term, ok := byID[res.ID]; ok {
			clone := *term
			out = append(out, &clone)
		}
	}
	return out, nil
}

func termContent(term *models.Term) string {
	parts := []string{term.Name}
	if len(term.Synonyms) > 0 {
		parts = append(parts, strings.Join(term.Synonyms, ", "))
	}
	if term.Description != "" {
		parts = append(parts, term.Description)
	}
	return strings.Join(parts, ": ")
}

// ChunkedEmbedding wraps an embedding function so that over-long inputs are
// split, embedded separately, mean-pooled, and renormalised.
func ChunkedEmbedding(embed chromem.EmbeddingFunc) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		runes := []rune(text)
		if len(runes) <= maxEmbedChunkRunes {
			return embed(ctx, text)
		}

		var pooled []float32
		chunks := 0
		for start := 0; start < len(runes); start += maxEmbedChunkRunes {
			end := start + maxEmbedChunkRunes
			if end > len(runes) {
				end = len(runes)
			}
			vec, err := embed(ctx, string(runes[start:end]))
			if err != nil {
				return nil, err
			}
			if pooled == nil {
				pooled = make([]float32, len(vec))
			}
			if len(vec) != len(pooled) {
				return nil, fmt.Errorf("embedding dimension changed between chunks: %d vs %d", len(pooled), len(vec))
			}
			for i, v := range vec {
				pooled[i] += v
			}
			chunks++
		}

		var norm float64
		for i := range pooled {
			pooled[i] /= float32(chunks)
			norm += float64(pooled[i]) * float64(pooled[i])
		}
		norm = math.Sqrt(norm)
		if norm > 0 {
			for i := range pooled {
				pooled[i] = float32(float64(pooled[i]) / norm)
			}
		}
		return pooled, nil
	}
}
