// Package refine narrows a candidate persona set by semantic similarity between
// a free-text criterion and the personas' embedded narrative chunks.
package refine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/stellarlinkco/personasurvey/internal/config"
	"github.com/stellarlinkco/personasurvey/internal/embedding"
	"github.com/stellarlinkco/personasurvey/internal/persona"
)

var ErrEmptyCriterion = errors.New("empty semantic criterion")

// Source projects candidates and loads their chunk vectors.
type Source interface {
	PersonaIDs(ctx context.Context, p persona.Predicate, limit int) ([]int64, error)
	// ChunkVectors returns the vectors of every embedded chunk, keyed by persona id.
	// Personas with no vectors are absent from the map.
	ChunkVectors(ctx context.Context, ids []int64) (map[int64][][]float32, error)
}

type Refiner struct {
	source   Source
	embedder embedding.Embedder
	logger   *zap.Logger
}

func New(source Source, embedder embedding.Embedder, logger *zap.Logger) *Refiner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refiner{source: source, embedder: embedder, logger: logger.Named("refine")}
}

type scored struct {
	id    int64
	score float64
}

// Refine returns the candidate ids whose summed above-threshold chunk similarity is
// positive, best first. Equal scores are ordered by ascending id. A negative
// threshold uses the default.
func (r *Refiner) Refine(ctx context.Context, criterion string, candidates persona.Predicate, threshold float64) ([]int64, error) {
	criterion = strings.TrimSpace(criterion)
	if criterion == "" {
		return nil, ErrEmptyCriterion
	}
	if threshold < 0 {
		threshold = config.DefaultSimilarityThreshold
	}

	ids, err := r.source.PersonaIDs(ctx, candidates, 0)
	if err != nil {
		return nil, fmt.Errorf("refine: project candidates: %w", err)
	}
	if len(ids) == 0 {
		return []int64{}, nil
	}

	query, err := r.embedder.Embed(ctx, criterion)
	if err != nil {
		return nil, fmt.Errorf("refine: embed criterion: %w", err)
	}

	vectors, err := r.source.ChunkVectors(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("refine: load chunk vectors: %w", err)
	}

	results := make([]scored, 0, len(vectors))
	skipped := 0
	for _, id := range ids {
		chunks, ok := vectors[id]
		if !ok || len(chunks) == 0 {
			skipped++
			continue
		}
		var score float64
		for i, vec := range chunks {
			sim, err := embedding.CosineSimilarity(query, vec)
			if err != nil {
				return nil, fmt.Errorf("refine: persona %d chunk %d: %w", id, i, err)
			}
			if sim >= threshold {
				score += sim
			}
		}
		if score > 0 {
			results = append(results, scored{id: id, score: score})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].id < results[j].id
	})

	out := make([]int64, len(results))
	for i, s := range results {
		out[i] = s.id
	}
	r.logger.Debug("refined candidates",
		zap.Int("candidates", len(ids)),
		zap.Int("unembedded", skipped),
		zap.Int("matched", len(out)),
		zap.Float64("threshold", threshold))
	return out, nil
}
