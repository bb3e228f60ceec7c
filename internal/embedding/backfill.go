package embedding

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stellarlinkco/personasurvey/internal/config"
	"github.com/stellarlinkco/personasurvey/internal/persona"
)

const defaultBackfillConcurrency = 4

// ChunkStore persists persona chunk vectors.
type ChunkStore interface {
	// PersonasWithoutChunks returns personas never embedded, in ascending id order.
	PersonasWithoutChunks(ctx context.Context, limit int) ([]persona.Persona, error)
	// SaveChunks replaces the chunks of a persona and marks it embedded, even when chunks is empty.
	SaveChunks(ctx context.Context, personaID int64, model string, chunks []Chunk) error
}

type BackfillOptions struct {
	Model       string
	ChunkSize   int
	BatchSize   int
	Concurrency int
	TimeoutMs   int
}

type Backfiller struct {
	store    ChunkStore
	embedder Embedder
	opts     BackfillOptions
	logger   *zap.Logger
}

func NewBackfiller(store ChunkStore, embedder Embedder, opts BackfillOptions, logger *zap.Logger) *Backfiller {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = config.DefaultChunkMaxLength
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = config.DefaultEmbeddingBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultBackfillConcurrency
	}
	if opts.TimeoutMs <= 0 {
		opts.TimeoutMs = config.DefaultEmbeddingTimeoutMs
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backfiller{store: store, embedder: embedder, opts: opts, logger: logger.Named("backfill")}
}

// Run embeds every persona without chunk vectors and returns how many personas it stored.
// Already-embedded personas are skipped, so Run can be repeated safely.
func (b *Backfiller) Run(ctx context.Context) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		personas, err := b.store.PersonasWithoutChunks(ctx, b.opts.BatchSize)
		if err != nil {
			return total, fmt.Errorf("backfill: list personas: %w", err)
		}
		if len(personas) == 0 {
			return total, nil
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(b.opts.Concurrency)
		for _, p := range personas {
			g.Go(func() error {
				return b.embedPersona(gctx, p)
			})
		}
		if err := g.Wait(); err != nil {
			return total, err
		}
		total += len(personas)
		b.logger.Info("embedded personas", zap.Int("batch", len(personas)), zap.Int("total", total))

		if len(personas) < b.opts.BatchSize {
			return total, nil
		}
	}
}

func (b *Backfiller) embedPersona(ctx context.Context, p persona.Persona) error {
	chunks := PrepareChunks(p, b.opts.ChunkSize)
	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Content
		}

		embedCtx, cancel := context.WithTimeout(ctx, time.Duration(b.opts.TimeoutMs)*time.Millisecond)
		vectors, err := b.embedder.EmbedBatch(embedCtx, texts)
		cancel()
		if err != nil {
			return fmt.Errorf("backfill: embed persona %d: %w", p.ID, err)
		}
		if len(vectors) != len(chunks) {
			return fmt.Errorf("backfill: embed persona %d: got %d vectors for %d chunks", p.ID, len(vectors), len(chunks))
		}
		for i := range chunks {
			chunks[i].Vector = vectors[i]
		}
	}

	if err := b.store.SaveChunks(ctx, p.ID, b.opts.Model, chunks); err != nil {
		return fmt.Errorf("backfill: save persona %d: %w", p.ID, err)
	}
	return nil
}
