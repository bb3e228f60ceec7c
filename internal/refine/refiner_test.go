package refine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/personasurvey/internal/embedding"
	"github.com/stellarlinkco/personasurvey/internal/persona"
)

type fakeSource struct {
	ids     []int64
	vectors map[int64][][]float32
	loaded  [][]int64
}

func (f *fakeSource) PersonaIDs(context.Context, persona.Predicate, int) ([]int64, error) {
	return f.ids, nil
}

func (f *fakeSource) ChunkVectors(_ context.Context, ids []int64) (map[int64][][]float32, error) {
	f.loaded = append(f.loaded, ids)
	return f.vectors, nil
}

type fixedEmbedder struct {
	vec   []float32
	err   error
	calls int
}

func (e *fixedEmbedder) Embed(context.Context, string) ([]float32, error) {
	e.calls++
	return e.vec, e.err
}

func (e *fixedEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("not used")
}

func TestRefine_ScoresAndOrders(t *testing.T) {
	src := &fakeSource{
		ids: []int64{1, 2, 3, 4, 5},
		vectors: map[int64][][]float32{
			1: {{1, 0}},         // cos 1.0
			2: {{1, 0}, {1, 1}}, // 1.0 + 0.707
			3: {{0, 1}},         // cos 0, below threshold
			// 4 has no vectors
			5: {{1, 0}}, // ties with 1
		},
	}
	emb := &fixedEmbedder{vec: []float32{1, 0}}

	got, err := New(src, emb, nil).Refine(context.Background(), "outdoor lovers", persona.Predicate{}, -1)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1, 5}, got)
	assert.Equal(t, 1, emb.calls)
}

func TestRefine_ThresholdIsInclusiveAndBelowIsDropped(t *testing.T) {
	src := &fakeSource{
		ids: []int64{1, 2},
		vectors: map[int64][][]float32{
			1: {{1, 1}}, // cos 0.7071
			2: {{1, 0}},
		},
	}
	emb := &fixedEmbedder{vec: []float32{1, 0}}

	got, err := New(src, emb, nil).Refine(context.Background(), "x", persona.Predicate{}, 0.8)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, got)

	got, err = New(src, emb, nil).Refine(context.Background(), "x", persona.Predicate{}, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, got)
}

func TestRefine_EmptyCandidatesSkipsEmbedder(t *testing.T) {
	emb := &fixedEmbedder{vec: []float32{1}}
	got, err := New(&fakeSource{}, emb, nil).Refine(context.Background(), "x", persona.Predicate{}, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, emb.calls)
}

func TestRefine_Errors(t *testing.T) {
	src := &fakeSource{ids: []int64{1}, vectors: map[int64][][]float32{1: {{1, 0, 0}}}}

	_, err := New(src, &fixedEmbedder{vec: []float32{1, 0}}, nil).Refine(context.Background(), "x", persona.Predicate{}, 0)
	assert.ErrorIs(t, err, embedding.ErrDimensionMismatch)

	boom := errors.New("embedder down")
	_, err = New(src, &fixedEmbedder{err: boom}, nil).Refine(context.Background(), "x", persona.Predicate{}, 0)
	assert.ErrorIs(t, err, boom)

	_, err = New(src, &fixedEmbedder{}, nil).Refine(context.Background(), "  ", persona.Predicate{}, 0)
	assert.ErrorIs(t, err, ErrEmptyCriterion)
}

func TestRefine_ZeroThresholdKeepsAnyPositiveSimilarity(t *testing.T) {
	src := &fakeSource{
		ids: []int64{1, 2, 3},
		vectors: map[int64][][]float32{
			1: {{1, 9}},  // cos 0.11
			2: {{0, 1}},  // cos 0
			3: {{-1, 0}}, // cos -1
		},
	}
	emb := &fixedEmbedder{vec: []float32{1, 0}}

	got, err := New(src, emb, nil).Refine(context.Background(), "x", persona.Predicate{}, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, got)

	got, err = New(src, emb, nil).Refine(context.Background(), "x", persona.Predicate{}, -1)
	require.NoError(t, err)
	assert.Empty(t, got, "negative threshold falls back to the default")
}

func TestRefine_NoEmbeddedCandidates(t *testing.T) {
	src := &fakeSource{ids: []int64{1, 2, 3}, vectors: map[int64][][]float32{}}
	emb := &fixedEmbedder{vec: []float32{1, 0}}

	got, err := New(src, emb, nil).Refine(context.Background(), "keeps chickens", persona.Predicate{}, 0.32)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, [][]int64{{1, 2, 3}}, src.loaded)
}
