package embedding

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/stellarlinkco/personasurvey/internal/config"
)

const (
	defaultGenAIModel = "gemini-embedding-001"
	genAITaskType     = "SEMANTIC_SIMILARITY"
)

// genAIModels is the slice of the genai client this package calls.
type genAIModels interface {
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
}

// GenAIEmbedder embeds through the Gemini API.
type GenAIEmbedder struct {
	models    genAIModels
	model     string
	batchSize int
}

func NewGenAIEmbedder(ctx context.Context, cfg config.EmbeddingConfig) (*GenAIEmbedder, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("genai embedder: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("genai embedder: create client: %w", err)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" || model == config.DefaultEmbeddingModel {
		model = defaultGenAIModel
	}
	return newGenAIEmbedder(client.Models, model, cfg.BatchSize), nil
}

func newGenAIEmbedder(models genAIModels, model string, batchSize int) *GenAIEmbedder {
	if batchSize <= 0 {
		batchSize = config.DefaultEmbeddingBatchSize
	}
	return &GenAIEmbedder{models: models, model: model, batchSize: batchSize}
}

func (g *GenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := g.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (g *GenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	normalized, err := normalizeTexts(texts)
	if err != nil {
		return nil, fmt.Errorf("genai embed: %w", err)
	}

	out := make([][]float32, 0, len(normalized))
	for start := 0; start < len(normalized); start += g.batchSize {
		end := min(start+g.batchSize, len(normalized))
		contents := make([]*genai.Content, 0, end-start)
		for _, text := range normalized[start:end] {
			contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
		}

		resp, err := g.models.EmbedContent(ctx, g.model, contents, &genai.EmbedContentConfig{TaskType: genAITaskType})
		if err != nil {
			return nil, fmt.Errorf("genai embed: %w", err)
		}
		if resp == nil || len(resp.Embeddings) != len(contents) {
			got := 0
			if resp != nil {
				got = len(resp.Embeddings)
			}
			return nil, fmt.Errorf("genai embed: response count mismatch: got %d want %d", got, len(contents))
		}
		for i, emb := range resp.Embeddings {
			if emb == nil || len(emb.Values) == 0 {
				return nil, fmt.Errorf("genai embed: empty embedding at index %d", start+i)
			}
			out = append(out, emb.Values)
		}
	}
	return out, nil
}
