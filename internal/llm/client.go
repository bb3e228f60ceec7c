// Package llm turns rendered prompt segments into one structured answer using
// the agentsdk-go model providers.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cexll/agentsdk-go/pkg/model"
	"go.uber.org/zap"

	"github.com/stellarlinkco/personasurvey/internal/answer"
	"github.com/stellarlinkco/personasurvey/internal/config"
	"github.com/stellarlinkco/personasurvey/internal/logging"
	"github.com/stellarlinkco/personasurvey/internal/metrics"
	"github.com/stellarlinkco/personasurvey/internal/prompt"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

var (
	ErrUnsupportedProvider = errors.New("unsupported model provider")
	// ErrNoAnswer means the model produced neither a tool call nor parseable text.
	ErrNoAnswer = errors.New("model returned no structured answer")
)

// ModelConfig selects a provider and model per run. Empty fields fall back to the
// client defaults.
type ModelConfig struct {
	Provider    string   `json:"provider,omitempty"`
	Model       string   `json:"model,omitempty"`
	APIKey      string   `json:"-"`
	BaseURL     string   `json:"baseUrl,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"maxTokens,omitempty"`
}

func FromConfig(p config.ProviderConfig) ModelConfig {
	temp := p.Temperature
	return ModelConfig{
		Provider:    p.Type,
		Model:       p.Model,
		APIKey:      p.APIKey,
		BaseURL:     p.BaseURL,
		Temperature: &temp,
		MaxTokens:   p.MaxTokens,
	}
}

func (c ModelConfig) merge(defaults ModelConfig) ModelConfig {
	if c.Provider == "" {
		c.Provider = defaults.Provider
	}
	if c.Model == "" {
		c.Model = defaults.Model
	}
	if c.APIKey == "" {
		c.APIKey = defaults.APIKey
	}
	if c.BaseURL == "" {
		c.BaseURL = defaults.BaseURL
	}
	if c.Temperature == nil {
		c.Temperature = defaults.Temperature
	}
	if c.Temperature == nil {
		t := config.DefaultTemperature
		c.Temperature = &t
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaults.MaxTokens
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = config.DefaultMaxTokens
	}
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	if c.Provider == "" {
		c.Provider = ProviderAnthropic
	}
	return c
}

func (c ModelConfig) cacheKey() string {
	return strings.Join([]string{c.Provider, c.BaseURL, c.Model, c.APIKey, fmt.Sprint(c.MaxTokens)}, "|")
}

// Completion is a validated answer and the tokens it cost.
type Completion struct {
	Text   string
	Cost   int
	Answer answer.Answer
}

// Completer is what the inference unit depends on.
type Completer interface {
	Complete(ctx context.Context, segments []prompt.Segment, schema answer.Schema, cfg ModelConfig) (Completion, error)
}

// ModelFactory builds a provider model for a resolved config.
type ModelFactory func(ctx context.Context, cfg ModelConfig) (model.Model, error)

type Client struct {
	defaults ModelConfig
	factory  ModelFactory
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu     sync.Mutex
	models map[string]model.Model
}

type Option func(*Client)

func WithFactory(f ModelFactory) Option {
	return func(c *Client) {
		if f != nil {
			c.factory = f
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func NewClient(defaults ModelConfig, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		defaults: defaults,
		factory:  NewProviderModel,
		logger:   logging.OrNop(logger).Named("llm"),
		models:   make(map[string]model.Model),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewProviderModel builds an Anthropic or OpenAI-compatible model. OpenAI base
// URLs also cover NVIDIA and Mistral endpoints.
func NewProviderModel(ctx context.Context, cfg ModelConfig) (model.Model, error) {
	var p model.Provider
	switch cfg.Provider {
	case ProviderAnthropic:
		p = &model.AnthropicProvider{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			ModelName:   cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		}
	case ProviderOpenAI:
		p = &model.OpenAIProvider{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			ModelName:   cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, cfg.Provider)
	}
	return p.Model(ctx)
}

func (c *Client) model(ctx context.Context, cfg ModelConfig) (model.Model, error) {
	key := cfg.cacheKey()
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.models[key]; ok {
		return m, nil
	}
	m, err := c.factory(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.models[key] = m
	return m, nil
}

// ToolName is the function the model is asked to call for schema.
func ToolName(schema answer.Schema) string {
	return "submit_" + strings.ToLower(strings.TrimSuffix(string(schema.ID()), "Schema")) + "_answer"
}

func toolDefinition(schema answer.Schema) model.ToolDefinition {
	return model.ToolDefinition{
		Name:        ToolName(schema),
		Description: "Record the respondent's answer. " + schema.Description(),
		Parameters:  schema.Parameters(),
	}
}

func messages(segments []prompt.Segment) []model.Message {
	out := make([]model.Message, 0, len(segments))
	for _, s := range segments {
		out = append(out, model.Message{Role: string(s.Role), Content: s.Content})
	}
	return out
}

// Complete asks the model for one answer shaped by schema.
func (c *Client) Complete(ctx context.Context, segments []prompt.Segment, schema answer.Schema, cfg ModelConfig) (Completion, error) {
	if schema == nil {
		return Completion{}, fmt.Errorf("complete: %w", answer.ErrUnknownSchema)
	}
	cfg = cfg.merge(c.defaults)
	mdl, err := c.model(ctx, cfg)
	if err != nil {
		return Completion{}, fmt.Errorf("complete: build %s model: %w", cfg.Provider, err)
	}

	tool := toolDefinition(schema)
	resp, err := mdl.Complete(ctx, model.Request{
		Messages:    messages(segments),
		System:      fmt.Sprintf("Answer in character by calling the %s tool exactly once.", tool.Name),
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		Tools:       []model.ToolDefinition{tool},
	})
	if err != nil {
		return Completion{}, fmt.Errorf("complete: %w", err)
	}
	if resp == nil {
		return Completion{}, fmt.Errorf("complete: %w", ErrNoAnswer)
	}

	cost := resp.Usage.TotalTokens
	if cost == 0 {
		cost = resp.Usage.InputTokens + resp.Usage.OutputTokens
	}
	c.metrics.AddTokens(cost)

	ans, err := decode(resp.Message, schema, tool.Name)
	if err != nil {
		c.logger.Debug("undecodable answer", zap.String("schema", string(schema.ID())), zap.String("stop_reason", resp.StopReason), zap.Error(err))
		return Completion{}, fmt.Errorf("complete: %w", err)
	}
	return Completion{Text: ans.Text(), Cost: cost, Answer: ans}, nil
}

// decode prefers the matching tool call and falls back to a JSON object in the
// message text for providers that ignore tools.
func decode(msg model.Message, schema answer.Schema, tool string) (answer.Answer, error) {
	for _, call := range msg.ToolCalls {
		if call.Name == tool || len(msg.ToolCalls) == 1 {
			return schema.Decode(call.Arguments)
		}
	}
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return nil, ErrNoAnswer
	}
	if i, j := strings.Index(text, "{"), strings.LastIndex(text, "}"); i >= 0 && j > i {
		text = text[i : j+1]
	}
	return answer.DecodeJSON(schema, text)
}
