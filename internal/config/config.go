package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultModel               = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens           = 1024
	DefaultTemperature         = 1.0
	DefaultHost                = "0.0.0.0"
	DefaultPort                = 18790
	DefaultStoreDriver         = "sqlite"
	DefaultCounterDriver       = "memory"
	DefaultQueueWorkers        = 8
	DefaultQueueMaxRetries     = 5
	DefaultQueueBackoffInitial = "1s"
	DefaultQueueBackoffMax     = "1h"
	DefaultQueueRatePerMinute  = 20
	DefaultSimilarityThreshold = 0.32
	DefaultEmbeddingModel      = "nvidia/llama-3.2-nv-embedqa-1b-v1"
	DefaultEmbeddingBatchSize  = 32
	DefaultEmbeddingTimeoutMs  = 30000
	DefaultChunkMaxLength      = 1000
	DefaultSweeperSchedule     = "0 */5 * * * *"
	DefaultSweeperStallAfter   = "30m"
	DefaultLogLevel            = "info"

	StoreDriverSQLite   = "sqlite"
	StoreDriverPostgres = "postgres"

	CounterDriverMemory = "memory"
	CounterDriverSQL    = "sql"
	CounterDriverRedis  = "redis"

	EmbeddingProviderAPI    = "api"
	EmbeddingProviderOllama = "ollama"
	EmbeddingProviderGenAI  = "genai"
)

type Config struct {
	Provider  ProviderConfig  `json:"provider"`
	Embedding EmbeddingConfig `json:"embedding"`
	Store     StoreConfig     `json:"store"`
	Counters  CounterConfig   `json:"counters"`
	Queue     QueueConfig     `json:"queue"`
	Server    ServerConfig    `json:"server"`
	Sweeper   SweeperConfig   `json:"sweeper"`
	Notify    NotifyConfig    `json:"notify"`
	Log       LogConfig       `json:"log"`
}

type ProviderConfig struct {
	Type        string  `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey      string  `json:"apiKey"`
	BaseURL     string  `json:"baseUrl,omitempty"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"maxTokens"`
	Temperature float64 `json:"temperature"`
}

type EmbeddingConfig struct {
	Provider  string  `json:"provider,omitempty"` // "api" (default), "ollama" or "genai"
	APIKey    string  `json:"apiKey,omitempty"`
	BaseURL   string  `json:"baseUrl,omitempty"`
	Model     string  `json:"model"`
	Dimension int     `json:"dimension,omitempty"`
	BatchSize int     `json:"batchSize,omitempty"`
	TimeoutMs int     `json:"timeoutMs,omitempty"`
	ChunkSize int     `json:"chunkSize,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
}

type StoreConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
	DSN    string `json:"dsn,omitempty"`
}

type CounterConfig struct {
	Driver    string `json:"driver"`
	RedisAddr string `json:"redisAddr,omitempty"`
	RedisDB   int    `json:"redisDb,omitempty"`
	Password  string `json:"password,omitempty"`
}

type QueueConfig struct {
	Workers        int    `json:"workers"`
	MaxRetries     int    `json:"maxRetries"`
	BackoffInitial string `json:"backoffInitial"`
	BackoffMax     string `json:"backoffMax"`
	RatePerMinute  int    `json:"ratePerMinute"`
}

type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type SweeperConfig struct {
	Enabled    bool   `json:"enabled"`
	Schedule   string `json:"schedule"`
	StallAfter string `json:"stallAfter"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled bool    `json:"enabled"`
	Token   string  `json:"token"`
	ChatIDs []int64 `json:"chatIds"`
	Proxy   string  `json:"proxy,omitempty"`
}

type LogConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Model:       DefaultModel,
			MaxTokens:   DefaultMaxTokens,
			Temperature: DefaultTemperature,
		},
		Embedding: EmbeddingConfig{
			Provider:  EmbeddingProviderAPI,
			Model:     DefaultEmbeddingModel,
			BatchSize: DefaultEmbeddingBatchSize,
			TimeoutMs: DefaultEmbeddingTimeoutMs,
			ChunkSize: DefaultChunkMaxLength,
			Threshold: DefaultSimilarityThreshold,
		},
		Store: StoreConfig{
			Driver: DefaultStoreDriver,
			Path:   filepath.Join(ConfigDir(), "data", "survey.db"),
		},
		Counters: CounterConfig{
			Driver: DefaultCounterDriver,
		},
		Queue: QueueConfig{
			Workers:        DefaultQueueWorkers,
			MaxRetries:     DefaultQueueMaxRetries,
			BackoffInitial: DefaultQueueBackoffInitial,
			BackoffMax:     DefaultQueueBackoffMax,
			RatePerMinute:  DefaultQueueRatePerMinute,
		},
		Server: ServerConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Sweeper: SweeperConfig{
			Enabled:    true,
			Schedule:   DefaultSweeperSchedule,
			StallAfter: DefaultSweeperStallAfter,
		},
		Log: LogConfig{
			Level: DefaultLogLevel,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".personasurvey")
}

func ConfigPath() string {
	if p := os.Getenv("PERSONASURVEY_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if key := os.Getenv("PERSONASURVEY_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if t := os.Getenv("PERSONASURVEY_PROVIDER"); t != "" {
		cfg.Provider.Type = t
	}
	if url := os.Getenv("PERSONASURVEY_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("PERSONASURVEY_MODEL"); model != "" {
		cfg.Provider.Model = model
	}
	if key := os.Getenv("PERSONASURVEY_EMBEDDING_API_KEY"); key != "" {
		cfg.Embedding.APIKey = key
	}
	if url := os.Getenv("PERSONASURVEY_EMBEDDING_BASE_URL"); url != "" {
		cfg.Embedding.BaseURL = url
	}
	if p := os.Getenv("PERSONASURVEY_EMBEDDING_PROVIDER"); p != "" {
		cfg.Embedding.Provider = p
	}
	if threshold := os.Getenv("PERSONASURVEY_SIMILARITY_THRESHOLD"); threshold != "" {
		if parsed, err := strconv.ParseFloat(threshold, 64); err == nil {
			cfg.Embedding.Threshold = parsed
		}
	}
	if driver := os.Getenv("PERSONASURVEY_STORE_DRIVER"); driver != "" {
		cfg.Store.Driver = driver
	}
	if dsn := os.Getenv("PERSONASURVEY_STORE_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if path := os.Getenv("PERSONASURVEY_STORE_PATH"); path != "" {
		cfg.Store.Path = path
	}
	if driver := os.Getenv("PERSONASURVEY_COUNTER_DRIVER"); driver != "" {
		cfg.Counters.Driver = driver
	}
	if addr := os.Getenv("PERSONASURVEY_REDIS_ADDR"); addr != "" {
		cfg.Counters.RedisAddr = addr
	}
	if workers := os.Getenv("PERSONASURVEY_QUEUE_WORKERS"); workers != "" {
		if parsed, err := strconv.Atoi(workers); err == nil {
			cfg.Queue.Workers = parsed
		}
	}
	if rate := os.Getenv("PERSONASURVEY_QUEUE_RATE"); rate != "" {
		if parsed, err := strconv.Atoi(rate); err == nil {
			cfg.Queue.RatePerMinute = parsed
		}
	}
	if token := os.Getenv("PERSONASURVEY_TELEGRAM_TOKEN"); token != "" {
		cfg.Notify.Telegram.Token = token
	}
	if level := os.Getenv("PERSONASURVEY_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if port := os.Getenv("PERSONASURVEY_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = parsed
		}
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()
	if cfg.Provider.Model == "" {
		cfg.Provider.Model = DefaultModel
	}
	if cfg.Provider.MaxTokens <= 0 {
		cfg.Provider.MaxTokens = DefaultMaxTokens
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = EmbeddingProviderAPI
	}
	if cfg.Embedding.ChunkSize <= 0 {
		cfg.Embedding.ChunkSize = DefaultChunkMaxLength
	}
	if cfg.Embedding.Threshold <= 0 {
		cfg.Embedding.Threshold = DefaultSimilarityThreshold
	}
	if cfg.Embedding.BatchSize <= 0 {
		cfg.Embedding.BatchSize = DefaultEmbeddingBatchSize
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DefaultStoreDriver
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = defaults.Store.Path
	}
	if cfg.Counters.Driver == "" {
		cfg.Counters.Driver = DefaultCounterDriver
	}
	if cfg.Queue.Workers <= 0 {
		cfg.Queue.Workers = DefaultQueueWorkers
	}
	if cfg.Queue.MaxRetries < 0 {
		cfg.Queue.MaxRetries = DefaultQueueMaxRetries
	}
	if cfg.Queue.BackoffInitial == "" {
		cfg.Queue.BackoffInitial = DefaultQueueBackoffInitial
	}
	if cfg.Queue.BackoffMax == "" {
		cfg.Queue.BackoffMax = DefaultQueueBackoffMax
	}
	if cfg.Sweeper.Schedule == "" {
		cfg.Sweeper.Schedule = DefaultSweeperSchedule
	}
	if cfg.Sweeper.StallAfter == "" {
		cfg.Sweeper.StallAfter = DefaultSweeperStallAfter
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
}

// Validate rejects driver names no component knows how to open.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Store.Driver) {
	case StoreDriverSQLite, StoreDriverPostgres:
	default:
		return fmt.Errorf("invalid config: unsupported store driver %q", c.Store.Driver)
	}
	switch strings.ToLower(c.Counters.Driver) {
	case CounterDriverMemory, CounterDriverSQL:
	case CounterDriverRedis:
		if strings.TrimSpace(c.Counters.RedisAddr) == "" {
			return fmt.Errorf("invalid config: redis counter driver requires redisAddr")
		}
	default:
		return fmt.Errorf("invalid config: unsupported counter driver %q", c.Counters.Driver)
	}
	switch strings.ToLower(c.Embedding.Provider) {
	case EmbeddingProviderAPI, EmbeddingProviderOllama, EmbeddingProviderGenAI:
	default:
		return fmt.Errorf("invalid config: unsupported embedding provider %q", c.Embedding.Provider)
	}
	if _, _, err := c.Queue.Backoff(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.Sweeper.StallDuration(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Embedding.Threshold > 1 {
		return fmt.Errorf("invalid config: similarity threshold %.2f outside [0,1]", c.Embedding.Threshold)
	}
	return nil
}

// Backoff parses the retry backoff bounds.
func (q QueueConfig) Backoff() (initial, max time.Duration, err error) {
	initial, err = time.ParseDuration(q.BackoffInitial)
	if err != nil {
		return 0, 0, fmt.Errorf("queue backoffInitial: %w", err)
	}
	max, err = time.ParseDuration(q.BackoffMax)
	if err != nil {
		return 0, 0, fmt.Errorf("queue backoffMax: %w", err)
	}
	if max < initial {
		return 0, 0, fmt.Errorf("queue backoffMax %s below backoffInitial %s", max, initial)
	}
	return initial, max, nil
}

func (s SweeperConfig) StallDuration() (time.Duration, error) {
	d, err := time.ParseDuration(s.StallAfter)
	if err != nil {
		return 0, fmt.Errorf("sweeper stallAfter: %w", err)
	}
	return d, nil
}

func SaveConfig(cfg *Config) error {
	path := ConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}
