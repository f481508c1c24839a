package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"convoagent/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Agent    AgentConfig     `yaml:"agent"`
	LLM      LLMConfig       `yaml:"llm"`
	Memory   MemoryConfig    `yaml:"memory"`
	Tools    ToolsConfig     `yaml:"tools"`
	Format   FormatConfig    `yaml:"format"`
	Channels []ChannelConfig `yaml:"channels"`
	Metrics  MetricsConfig   `yaml:"metrics"`
	Logger   LoggerConfig    `yaml:"logger"`
	Tracer   TracerConfig    `yaml:"tracer"`
}

// AgentConfig holds agent loop settings.
type AgentConfig struct {
	SystemPrompt string `yaml:"system_prompt"`
	// RecentWindow is R: the number of most recent turns given to the model.
	RecentWindow int `yaml:"recent_window"`
	// FinalPassWindow bounds the history slice sent with the final answer call.
	FinalPassWindow int           `yaml:"final_pass_window"`
	ModelTimeout    time.Duration `yaml:"model_timeout"`
	TurnTimeout     time.Duration `yaml:"turn_timeout"`
	MaxTokens       int           `yaml:"max_tokens"`
	Temperature     float64       `yaml:"temperature"`
	ApologyText     string        `yaml:"apology_text"`
}

// LLMConfig holds the primary/secondary backends and the failover policy.
type LLMConfig struct {
	Primary   ProviderConfig `yaml:"primary"`
	Secondary ProviderConfig `yaml:"secondary"`
	Failover  FailoverConfig `yaml:"failover"`
}

// FailoverConfig configures the gateway breaker.
type FailoverConfig struct {
	Cooldown          time.Duration `yaml:"cooldown"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	RetryableStatuses []int         `yaml:"retryable_statuses"`
	ProbePrompt       string        `yaml:"probe_prompt"`
}

// ProviderConfig holds settings for a single model backend.
type ProviderConfig struct {
	Name           string               `yaml:"name"`
	Type           string               `yaml:"type"` // "openai", "gemini", "bedrock"
	BaseURL        string               `yaml:"base_url"`
	APIKey         string               `yaml:"api_key"`
	Model          string               `yaml:"model"`
	Region         string               `yaml:"region,omitempty"`
	ConnTimeout    time.Duration        `yaml:"conn_timeout"`
	RespTimeout    time.Duration        `yaml:"resp_timeout"`
	Pool           PoolConfig           `yaml:"pool"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Pricing        PricingConfig        `yaml:"pricing"`
}

// CircuitBreakerConfig holds circuit breaker settings for a single backend.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings for HTTP backends.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// PricingConfig is the per-1K-token price of a backend, in USD.
type PricingConfig struct {
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
}

// MemoryConfig holds long-term memory settings.
type MemoryConfig struct {
	Path               string          `yaml:"path"`
	SimilarityTopK     int             `yaml:"similarity_top_k"`
	MaxRetained        int             `yaml:"max_retained"`
	Timeout            time.Duration   `yaml:"timeout"`
	Embedding          EmbeddingConfig `yaml:"embedding"`
	EmbeddingCacheSize int             `yaml:"embedding_cache_size"`
	MaxCandidates      int             `yaml:"max_candidates"`
}

// EmbeddingConfig holds text embedding provider settings.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // "openai" or "" (recency-only)
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key,omitempty"`
	BaseURL  string `yaml:"base_url,omitempty"`
}

// ToolsConfig holds tool settings.
type ToolsConfig struct {
	Enabled       []string       `yaml:"enabled"`
	Timeout       time.Duration  `yaml:"timeout"`
	PerTurnLimits map[string]int `yaml:"per_turn_limits"`
	SearXNGURL    string         `yaml:"searxng_url"`
	SearchResults int            `yaml:"search_results"`
	Image         ImageConfig    `yaml:"image"`
}

// ImageConfig holds image generation tool settings.
type ImageConfig struct {
	APIKey  string `yaml:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
	Model   string `yaml:"model"`
	Size    string `yaml:"size"`
}

// FormatConfig holds response segmentation settings.
type FormatConfig struct {
	MaxSegmentSize  int    `yaml:"max_segment_size"`
	MaxSegmentCount int    `yaml:"max_segment_count"`
	Title           string `yaml:"title"`
}

// ChannelConfig holds settings for a single transport.
type ChannelConfig struct {
	Type    string                `yaml:"type"` // "discord", "http"
	Discord *DiscordChannelConfig `yaml:"discord,omitempty"`
	HTTP    *HTTPChannelConfig    `yaml:"http,omitempty"`
}

// DiscordChannelConfig holds Discord channel settings.
type DiscordChannelConfig struct {
	Token        string        `yaml:"token"`
	GuildID      string        `yaml:"guild_id,omitempty"`
	ChannelIDs   []string      `yaml:"channel_ids,omitempty"`
	MentionOnly  bool          `yaml:"mention_only,omitempty"`
	DedupWindow  time.Duration `yaml:"dedup_window"`
	SendInterval time.Duration `yaml:"send_interval"`
}

// HTTPChannelConfig holds HTTP channel settings.
type HTTPChannelConfig struct {
	Addr string `yaml:"addr"`
	// RequestsPerMin and Burst bound each client IP; zero disables limiting.
	RequestsPerMin int `yaml:"requests_per_min,omitempty"`
	Burst          int `yaml:"burst,omitempty"`
}

// MetricsConfig holds metrics sink settings.
type MetricsConfig struct {
	Sink    string        `yaml:"sink"` // "sqlite", "log", "none"
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
}

// LoggerConfig holds logger settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// DefaultRetryableStatuses is the fixed set of backend statuses that trigger
// failover: auth, availability and quota client errors plus server errors.
var DefaultRetryableStatuses = []int{401, 403, 404, 408, 429, 500, 502, 503, 504}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".convoagent", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Agent: AgentConfig{
			SystemPrompt:    "You are a helpful assistant in a group chat. Use tools when they help answer the user.",
			RecentWindow:    10,
			FinalPassWindow: 4,
			ModelTimeout:    60 * time.Second,
			TurnTimeout:     3 * time.Minute,
			MaxTokens:       2048,
			ApologyText:     "Sorry, something went wrong while answering. Please try again in a moment.",
		},
		LLM: LLMConfig{
			Primary: ProviderConfig{
				Name:  "primary",
				Type:  "openai",
				Model: "gpt-4o-mini",
			},
			Secondary: ProviderConfig{
				Name:  "secondary",
				Type:  "gemini",
				Model: "gemini-2.0-flash",
			},
			Failover: FailoverConfig{
				Cooldown:          5 * time.Minute,
				ProbeTimeout:      15 * time.Second,
				RetryableStatuses: append([]int(nil), DefaultRetryableStatuses...),
				ProbePrompt:       "ping",
			},
		},
		Memory: MemoryConfig{
			Path:               filepath.Join(dataDir, "memory.db"),
			SimilarityTopK:     5,
			MaxRetained:        500,
			Timeout:            5 * time.Second,
			EmbeddingCacheSize: 256,
			MaxCandidates:      5000,
			Embedding: EmbeddingConfig{
				Model: "text-embedding-3-small",
			},
		},
		Tools: ToolsConfig{
			Enabled:       []string{"calculator"},
			Timeout:       30 * time.Second,
			PerTurnLimits: map[string]int{"generate_image": 1},
			SearchResults: 5,
			Image: ImageConfig{
				Model: "dall-e-3",
				Size:  "1024x1024",
			},
		},
		Format: FormatConfig{
			MaxSegmentSize:  4096,
			MaxSegmentCount: 10,
		},
		Metrics: MetricsConfig{
			Sink:    "log",
			Path:    filepath.Join(dataDir, "metrics.db"),
			Timeout: 2 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies environment overrides and validates
// the result. A missing file yields the defaults. Errors wrap
// domain.ErrConfigLoad.
func Load(path string) (*Config, error) {
	cfg, err := load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfigLoad, err)
	}
	return cfg, nil
}

func load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := validatePermissions(path); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides overlays CONVOAGENT_* environment variables onto cfg.
// Secrets are usually supplied this way rather than in the file.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONVOAGENT_PRIMARY_API_KEY"); v != "" {
		cfg.LLM.Primary.APIKey = v
	}
	if v := os.Getenv("CONVOAGENT_PRIMARY_MODEL"); v != "" {
		cfg.LLM.Primary.Model = v
	}
	if v := os.Getenv("CONVOAGENT_SECONDARY_API_KEY"); v != "" {
		cfg.LLM.Secondary.APIKey = v
	}
	if v := os.Getenv("CONVOAGENT_SECONDARY_MODEL"); v != "" {
		cfg.LLM.Secondary.Model = v
	}
	if v := os.Getenv("CONVOAGENT_FAILOVER_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.LLM.Failover.Cooldown = d
		}
	}
	if v := os.Getenv("CONVOAGENT_RETRYABLE_STATUSES"); v != "" {
		var codes []int
		for _, s := range splitAndTrim(v, ",") {
			if n, err := strconv.Atoi(s); err == nil {
				codes = append(codes, n)
			}
		}
		if len(codes) > 0 {
			cfg.LLM.Failover.RetryableStatuses = codes
		}
	}
	if v := os.Getenv("CONVOAGENT_MEMORY_PATH"); v != "" {
		cfg.Memory.Path = v
	}
	if v := os.Getenv("CONVOAGENT_EMBEDDING_API_KEY"); v != "" {
		cfg.Memory.Embedding.APIKey = v
	}
	if v := os.Getenv("CONVOAGENT_RECENT_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Agent.RecentWindow = n
		}
	}
	if v := os.Getenv("CONVOAGENT_SIMILARITY_TOP_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Memory.SimilarityTopK = n
		}
	}
	if v := os.Getenv("CONVOAGENT_TOOLS_ENABLED"); v != "" {
		cfg.Tools.Enabled = splitAndTrim(v, ",")
	}
	if v := os.Getenv("CONVOAGENT_TOOLS_SEARXNG_URL"); v != "" {
		cfg.Tools.SearXNGURL = v
	}
	if v := os.Getenv("CONVOAGENT_IMAGE_API_KEY"); v != "" {
		cfg.Tools.Image.APIKey = v
	}
	if v := os.Getenv("CONVOAGENT_DISCORD_TOKEN"); v != "" {
		for i := range cfg.Channels {
			if cfg.Channels[i].Type == "discord" && cfg.Channels[i].Discord != nil {
				cfg.Channels[i].Discord.Token = v
			}
		}
	}
	if v := os.Getenv("CONVOAGENT_METRICS_SINK"); v != "" {
		cfg.Metrics.Sink = v
	}
	if v := os.Getenv("CONVOAGENT_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CONVOAGENT_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("CONVOAGENT_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("CONVOAGENT_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

func splitAndTrim(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
