package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/tieubaoca/workspace-assistant/types"
)

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	BackendWeaviate = "weaviate"
	BackendMemory   = "memory"

	EmbedderOpenAI = "openai"
	EmbedderHash   = "hash"
)

type Config struct {
	Port          string   `mapstructure:"port"`
	LogLevel      string   `mapstructure:"log_level"`
	AIProvider    string   `mapstructure:"ai_provider"`
	AIEndpoint    string   `mapstructure:"ai_endpoint"`
	Model         string   `mapstructure:"model"`
	OpenAIAPIKey  string   `mapstructure:"OPENAI_API_KEY"`
	GeminiAPIKeys []string `mapstructure:"gemini_api_keys"`
	AdminToken    string   `mapstructure:"ADMIN_TOKEN"`

	Embedding   EmbeddingConfig   `mapstructure:"embedding"`
	VectorStore VectorStoreConfig `mapstructure:"vector_store"`
	Sources     []SourceConfig    `mapstructure:"sources"`
	Team        TeamConfig        `mapstructure:"team"`
	DirectTool  DirectToolConfig  `mapstructure:"direct_tool"`
}

type EmbeddingConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	// Dimensions is only used by the hash embedder.
	Dimensions int `mapstructure:"dimensions"`
	// RequestsPerSecond throttles calls to the embedding API.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BatchSize         int     `mapstructure:"batch_size"`
	Parallelism       int     `mapstructure:"parallelism"`
	CacheDir          string  `mapstructure:"cache_dir"`
}

type VectorStoreConfig struct {
	Backend  string              `mapstructure:"backend"`
	Weaviate WeaviateStoreConfig `mapstructure:"weaviate"`
}

type WeaviateStoreConfig struct {
	Host   string `mapstructure:"host"`
	APIKey string `mapstructure:"WEAVIATE_APIKEY"`
}

type SourceConfig struct {
	System     string `mapstructure:"system"`
	ExportPath string `mapstructure:"export_path"`
	Collection string `mapstructure:"collection"`
	TopK       int    `mapstructure:"top_k"`
	// MinScore drops hits whose similarity is at or below it.
	MinScore float32 `mapstructure:"min_score"`
}

type TeamConfig struct {
	SpecialistTimeout time.Duration `mapstructure:"specialist_timeout"`
	QueryTimeout      time.Duration `mapstructure:"query_timeout"`
	BuildTimeout      time.Duration `mapstructure:"build_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	WarmUp            bool          `mapstructure:"warm_up"`
}

type DirectToolConfig struct {
	Enabled     bool              `mapstructure:"enabled"`
	MaxRounds   int               `mapstructure:"max_rounds"`
	RetryBudget int               `mapstructure:"retry_budget"`
	CallTimeout time.Duration     `mapstructure:"call_timeout"`
	Servers     []MCPServerConfig `mapstructure:"servers"`
}

// MCPServerConfig starts one stdio tool server. Env values may reference
// process environment variables as ${NAME}.
type MCPServerConfig struct {
	Name    string            `mapstructure:"name"`
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
}

// ExpandedEnv returns Env as KEY=value pairs with ${VAR} references resolved.
func (c MCPServerConfig) ExpandedEnv() []string {
	env := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		env = append(env, fmt.Sprintf("%s=%s", strings.ToUpper(k), os.ExpandEnv(v)))
	}
	return env
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("ai_provider", ProviderOpenAI)
	v.SetDefault("ai_endpoint", "https://api.openai.com/v1")
	v.SetDefault("model", "gpt-4o")

	v.SetDefault("embedding.provider", EmbedderOpenAI)
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimensions", 256)
	v.SetDefault("embedding.requests_per_second", 5.0)
	v.SetDefault("embedding.batch_size", 64)
	v.SetDefault("embedding.parallelism", 4)

	v.SetDefault("vector_store.backend", BackendWeaviate)
	v.SetDefault("vector_store.weaviate.host", "http://localhost:8080")

	v.SetDefault("team.specialist_timeout", "60s")
	v.SetDefault("team.query_timeout", "15s")
	v.SetDefault("team.build_timeout", "10m")
	v.SetDefault("team.request_timeout", "3m")
	v.SetDefault("team.warm_up", true)

	v.SetDefault("direct_tool.enabled", true)
	v.SetDefault("direct_tool.max_rounds", 8)
	v.SetDefault("direct_tool.retry_budget", 3)
	v.SetDefault("direct_tool.call_timeout", "45s")
}

func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Set up Viper to read from config file
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// Set up Viper to read from environment variables
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Bind environment variables
	v.BindEnv("OPENAI_API_KEY")
	v.BindEnv("ADMIN_TOKEN")
	v.BindEnv("vector_store.weaviate.WEAVIATE_APIKEY", "WEAVIATE_APIKEY")

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if keys := os.Getenv("GEMINI_API_KEYS"); keys != "" && len(config.GeminiAPIKeys) == 0 {
		config.GeminiAPIKeys = strings.Split(keys, ",")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

var classNamePattern = regexp.MustCompile(`^[A-Z][A-Za-z0-9_]*$`)

// Validate checks the config and fills per-source defaults.
func (c *Config) Validate() error {
	var errs []error

	switch c.AIProvider {
	case ProviderOpenAI, ProviderGemini:
	default:
		errs = append(errs, fmt.Errorf("unsupported ai_provider %q", c.AIProvider))
	}
	switch c.VectorStore.Backend {
	case BackendWeaviate, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unsupported vector_store.backend %q", c.VectorStore.Backend))
	}
	switch c.Embedding.Provider {
	case EmbedderOpenAI, EmbedderHash:
	default:
		errs = append(errs, fmt.Errorf("unsupported embedding.provider %q", c.Embedding.Provider))
	}

	seen := make(map[types.SourceSystem]bool)
	for i := range c.Sources {
		src := &c.Sources[i]
		system, err := types.ParseSourceSystem(src.System)
		if err != nil {
			errs = append(errs, fmt.Errorf("sources[%d]: %w", i, err))
			continue
		}
		if seen[system] {
			errs = append(errs, fmt.Errorf("sources[%d]: duplicate source %s", i, system))
		}
		seen[system] = true
		src.System = string(system)
		if src.ExportPath == "" {
			errs = append(errs, fmt.Errorf("sources[%d]: export_path is required", i))
		}
		if src.Collection == "" {
			src.Collection = defaultCollection(system)
		}
		if !classNamePattern.MatchString(src.Collection) {
			errs = append(errs, fmt.Errorf("sources[%d]: collection %q must start with an upper-case letter", i, src.Collection))
		}
		if src.TopK <= 0 {
			src.TopK = 5
		}
	}
	for _, system := range types.SourceOrder {
		if !seen[system] {
			errs = append(errs, fmt.Errorf("missing source %s", system))
		}
	}

	if c.Team.SpecialistTimeout <= 0 || c.Team.RequestTimeout <= 0 ||
		c.Team.QueryTimeout <= 0 || c.Team.BuildTimeout <= 0 {
		errs = append(errs, errors.New("team timeouts must be positive"))
	}
	if c.DirectTool.MaxRounds <= 0 {
		errs = append(errs, errors.New("direct_tool.max_rounds must be positive"))
	}
	if c.DirectTool.RetryBudget < 0 {
		errs = append(errs, errors.New("direct_tool.retry_budget must not be negative"))
	}

	return errors.Join(errs...)
}

// Source returns the config of one source system.
func (c *Config) Source(system types.SourceSystem) (SourceConfig, bool) {
	for _, s := range c.Sources {
		if s.System == string(system) {
			return s, true
		}
	}
	return SourceConfig{}, false
}

func defaultCollection(system types.SourceSystem) string {
	return system.Label() + "Documents"
}
