// Package config holds the YAML configuration for the guidepost server.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration structure.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Engine        EngineConfig        `yaml:"engine"`
	Pools         PoolsConfig         `yaml:"pools"`
	ToolServices  []ToolServiceConfig `yaml:"tool_services"`
	Glossary      GlossaryConfig      `yaml:"glossary"`
	Moderation    ModerationConfig    `yaml:"moderation"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the listen address for the HTTP server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig selects the session/document backend.
type StorageConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend"`

	// Path is the SQLite database file. Ignored for the memory backend.
	Path string `yaml:"path"`
}

type ProvidersConfig struct {
	// Default names the provider used for inference: "anthropic" or "openai".
	Default   string         `yaml:"default"`
	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`
}

type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// EngineConfig tunes the processing pipeline.
type EngineConfig struct {
	// PropositionThreshold is the minimum score (1-10) for a guideline to
	// participate in a run.
	PropositionThreshold int `yaml:"proposition_threshold"`

	// ProposerBatchSize bounds guidelines per proposer inference.
	ProposerBatchSize int `yaml:"proposer_batch_size"`

	// CancelGrace bounds the wait for a superseded run before a new
	// customer message starts the next one.
	CancelGrace time.Duration `yaml:"cancel_grace"`
}

// PoolsConfig bounds cross-session parallelism.
type PoolsConfig struct {
	LLMConcurrency  int `yaml:"llm_concurrency"`
	ToolConcurrency int `yaml:"tool_concurrency"`
}

// ToolServiceConfig declares one external tool service.
type ToolServiceConfig struct {
	// Name is the service id used in tool references.
	Name string `yaml:"name"`

	// Kind is "openapi" or "plugin".
	Kind string `yaml:"kind"`

	// SpecPath points at an OpenAPI document (openapi kind).
	SpecPath string `yaml:"spec_path"`

	// BaseURL overrides the server URL from the OpenAPI document.
	BaseURL string `yaml:"base_url"`

	// Command launches the plugin subprocess (plugin kind).
	Command []string `yaml:"command"`
}

type GlossaryConfig struct {
	// EmbeddingModel names the OpenAI embedding model for term retrieval.
	EmbeddingModel string `yaml:"embedding_model"`

	// TopK is how many terms are retrieved per query.
	TopK int `yaml:"top_k"`
}

type ModerationConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// RedactPatterns extends the built-in secret redaction patterns.
	RedactPatterns []string `yaml:"redact_patterns"`
}

type ObservabilityConfig struct {
	// OTLPEndpoint enables trace export when set, e.g. "localhost:4317".
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Environment  string  `yaml:"environment"`
	Insecure     bool    `yaml:"insecure"`
}

// Default returns the configuration used when a field is absent from the
// file. Load starts from these values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8800,
		},
		Storage: StorageConfig{
			Backend: "memory",
			Path:    "guidepost.db",
		},
		Providers: ProvidersConfig{
			Default:   "anthropic",
			Anthropic: ProviderConfig{Model: "claude-sonnet-4-20250514"},
			OpenAI:    ProviderConfig{Model: "gpt-4o"},
		},
		Engine: EngineConfig{
			PropositionThreshold: 7,
			ProposerBatchSize:    20,
			CancelGrace:          250 * time.Millisecond,
		},
		Pools: PoolsConfig{
			LLMConcurrency:  8,
			ToolConcurrency: 16,
		},
		Glossary: GlossaryConfig{
			EmbeddingModel: "text-embedding-3-small",
			TopK:           10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Observability: ObservabilityConfig{
			SamplingRate: 1.0,
			Environment:  "development",
		},
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	switch c.Storage.Backend {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	switch c.Providers.Default {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("providers.default %q is not supported", c.Providers.Default)
	}
	if c.Engine.PropositionThreshold < 1 || c.Engine.PropositionThreshold > 10 {
		return fmt.Errorf("engine.proposition_threshold must be within 1..10")
	}
	if c.Engine.ProposerBatchSize <= 0 {
		return fmt.Errorf("engine.proposer_batch_size must be positive")
	}
	for i, svc := range c.ToolServices {
		if svc.Name == "" {
			return fmt.Errorf("tool_services[%d].name is required", i)
		}
		switch svc.Kind {
		case "openapi":
			if svc.SpecPath == "" {
				return fmt.Errorf("tool_services[%d].spec_path is required for openapi services", i)
			}
		case "plugin":
			if len(svc.Command) == 0 {
				return fmt.Errorf("tool_services[%d].command is required for plugin services", i)
			}
		default:
			return fmt.Errorf("tool_services[%d].kind %q is not supported", i, svc.Kind)
		}
	}
	return nil
}
