package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/toolcore/runtime/mcp"
)

type (
	// Config is the toolcore configuration file. Environment variables
	// override the file, see applyEnv.
	Config struct {
		Workspace WorkspaceConfig        `yaml:"workspace"`
		Policy    PolicyConfig           `yaml:"policy"`
		Model     ModelConfig            `yaml:"model"`
		Servers   []mcp.ServerDefinition `yaml:"mcpServers"`
		Sinks     SinksConfig            `yaml:"sinks"`
	}

	// WorkspaceConfig configures the workspace.read handler.
	WorkspaceConfig struct {
		Root         string `yaml:"root"`
		MaxFileBytes int64  `yaml:"maxFileBytes"`
	}

	// PolicyConfig configures the basic policy engine. File, when set, is
	// loaded at startup and reloaded on change.
	PolicyConfig struct {
		Allow []string `yaml:"allow"`
		Block []string `yaml:"block"`
		File  string   `yaml:"file"`
	}

	// ModelConfig configures the model.generate handler.
	ModelConfig struct {
		// Provider is the default connection: "anthropic" or "openai".
		Provider     string  `yaml:"provider"`
		Model        string  `yaml:"model"`
		AnthropicKey string  `yaml:"anthropicApiKey"`
		OpenAIKey    string  `yaml:"openaiApiKey"`
		InitialTPM   float64 `yaml:"initialTPM"`
		MaxTPM       float64 `yaml:"maxTPM"`
	}

	// SinksConfig configures where run events go besides stdout.
	SinksConfig struct {
		MongoURI       string        `yaml:"mongoUri"`
		MongoDatabase  string        `yaml:"mongoDatabase"`
		MongoRetention time.Duration `yaml:"mongoRetention"`
		RedisURL       string        `yaml:"redisUrl"`
		RedisTTL       time.Duration `yaml:"redisTTL"`
		NATSURL        string        `yaml:"natsUrl"`
	}
)

const (
	providerAnthropic = "anthropic"
	providerOpenAI    = "openai"

	defaultInitialTPM    = 60000
	defaultMaxTPM        = 120000
	defaultMongoDatabase = "toolcore"
)

// loadConfig reads path when set, applies the environment overrides and
// fills in defaults.
func loadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Workspace.Root = envOr("TOOLCORE_WORKSPACE", orDefault(c.Workspace.Root, "."))
	c.Model.Provider = envOr("TOOLCORE_MODEL_PROVIDER", orDefault(c.Model.Provider, providerAnthropic))
	c.Model.Model = envOr("TOOLCORE_MODEL", c.Model.Model)
	c.Model.AnthropicKey = envOr("ANTHROPIC_API_KEY", c.Model.AnthropicKey)
	c.Model.OpenAIKey = envOr("OPENAI_API_KEY", c.Model.OpenAIKey)
	c.Model.InitialTPM = envFloatOr("TOOLCORE_INITIAL_TPM", orDefaultFloat(c.Model.InitialTPM, defaultInitialTPM))
	c.Model.MaxTPM = envFloatOr("TOOLCORE_MAX_TPM", orDefaultFloat(c.Model.MaxTPM, max(defaultMaxTPM, c.Model.InitialTPM)))
	c.Sinks.MongoURI = envOr("MONGO_URI", c.Sinks.MongoURI)
	c.Sinks.MongoDatabase = orDefault(c.Sinks.MongoDatabase, defaultMongoDatabase)
	c.Sinks.RedisURL = envOr("REDIS_URL", c.Sinks.RedisURL)
	c.Sinks.NATSURL = envOr("NATS_URL", c.Sinks.NATSURL)
}

func (c *Config) validate() error {
	switch c.Model.Provider {
	case providerAnthropic, providerOpenAI:
	default:
		return fmt.Errorf("unknown model provider %q", c.Model.Provider)
	}
	if len(c.Policy.Allow) > 0 && len(c.Policy.Block) > 0 {
		return errors.New("policy allow and block lists are mutually exclusive")
	}
	if c.Model.MaxTPM < c.Model.InitialTPM {
		return fmt.Errorf("maxTPM %v is lower than initialTPM %v", c.Model.MaxTPM, c.Model.InitialTPM)
	}
	seen := make(map[mcp.ServerRef]struct{}, len(c.Servers))
	for _, s := range c.Servers {
		if s.ExtensionID == "" || s.ServerID == "" {
			return errors.New("mcp servers need extensionId and serverId")
		}
		if _, ok := seen[s.ServerRef]; ok {
			return fmt.Errorf("duplicate mcp server %s", s.ServerRef)
		}
		seen[s.ServerRef] = struct{}{}
	}
	return nil
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envFloatOr returns the environment variable as float64 or a default.
func envFloatOr(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultFloat(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}
