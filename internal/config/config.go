// Package config handles WOPR configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wopr-bot/wopr/internal/usage"
)

// DefaultSearchPaths returns the config file search order:
// ./config.yaml, ~/.config/wopr/config.yaml, /etc/wopr/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "wopr", "config.yaml"))
	}
	return append(paths, "/etc/wopr/config.yaml")
}

// FindConfig locates a config file. An explicit path must exist;
// otherwise the first existing DefaultSearchPaths entry is returned.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}
	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all WOPR configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`
	DataDir  string `yaml:"data_dir"`

	Listen     ListenConfig     `yaml:"listen"`
	Models     ModelsConfig     `yaml:"models"`
	Anthropic  AnthropicConfig  `yaml:"anthropic"`
	OpenAI     OpenAIConfig     `yaml:"openai"`
	Ollama     OllamaConfig     `yaml:"ollama"`
	Oracle     OracleConfig     `yaml:"oracle"`
	Compaction CompactionConfig `yaml:"compaction"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Store      StoreConfig      `yaml:"store"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
}

// ListenConfig is the gateway bind address.
type ListenConfig struct {
	Address string `yaml:"address"` // empty binds all interfaces
	Port    int    `yaml:"port"`
}

// Addr returns host:port.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Address, l.Port)
}

// ModelsConfig selects models per tier.
type ModelsConfig struct {
	Exact string `yaml:"exact"`
	Fast  string `yaml:"fast"`
	// Temperature is the default for completions; zero means 0.5.
	Temperature float64 `yaml:"temperature"`
	// ClassifyTemperature applies to both classification passes.
	ClassifyTemperature float64       `yaml:"classify_temperature"`
	LocalFirst          bool          `yaml:"local_first"`
	Available           []ModelConfig `yaml:"available"`
	// Pricing in USD per million tokens, keyed by model name. Unlisted
	// models are recorded as free.
	Pricing map[string]usage.Price `yaml:"pricing"`
}

// ModelConfig is one model and what it can do.
type ModelConfig struct {
	Name          string `yaml:"name"`
	Provider      string `yaml:"provider"` // anthropic, openai, ollama
	Tier          string `yaml:"tier"`     // exact, fast
	SupportsTools bool   `yaml:"supports_tools"`
	ContextWindow int    `yaml:"context_window"`
	CostTier      int    `yaml:"cost_tier"` // 0=local
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// OpenAIConfig defines OpenAI (or compatible) API settings.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// OllamaConfig defines the Ollama server.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// OracleConfig is the retry and streaming policy.
type OracleConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	StreamChunk int           `yaml:"stream_chunk"`
}

// CompactionConfig sizes are in characters.
type CompactionConfig struct {
	Threshold       int `yaml:"threshold"`
	Budget          int `yaml:"budget"`
	SummaryInputCap int `yaml:"summary_input_cap"`
}

// SandboxConfig configures the Docker tool runner.
type SandboxConfig struct {
	Binary         string        `yaml:"binary"`
	Image          string        `yaml:"image"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
}

// StoreConfig selects the SQLite driver and file.
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite3 (cgo) or sqlite (pure Go)
	Path   string `yaml:"path"`
}

// MQTTConfig enables the MQTT transport when Broker is set.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"` // empty derives one from the instance id
}

// Enabled reports whether a broker is configured.
func (m MQTTConfig) Enabled() bool { return m.Broker != "" }

// Default returns a configuration that runs against a local Ollama.
func Default() *Config {
	cfg := &Config{
		Listen: ListenConfig{Port: 8080},
		Models: ModelsConfig{
			Exact:               "qwen2.5:14b",
			Fast:                "qwen2.5:3b",
			Temperature:         0.5,
			ClassifyTemperature: 0,
			LocalFirst:          true,
			Available: []ModelConfig{
				{Name: "qwen2.5:14b", Provider: "ollama", Tier: "exact", SupportsTools: true, ContextWindow: 32768},
				{Name: "qwen2.5:3b", Provider: "ollama", Tier: "fast", SupportsTools: true, ContextWindow: 32768},
			},
		},
		Ollama: OllamaConfig{URL: "http://localhost:11434"},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML file, expanding ${VAR} references first, and fills
// unset fields with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{Listen: ListenConfig{Port: 8080}}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Models.Fast == "" {
		c.Models.Fast = c.Models.Exact
	}
	if c.Models.Temperature == 0 {
		c.Models.Temperature = 0.5
	}
	if c.Ollama.URL == "" {
		c.Ollama.URL = "http://localhost:11434"
	}
	if c.Oracle.MaxAttempts == 0 {
		c.Oracle.MaxAttempts = 3
	}
	if c.Oracle.BaseDelay == 0 {
		c.Oracle.BaseDelay = 3 * time.Second
	}
	if c.Oracle.StreamChunk == 0 {
		c.Oracle.StreamChunk = 100
	}
	if c.Compaction.Threshold == 0 {
		c.Compaction.Threshold = 2500
	}
	if c.Compaction.Budget == 0 {
		c.Compaction.Budget = 2000
	}
	if c.Compaction.SummaryInputCap == 0 {
		c.Compaction.SummaryInputCap = 3800
	}
	if c.Sandbox.Binary == "" {
		c.Sandbox.Binary = "docker"
	}
	if c.Sandbox.Image == "" {
		c.Sandbox.Image = "python:3.12-slim"
	}
	if c.Sandbox.Timeout == 0 {
		c.Sandbox.Timeout = 2 * time.Minute
	}
	if c.Sandbox.MaxOutputBytes == 0 {
		c.Sandbox.MaxOutputBytes = 64 << 10
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite3"
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "wopr.db")
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "wopr"
	}
}

// Validate reports every inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Models.Exact == "" {
		errs = append(errs, errors.New("models.exact is required"))
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.Oracle.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("oracle.max_attempts must be at least 1, got %d", c.Oracle.MaxAttempts))
	}
	if c.Compaction.Budget > c.Compaction.Threshold {
		errs = append(errs, fmt.Errorf("compaction.budget (%d) must not exceed compaction.threshold (%d)",
			c.Compaction.Budget, c.Compaction.Threshold))
	}
	switch c.Store.Driver {
	case "sqlite3", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be sqlite3 or sqlite", c.Store.Driver))
	}

	names := make(map[string]bool, len(c.Models.Available))
	for i, m := range c.Models.Available {
		names[m.Name] = true
		switch m.Provider {
		case "ollama", "anthropic", "openai":
		default:
			errs = append(errs, fmt.Errorf("models.available[%d] (%s): unknown provider %q", i, m.Name, m.Provider))
		}
		switch strings.ToLower(m.Tier) {
		case "exact", "fast":
		default:
			errs = append(errs, fmt.Errorf("models.available[%d] (%s): tier must be exact or fast", i, m.Name))
		}
		if m.Provider == "anthropic" && c.Anthropic.APIKey == "" {
			errs = append(errs, fmt.Errorf("model %s needs anthropic.api_key", m.Name))
		}
		if m.Provider == "openai" && c.OpenAI.APIKey == "" && c.OpenAI.BaseURL == "" {
			errs = append(errs, fmt.Errorf("model %s needs openai.api_key or openai.base_url", m.Name))
		}
	}
	for name, p := range c.Models.Pricing {
		if p.InputPerMillion < 0 || p.OutputPerMillion < 0 {
			errs = append(errs, fmt.Errorf("models.pricing[%s]: prices must not be negative", name))
		}
	}
	if len(c.Models.Available) > 0 {
		for _, name := range []string{c.Models.Exact, c.Models.Fast} {
			if name != "" && !names[name] {
				errs = append(errs, fmt.Errorf("model %q is not listed in models.available", name))
			}
		}
	}
	return errors.Join(errs...)
}
