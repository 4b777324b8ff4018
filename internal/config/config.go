// Package config provides configuration types, defaults, and validation for biomcp.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/zjrosen/biomcp/internal/log"
)

// Provider names in default-selection order.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderAliyun    = "aliyun"
)

// ProviderNames lists every supported LLM provider. The first configured one
// becomes the default when llm.default is empty.
var ProviderNames = []string{ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderAliyun}

// Config holds all biomcp configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Bridge  BridgeConfig  `mapstructure:"bridge"`
	LLM     LLMConfig     `mapstructure:"llm"`
	Tools   ToolsConfig   `mapstructure:"tools"`
	Host    HostConfig    `mapstructure:"host"`
	UI      UIConfig      `mapstructure:"ui"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// ServerConfig describes how the bio MCP server process is launched and where
// it keeps uploaded files.
type ServerConfig struct {
	// Command is the argv of the server process. Empty means this binary
	// with the "server" subcommand.
	Command []string          `mapstructure:"command"`
	Env     map[string]string `mapstructure:"env"`
	DataDir string            `mapstructure:"data_dir"`
}

// EnvList returns Env as KEY=VALUE pairs in key order.
func (s ServerConfig) EnvList() []string {
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+s.Env[k])
	}
	return out
}

// BridgeConfig holds MCP client session settings.
type BridgeConfig struct {
	ProtocolVersion  string        `mapstructure:"protocol_version"`
	ClientName       string        `mapstructure:"client_name"`
	ClientVersion    string        `mapstructure:"client_version"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	CloseGrace       time.Duration `mapstructure:"close_grace"`
}

// LLMConfig holds model provider settings.
type LLMConfig struct {
	Default   string         `mapstructure:"default"`
	Stream    bool           `mapstructure:"stream"`
	Retry     RetryConfig    `mapstructure:"retry"`
	Anthropic ProviderConfig `mapstructure:"anthropic"`
	OpenAI    ProviderConfig `mapstructure:"openai"`
	Google    ProviderConfig `mapstructure:"google"`
	Aliyun    ProviderConfig `mapstructure:"aliyun"`
}

// Provider returns the settings for a provider by name.
func (c LLMConfig) Provider(name string) (ProviderConfig, bool) {
	switch name {
	case ProviderAnthropic:
		return c.Anthropic, true
	case ProviderOpenAI:
		return c.OpenAI, true
	case ProviderGoogle:
		return c.Google, true
	case ProviderAliyun:
		return c.Aliyun, true
	default:
		return ProviderConfig{}, false
	}
}

// Configured returns the providers that have an API key, in default order.
func (c LLMConfig) Configured() []string {
	var names []string
	for _, name := range ProviderNames {
		if p, _ := c.Provider(name); p.APIKey != "" {
			names = append(names, name)
		}
	}
	return names
}

// RetryConfig bounds retries of transient model API failures.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// ProviderConfig holds one provider's credentials and sampling settings.
type ProviderConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
	BaseURL     string  `mapstructure:"base_url"`
}

// ToolsConfig locates the external analysis programs.
type ToolsConfig struct {
	Python        string        `mapstructure:"python"`
	Pymol         string        `mapstructure:"pymol"`
	WorkDir       string        `mapstructure:"work_dir"`
	PropkaTimeout time.Duration `mapstructure:"propka_timeout"`
	PymolTimeout  time.Duration `mapstructure:"pymol_timeout"`
}

// HostConfig holds chat host settings.
type HostConfig struct {
	// HistoryDB is the sqlite transcript path. Empty disables persistence.
	HistoryDB    string `mapstructure:"history_db"`
	SystemPrompt string `mapstructure:"system_prompt"`
}

// UIConfig holds terminal rendering settings.
type UIConfig struct {
	MarkdownStyle string `mapstructure:"markdown_style"` // "dark" or "light"
	WrapWidth     int    `mapstructure:"wrap_width"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether distributed tracing is active.
	// Default: false
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for "file" exporter.
	// Default: ~/.config/biomcp/traces/traces.jsonl
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for "otlp" exporter.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	SampleRate float64 `mapstructure:"sample_rate"`
}

// DefaultTracesFilePath returns the default path for trace files.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".biomcp", "traces", "traces.jsonl")
	}
	return filepath.Join(home, ".config", "biomcp", "traces", "traces.jsonl")
}

// DefaultDataDir returns the default bio file store location.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bio_mcp_data"
	}
	return filepath.Join(home, ".bio_mcp_data")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			DataDir: DefaultDataDir(),
		},
		Bridge: BridgeConfig{
			ProtocolVersion:  "2024-11-05",
			ClientName:       "bio-mcp-host",
			ClientVersion:    "1.0.0",
			CallTimeout:      10 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			CloseGrace:       5 * time.Second,
		},
		LLM: LLMConfig{
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     5 * time.Second,
			},
			Anthropic: ProviderConfig{Model: "claude-3-5-sonnet-20241022", MaxTokens: 4000, Temperature: 0.7},
			OpenAI:    ProviderConfig{Model: "gpt-4-turbo-preview", MaxTokens: 4000, Temperature: 0.7},
			Google:    ProviderConfig{Model: "gemini-1.5-pro", MaxTokens: 4000, Temperature: 0.7},
			Aliyun:    ProviderConfig{Model: "qwen-max", MaxTokens: 4000, Temperature: 0.7},
		},
		Tools: ToolsConfig{
			Python:        "python",
			Pymol:         "pymol",
			WorkDir:       filepath.Join(os.TempDir(), "biomcp"),
			PropkaTimeout: 2 * time.Minute,
			PymolTimeout:  2 * time.Minute,
		},
		UI: UIConfig{
			MarkdownStyle: "dark",
			WrapWidth:     100,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "", // Derived from config dir at runtime
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Validate checks the whole configuration.
func Validate(cfg Config) error {
	if err := ValidateBridge(cfg.Bridge); err != nil {
		return err
	}
	if err := ValidateLLM(cfg.LLM); err != nil {
		return err
	}
	if err := ValidateTools(cfg.Tools); err != nil {
		return err
	}
	if cfg.UI.MarkdownStyle != "" && cfg.UI.MarkdownStyle != "dark" && cfg.UI.MarkdownStyle != "light" {
		return fmt.Errorf("ui.markdown_style must be \"dark\" or \"light\", got %q", cfg.UI.MarkdownStyle)
	}
	if cfg.UI.WrapWidth < 0 {
		return fmt.Errorf("ui.wrap_width must not be negative, got %d", cfg.UI.WrapWidth)
	}
	return ValidateTracing(cfg.Tracing)
}

// ValidateBridge checks session timeouts.
func ValidateBridge(b BridgeConfig) error {
	if b.CallTimeout <= 0 {
		return fmt.Errorf("bridge.call_timeout must be positive, got %s", b.CallTimeout)
	}
	if b.HandshakeTimeout <= 0 {
		return fmt.Errorf("bridge.handshake_timeout must be positive, got %s", b.HandshakeTimeout)
	}
	if b.CloseGrace <= 0 {
		return fmt.Errorf("bridge.close_grace must be positive, got %s", b.CloseGrace)
	}
	return nil
}

// ValidateLLM checks the default provider name and retry policy.
func ValidateLLM(l LLMConfig) error {
	if l.Default != "" && !slices.Contains(ProviderNames, l.Default) {
		return fmt.Errorf("llm.default must be one of %v, got %q", ProviderNames, l.Default)
	}
	if l.Retry.MaxAttempts < 0 {
		return fmt.Errorf("llm.retry.max_attempts must not be negative, got %d", l.Retry.MaxAttempts)
	}
	for _, name := range ProviderNames {
		p, _ := l.Provider(name)
		if p.Temperature < 0 || p.Temperature > 2 {
			return fmt.Errorf("llm.%s.temperature must be between 0 and 2, got %v", name, p.Temperature)
		}
		if p.MaxTokens < 0 {
			return fmt.Errorf("llm.%s.max_tokens must not be negative, got %d", name, p.MaxTokens)
		}
	}
	return nil
}

// ValidateTools checks external tool timeouts.
func ValidateTools(t ToolsConfig) error {
	if t.PropkaTimeout <= 0 {
		return fmt.Errorf("tools.propka_timeout must be positive, got %s", t.PropkaTimeout)
	}
	if t.PymolTimeout <= 0 {
		return fmt.Errorf("tools.pymol_timeout must be positive, got %s", t.PymolTimeout)
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid.
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	// Only validate path requirements when tracing is enabled
	if tracing.Enabled {
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}
	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# biomcp configuration

# Bio MCP server process launched by the host
# server:
  # command: ["biomcp", "server"]   # Default: this binary with "server"
  # env:
  #   BIO_MCP_DATA_DIR: /data/bio
  # data_dir: ~/.bio_mcp_data

# MCP client session
bridge:
  protocol_version: "2024-11-05"
  client_name: bio-mcp-host
  call_timeout: 10s         # Per-request timeout
  handshake_timeout: 10s    # Timeout for each handshake step
  close_grace: 5s           # Wait after SIGTERM before killing the server

# Model providers. API keys are usually supplied by environment variables:
# ANTHROPIC_API_KEY, OPENAI_API_KEY, GOOGLE_API_KEY, DASHSCOPE_API_KEY
llm:
  # default: anthropic      # Default: first configured of anthropic, openai, google, aliyun
  stream: false             # Stream replies (tools are disabled while streaming)
  retry:
    max_attempts: 3
    initial_interval: 500ms
    max_interval: 5s
  anthropic:
    model: claude-3-5-sonnet-20241022
    max_tokens: 4000
    temperature: 0.7
  openai:
    model: gpt-4-turbo-preview
    max_tokens: 4000
    temperature: 0.7
  google:
    model: gemini-1.5-pro
    max_tokens: 4000
    temperature: 0.7
  aliyun:
    model: qwen-max
    max_tokens: 4000
    temperature: 0.7

# External analysis programs
tools:
  python: python            # Interpreter with propka3 installed
  pymol: pymol
  propka_timeout: 2m
  pymol_timeout: 2m

# Chat host
# host:
  # history_db: ~/.config/biomcp/history.db   # Persist transcripts (empty disables)
  # system_prompt: "You are a helpful assistant..."

# Terminal rendering
ui:
  markdown_style: dark      # "dark" or "light"
  wrap_width: 100

# Distributed tracing
# tracing:
#   enabled: false
#   exporter: file          # "none", "file", "stdout", "otlp"
#   file_path: ~/.config/biomcp/traces/traces.jsonl
#   otlp_endpoint: localhost:4317
#   sample_rate: 1.0
`
}

// WriteDefaultConfig creates a config file with default settings.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
