package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/biomcp/internal/config"
	"github.com/zjrosen/biomcp/internal/host"
	"github.com/zjrosen/biomcp/internal/log"
	"github.com/zjrosen/biomcp/internal/tracing"
)

func init() {
	// Query the terminal background before any Bubble Tea program starts so
	// the OSC 11 reply does not race the input loop.
	_ = lipgloss.HasDarkBackground()
}

const localConfigPath = ".biomcp/config.yaml"

var (
	version = "dev"
	cfgFile string
	cfg     config.Config

	debugFlag    bool
	logFile      string
	serverCmd    string
	providerFlag string
)

var rootCmd = &cobra.Command{
	Use:   "biomcp",
	Short: "Bio MCP server and LLM chat host for structural biology",
	Long: `biomcp bridges chat models to a Model Context Protocol server that stores
biological files and runs PROPKA and PyMOL analyses.

Run "biomcp server" to expose the bio tools on stdio, or "biomcp interactive"
and "biomcp gui" to chat with a model that can call them.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .biomcp/config.yaml or ~/.config/biomcp/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false,
		"enable debug logging (also BIOMCP_DEBUG)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "debug.log",
		"debug log destination")
	rootCmd.PersistentFlags().StringVar(&serverCmd, "server-cmd", "",
		"command that starts the bio MCP server (overrides server.command)")
	rootCmd.PersistentFlags().StringVarP(&providerFlag, "provider", "p", "",
		"LLM provider to use (anthropic, openai, google, aliyun)")
}

// envBindings maps config keys to the environment variables that override them.
var envBindings = map[string][]string{
	"llm.anthropic.api_key":     {"ANTHROPIC_API_KEY"},
	"llm.anthropic.model":       {"ANTHROPIC_MODEL"},
	"llm.anthropic.max_tokens":  {"ANTHROPIC_MAX_TOKENS"},
	"llm.anthropic.temperature": {"ANTHROPIC_TEMPERATURE"},
	"llm.openai.api_key":        {"OPENAI_API_KEY"},
	"llm.openai.model":          {"OPENAI_MODEL"},
	"llm.openai.max_tokens":     {"OPENAI_MAX_TOKENS"},
	"llm.openai.temperature":    {"OPENAI_TEMPERATURE"},
	"llm.google.api_key":        {"GOOGLE_API_KEY"},
	"llm.google.model":          {"GOOGLE_MODEL"},
	"llm.google.max_tokens":     {"GOOGLE_MAX_TOKENS"},
	"llm.google.temperature":    {"GOOGLE_TEMPERATURE"},
	"llm.aliyun.api_key":        {"DASHSCOPE_API_KEY"},
	"llm.aliyun.model":          {"ALIYUN_MODEL"},
	"llm.aliyun.max_tokens":     {"ALIYUN_MAX_TOKENS"},
	"llm.aliyun.temperature":    {"ALIYUN_TEMPERATURE"},
	"server.data_dir":           {"BIO_MCP_DATA_DIR"},
}

// setDefaults seeds v with the built-in configuration.
func setDefaults(v *viper.Viper) {
	d := config.Defaults()
	v.SetDefault("server.data_dir", d.Server.DataDir)

	v.SetDefault("bridge.protocol_version", d.Bridge.ProtocolVersion)
	v.SetDefault("bridge.client_name", d.Bridge.ClientName)
	v.SetDefault("bridge.client_version", d.Bridge.ClientVersion)
	v.SetDefault("bridge.call_timeout", d.Bridge.CallTimeout)
	v.SetDefault("bridge.handshake_timeout", d.Bridge.HandshakeTimeout)
	v.SetDefault("bridge.close_grace", d.Bridge.CloseGrace)

	v.SetDefault("llm.stream", d.LLM.Stream)
	v.SetDefault("llm.retry.max_attempts", d.LLM.Retry.MaxAttempts)
	v.SetDefault("llm.retry.initial_interval", d.LLM.Retry.InitialInterval)
	v.SetDefault("llm.retry.max_interval", d.LLM.Retry.MaxInterval)
	for _, name := range config.ProviderNames {
		pc, _ := d.LLM.Provider(name)
		v.SetDefault("llm."+name+".model", pc.Model)
		v.SetDefault("llm."+name+".max_tokens", pc.MaxTokens)
		v.SetDefault("llm."+name+".temperature", pc.Temperature)
	}

	v.SetDefault("tools.python", d.Tools.Python)
	v.SetDefault("tools.pymol", d.Tools.Pymol)
	v.SetDefault("tools.work_dir", d.Tools.WorkDir)
	v.SetDefault("tools.propka_timeout", d.Tools.PropkaTimeout)
	v.SetDefault("tools.pymol_timeout", d.Tools.PymolTimeout)

	v.SetDefault("ui.markdown_style", d.UI.MarkdownStyle)
	v.SetDefault("ui.wrap_width", d.UI.WrapWidth)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
}

func bindEnv(v *viper.Viper) {
	for key, names := range envBindings {
		_ = v.BindEnv(append([]string{key}, names...)...)
	}
}

// loadConfig reads the config file into a Config. When path is empty the
// local and user config locations are searched, and a default file is
// written locally if neither exists.
func loadConfig(v *viper.Viper, path string) (config.Config, error) {
	setDefaults(v)
	bindEnv(v)

	if path != "" {
		v.SetConfigFile(path)
	} else if _, err := os.Stat(localConfigPath); err == nil {
		v.SetConfigFile(localConfigPath)
	} else {
		home, _ := os.UserHomeDir()
		v.AddConfigPath(filepath.Join(home, ".config", "biomcp"))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config.Config{}, fmt.Errorf("reading config: %w", err)
		}
		if writeErr := config.WriteDefaultConfig(localConfigPath); writeErr == nil {
			v.SetConfigFile(localConfigPath)
			_ = v.ReadInConfig()
		}
	}

	var c config.Config
	if err := v.Unmarshal(&c); err != nil {
		return config.Config{}, fmt.Errorf("decoding config: %w", err)
	}
	return c, nil
}

func initConfig() {
	loaded, err := loadConfig(viper.GetViper(), cfgFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Warning:", err)
		loaded = config.Defaults()
	}
	cfg = loaded
	applyFlagOverrides(&cfg)
}

// applyFlagOverrides layers command line flags over the loaded config.
func applyFlagOverrides(c *config.Config) {
	if serverCmd != "" {
		c.Server.Command = strings.Fields(serverCmd)
	}
	if providerFlag != "" {
		c.LLM.Default = providerFlag
	}
}

// configPath is the file the running config was read from, if any.
func configPath() string {
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	return localConfigPath
}

// setupLogging enables the file logger when debugging is requested. teaLog
// routes Bubble Tea diagnostics into the same file. BIOMCP_LOG_LEVEL raises
// the minimum level.
func setupLogging(prefix string, teaLog bool) (func(), error) {
	if !debugFlag && os.Getenv("BIOMCP_DEBUG") == "" {
		return func() {}, nil
	}
	path := logFile
	if path == "" {
		path = "debug.log"
	}

	var (
		cleanup func()
		err     error
	)
	if teaLog {
		cleanup, err = log.InitWithTeaLog(path, prefix)
	} else {
		cleanup, err = log.Init(path)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}
	if name := os.Getenv("BIOMCP_LOG_LEVEL"); name != "" {
		if level, ok := log.ParseLevel(name); ok {
			log.SetMinLevel(level)
		}
	}
	log.Info(log.CatConfig, "biomcp starting", "command", prefix, "version", version, "config", viper.ConfigFileUsed())
	return cleanup, nil
}

// setupTracing builds the tracer provider. stdout exports are redirected to
// a file when stdout carries protocol traffic.
func setupTracing(stdoutReserved bool) (*tracing.Provider, error) {
	tc := cfg.Tracing
	if stdoutReserved && tc.Exporter == "stdout" {
		log.Warn(log.CatConfig, "stdout trace exporter unavailable in server mode, using file")
		tc.Exporter = "file"
	}
	return tracing.NewProvider(tc, tracing.DefaultServiceName)
}

// validate checks the loaded configuration before a command runs.
func validate() error {
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// newHost builds a host from the loaded configuration.
func newHost(tracer trace.Tracer) (*host.Host, error) {
	h, err := host.New(cfg, host.WithTracer(tracer))
	if err != nil {
		return nil, fmt.Errorf("creating host: %w", err)
	}
	return h, nil
}

// startHost connects to the server, reporting a failure and continuing in
// degraded mode.
func startHost(ctx context.Context, h *host.Host) {
	if err := h.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintln(os.Stderr, "Continuing in limited mode: LLM chat works, bio tools are unavailable.")
	}
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
