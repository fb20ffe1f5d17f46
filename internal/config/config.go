// Package config loads layered runtime configuration for the CLI:
// defaults, then a global config file, then a project-local config file,
// then AGENT_* environment variables, then CLI flags. Later layers win.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// LLMConfig configures the language model provider.
type LLMConfig struct {
	// Provider selects a registered internal/provider implementation
	// ("anthropic", "openai", "mock"). Left empty, internal/provider
	// infers one from the shape of APIKey.
	Provider string `mapstructure:"provider"`
	APIKey   string `mapstructure:"api_key"`
	BaseURL  string `mapstructure:"base_url"`
	Model    string `mapstructure:"model"`
}

// CompactionConfig configures history compression (pkg/engine/runtime compress.go).
type CompactionConfig struct {
	AutoThreshold int `mapstructure:"auto_threshold"`
	KeepTurns     int `mapstructure:"keep_turns"`
}

// AgentConfig configures agent identity and tool surface.
type AgentConfig struct {
	Name               string `mapstructure:"name"`
	AutoApprove        bool   `mapstructure:"auto_approve"`
	EnableTools        bool   `mapstructure:"enable_tools"`
	FilterHistoryTools bool   `mapstructure:"filter_history_tools"`
}

// PipelineConfig overrides the Tool Pipeline's per-category timeouts.
type PipelineConfig struct {
	ShellExecTimeout time.Duration `mapstructure:"shell_exec_timeout"`
	ReadOnlyTimeout  time.Duration `mapstructure:"read_only_timeout"`
	SkillTimeout     time.Duration `mapstructure:"skill_timeout"`
	PTYTimeout       time.Duration `mapstructure:"pty_timeout"`
	DefaultTimeout   time.Duration `mapstructure:"default_timeout"`
}

// Config is the fully resolved configuration for one CLI invocation.
type Config struct {
	LogLevel   string            `mapstructure:"log_level"`
	LLM        LLMConfig         `mapstructure:"llm"`
	Agent      AgentConfig       `mapstructure:"agent"`
	Compaction CompactionConfig  `mapstructure:"compaction"`
	Pipeline   PipelineConfig    `mapstructure:"pipeline"`
	CodexHome  string            `mapstructure:"codex_home"`
}

// Load builds a Config from, in increasing priority order: built-in
// defaults, ~/.agent-engine/config.yaml (global), ./agent.yaml (project),
// AGENT_* environment variables, and flags already parsed onto fs (via
// BindPFlags). fs may be nil when called outside a cobra command (e.g.
// in tests).
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if home, err := os.UserHomeDir(); err == nil {
		globalDir := filepath.Join(home, ".agent-engine")
		v.AddConfigPath(globalDir)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read global config: %w", err)
			}
		}
	}

	for _, name := range []string{"agent.yaml", "agent.json"} {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		local := viper.New()
		local.SetConfigFile(name)
		if err := local.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read project config %s: %w", name, err)
		}
		if err := v.MergeConfigMap(local.AllSettings()); err != nil {
			return nil, fmt.Errorf("merge project config %s: %w", name, err)
		}
		break
	}

	v.SetEnvPrefix("AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Legacy unprefixed env vars the engine has always honored, kept for
	// compatibility with existing deployments.
	bindLegacyEnv(v)

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("agent.name", "default")
	v.SetDefault("agent.auto_approve", false)
	v.SetDefault("agent.enable_tools", true)
	v.SetDefault("agent.filter_history_tools", true)

	v.SetDefault("compaction.auto_threshold", 50)
	v.SetDefault("compaction.keep_turns", 3)

	v.SetDefault("pipeline.shell_exec_timeout", "3m")
	v.SetDefault("pipeline.read_only_timeout", "30s")
	v.SetDefault("pipeline.skill_timeout", "2m")
	v.SetDefault("pipeline.pty_timeout", "5m")
	v.SetDefault("pipeline.default_timeout", "60s")
}

// bindLegacyEnv wires the original unprefixed environment variable names
// (LLM_API_KEY, AUTO_COMPRESS_THRESHOLD, ...) so existing .env files and
// deployment scripts keep working after the move to AGENT_*-prefixed
// viper binding.
func bindLegacyEnv(v *viper.Viper) {
	_ = v.BindEnv("llm.provider", "LLM_PROVIDER")
	_ = v.BindEnv("llm.api_key", "LLM_API_KEY")
	_ = v.BindEnv("llm.base_url", "LLM_BASE_URL")
	_ = v.BindEnv("llm.model", "LLM_MODEL")
	_ = v.BindEnv("compaction.auto_threshold", "AUTO_COMPRESS_THRESHOLD")
	_ = v.BindEnv("compaction.keep_turns", "COMPRESS_KEEP_TURNS")
	_ = v.BindEnv("agent.filter_history_tools", "FILTER_HISTORY_TOOLS")
	_ = v.BindEnv("log_level", "LOG_LEVEL")
	_ = v.BindEnv("codex_home", "CODEX_HOME")
}
