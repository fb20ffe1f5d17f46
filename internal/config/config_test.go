package config

import "testing"

func TestLoad_DefaultsWhenNoFileOrEnv(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.Agent.Name != "default" {
		t.Errorf("Agent.Name = %q, want %q", cfg.Agent.Name, "default")
	}
	if !cfg.Agent.EnableTools {
		t.Error("Agent.EnableTools default should be true")
	}
	if cfg.Compaction.AutoThreshold != 50 {
		t.Errorf("Compaction.AutoThreshold = %d, want 50", cfg.Compaction.AutoThreshold)
	}
}

func TestLoad_LegacyEnvVarsStillBind(t *testing.T) {
	t.Setenv("LLM_API_KEY", "sk-test")
	t.Setenv("LLM_MODEL", "gpt-test")
	t.Setenv("AUTO_COMPRESS_THRESHOLD", "7")
	t.Setenv("FILTER_HISTORY_TOOLS", "false")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Errorf("LLM.APIKey = %q, want sk-test", cfg.LLM.APIKey)
	}
	if cfg.LLM.Model != "gpt-test" {
		t.Errorf("LLM.Model = %q, want gpt-test", cfg.LLM.Model)
	}
	if cfg.Compaction.AutoThreshold != 7 {
		t.Errorf("Compaction.AutoThreshold = %d, want 7", cfg.Compaction.AutoThreshold)
	}
	if cfg.Agent.FilterHistoryTools {
		t.Error("Agent.FilterHistoryTools should be false when FILTER_HISTORY_TOOLS=false")
	}
}

func TestLoad_PrefixedEnvOverridesDefault(t *testing.T) {
	t.Setenv("AGENT_LOG_LEVEL", "debug")
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}
