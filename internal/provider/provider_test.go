package provider

import (
	"testing"

	"AgentEngine/internal/config"
)

func TestResolve_NoAPIKeyReturnsMock(t *testing.T) {
	llm, err := Resolve(&config.Config{}, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if llm == nil {
		t.Fatal("Resolve returned nil provider")
	}
}

func TestResolve_InfersAnthropicFromKeyShape(t *testing.T) {
	cfg := &config.Config{LLM: config.LLMConfig{APIKey: "sk-ant-test123"}}
	llm, err := Resolve(cfg, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if llm == nil {
		t.Fatal("Resolve returned nil provider")
	}
}

func TestResolve_InfersOpenAIFromOtherKeyShape(t *testing.T) {
	cfg := &config.Config{LLM: config.LLMConfig{APIKey: "sk-test123"}}
	llm, err := Resolve(cfg, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if llm == nil {
		t.Fatal("Resolve returned nil provider")
	}
}

func TestResolve_ExplicitProviderOverridesInference(t *testing.T) {
	cfg := &config.Config{LLM: config.LLMConfig{Provider: Mock, APIKey: "sk-ant-test123"}}
	llm, err := Resolve(cfg, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if llm == nil {
		t.Fatal("Resolve returned nil provider")
	}
}

func TestResolve_UnknownProviderErrors(t *testing.T) {
	cfg := &config.Config{LLM: config.LLMConfig{Provider: "carrier-pigeon"}}
	if _, err := Resolve(cfg, ""); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestResolve_AnthropicWithoutKeyErrors(t *testing.T) {
	cfg := &config.Config{LLM: config.LLMConfig{Provider: Anthropic}}
	if _, err := Resolve(cfg, ""); err == nil {
		t.Fatal("expected error when anthropic provider has no api key")
	}
}

func TestResolve_ModelOverrideTakesPrecedence(t *testing.T) {
	cfg := &config.Config{LLM: config.LLMConfig{Provider: Mock, Model: "cfg-model"}}
	// Mock doesn't expose the resolved model, but Resolve must not error
	// when both cfg.LLM.Model and an override are set.
	if _, err := Resolve(cfg, "override-model"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
}
