// Package provider selects and constructs the api.LLMProvider the engine
// talks to, based on layered configuration (internal/config). It is the
// single place that knows about every concrete provider implementation
// (internal/provider/anthropic, internal/provider/mock, and the
// OpenAI-compatible client in pkg/engine/runtime), so call sites pick a
// provider by name instead of constructing one directly.
package provider

import (
	"fmt"
	"strings"

	"AgentEngine/internal/config"
	"AgentEngine/internal/provider/anthropic"
	"AgentEngine/internal/provider/mock"
	"AgentEngine/pkg/engine/api"
	"AgentEngine/pkg/engine/runtime"
)

// Names of the providers this registry can construct.
const (
	Mock      = "mock"
	Anthropic = "anthropic"
	OpenAI    = "openai"
)

// Resolve builds the configured LLM provider. modelOverride, when set,
// takes precedence over cfg.LLM.Model (mirroring a CLI --model flag).
//
// Selection order: cfg.LLM.Provider if set; otherwise "anthropic" when an
// Anthropic-shaped key (sk-ant-...) is present, "openai" when any other
// key is present, and "mock" when cfg.LLM.APIKey is empty.
func Resolve(cfg *config.Config, modelOverride string) (api.LLMProvider, error) {
	model := cfg.LLM.Model
	if modelOverride != "" {
		model = modelOverride
	}

	name := strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if name == "" {
		name = inferProvider(cfg.LLM.APIKey)
	}

	switch name {
	case Mock, "":
		return mock.New(), nil

	case Anthropic:
		if cfg.LLM.APIKey == "" {
			return nil, fmt.Errorf("provider %q requires llm.api_key", Anthropic)
		}
		return anthropic.New(anthropic.Config{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   model,
		})

	case OpenAI:
		if cfg.LLM.APIKey == "" {
			return nil, fmt.Errorf("provider %q requires llm.api_key", OpenAI)
		}
		return runtime.NewOpenAILLM(cfg.LLM.BaseURL, cfg.LLM.APIKey, model), nil

	default:
		return nil, fmt.Errorf("unknown llm provider %q", name)
	}
}

// inferProvider guesses a provider from API key shape when cfg.LLM.Provider
// is left unset, so existing agent.yaml/env-var configs that only set an
// API key keep working without a new required field.
func inferProvider(apiKey string) string {
	switch {
	case apiKey == "":
		return Mock
	case strings.HasPrefix(apiKey, "sk-ant-"):
		return Anthropic
	default:
		return OpenAI
	}
}
