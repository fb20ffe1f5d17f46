// Package mock adapts pkg/engine/runtime's deterministic MockLLM for
// selection through internal/provider's registry, so "mock" is a provider
// name on equal footing with "anthropic" and "openai" rather than a
// hardcoded fallback baked into the CLI.
package mock

import (
	"AgentEngine/pkg/engine/api"
	"AgentEngine/pkg/engine/runtime"
)

// New returns the engine's standard deterministic LLM. It never calls
// tools and requires no credentials, making it the default provider when
// no API key is configured.
func New() api.LLMProvider {
	return &runtime.MockLLM{}
}
