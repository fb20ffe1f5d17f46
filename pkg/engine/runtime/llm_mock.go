package runtime

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"AgentEngine/pkg/engine/api"
)

// MockLLM is a deterministic local LLM implementation for development/testing.
// It never calls tools.
type MockLLM struct{}

func (m *MockLLM) Stream(ctx context.Context, req api.LLMRequest) (api.LLMStream, error) {
	var lastUser string
	for i := len(req.History) - 1; i >= 0; i-- {
		if req.History[i].Kind == api.ItemUserMessage {
			lastUser = req.History[i].UserMessage.Text
			break
		}
	}

	var b strings.Builder
	b.WriteString("[Mock LLM]\n")
	b.WriteString(fmt.Sprintf("history_items=%d tools=%d\n", len(req.History), len(req.Tools)))
	if lastUser != "" {
		b.WriteString("last_user=")
		b.WriteString(truncateMock(lastUser, 200))
		b.WriteString("\n")
	}
	b.WriteString("Set LLM_API_KEY to use a real provider.\n")

	return &mockStream{content: b.String()}, nil
}

type mockStream struct {
	content string
	once    sync.Once
	chunks  []api.LLMChunk
	closed  bool
}

func (s *mockStream) Recv(ctx context.Context) (api.LLMChunk, error) {
	if s.closed {
		return api.LLMChunk{}, io.EOF
	}

	s.once.Do(func() {
		// Chunk the content so UI sees streaming behavior.
		const step = 32
		for i := 0; i < len(s.content); i += step {
			end := i + step
			if end > len(s.content) {
				end = len(s.content)
			}
			s.chunks = append(s.chunks, api.LLMChunk{Delta: s.content[i:end]})
		}
		s.chunks = append(s.chunks, api.LLMChunk{FinishReason: api.FinishStop})
	})

	if len(s.chunks) == 0 {
		s.closed = true
		return api.LLMChunk{}, io.EOF
	}

	ch := s.chunks[0]
	s.chunks = s.chunks[1:]
	if len(s.chunks) == 0 {
		// Next Recv will return io.EOF after FinishReason is observed by the caller.
		s.closed = true
	}
	return ch, nil
}

func (s *mockStream) Close() error {
	s.closed = true
	return nil
}

func truncateMock(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
