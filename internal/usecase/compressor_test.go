package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowbot/internal/domain"
)

// summarizerLLM always answers with a fixed summary.
type summarizerLLM struct {
	summary string
	calls   int
}

func (l *summarizerLLM) Chat(_ context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
	l.calls++
	return &domain.ChatResponse{
		Message: domain.Message{Role: domain.RoleAssistant, Content: l.summary},
	}, nil
}

func (l *summarizerLLM) Name() string { return "summarizer" }

func sessionWithMessages(n int) *Session {
	s := NewSession("test")
	for i := 0; i < n; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		s.AddMessage(domain.Message{Role: role, Content: fmt.Sprintf("msg-%d", i)})
	}
	return s
}

func TestCompressorBelowThresholdNoop(t *testing.T) {
	llm := &summarizerLLM{summary: "summary"}
	c := NewCompressor(llm, CompressionConfig{Threshold: 10, KeepRecent: 4}, slog.Default())

	s := sessionWithMessages(5)
	require.NoError(t, c.Compress(context.Background(), s))

	assert.Equal(t, 0, llm.calls)
	assert.Equal(t, 5, s.MessageCount())
}

func TestCompressorReplacesOldMessages(t *testing.T) {
	llm := &summarizerLLM{summary: "earlier we discussed msg-0 through msg-15"}
	c := NewCompressor(llm, CompressionConfig{Threshold: 10, KeepRecent: 4}, slog.Default())

	s := sessionWithMessages(20)
	require.NoError(t, c.Compress(context.Background(), s))

	// 1 summary + 4 recent.
	msgs := s.Messages()
	require.Len(t, msgs, 5)
	assert.Equal(t, compressSummaryName, msgs[0].Name)
	assert.Equal(t, "earlier we discussed msg-0 through msg-15", msgs[0].Content)
	assert.Equal(t, "msg-16", msgs[1].Content)
	assert.Equal(t, "msg-19", msgs[4].Content)
}

func TestForceCompressIgnoresThreshold(t *testing.T) {
	llm := &summarizerLLM{summary: "short summary"}
	c := NewCompressor(llm, CompressionConfig{Threshold: 100, KeepRecent: 2}, slog.Default())

	s := sessionWithMessages(6)
	require.NoError(t, c.ForceCompress(context.Background(), s))

	msgs := s.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, compressSummaryName, msgs[0].Name)
}

func TestCompressorDefaults(t *testing.T) {
	c := NewCompressor(&summarizerLLM{}, CompressionConfig{}, slog.Default())
	assert.Equal(t, 30, c.config.Threshold)
	assert.Equal(t, 10, c.config.KeepRecent)
}
