package usecase

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowbot/internal/domain"
)

func TestBuildSystemPromptFirst(t *testing.T) {
	cb := NewContextBuilder("you are a helpful assistant", "gpt-4o-mini", 50)

	req := cb.Build([]domain.Message{
		{Role: domain.RoleUser, Content: "hi"},
	}, nil, nil)

	require.NotEmpty(t, req.Messages)
	assert.Equal(t, domain.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "you are a helpful assistant", req.Messages[0].Content)
	assert.Equal(t, "gpt-4o-mini", req.Model)
}

func TestBuildInjectsMemoryContext(t *testing.T) {
	cb := NewContextBuilder("base prompt", "gpt-4o-mini", 50)

	req := cb.Build(nil, []domain.MemoryEntry{
		{Role: domain.RoleUser, Content: "prefers metric units"},
	}, nil)

	require.NotEmpty(t, req.Messages)
	sys := req.Messages[0].Content
	assert.Contains(t, sys, "Relevant Memory Context")
	assert.Contains(t, sys, "prefers metric units")
}

func TestBuildPassesTools(t *testing.T) {
	cb := NewContextBuilder("p", "m", 50)
	tools := []domain.ToolSchema{{Name: "search", Description: "web search"}}

	req := cb.Build(nil, nil, tools)
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "search", req.Tools[0].Name)
}

func TestBuildSampling(t *testing.T) {
	cb := NewContextBuilder("p", "m", 50)
	cb.SetSampling(0.2, 4096)

	req := cb.Build(nil, nil, nil)
	assert.Equal(t, 0.2, req.Temperature)
	assert.Equal(t, 4096, req.MaxTokens)
}

func TestTruncateKeepsRecentMessages(t *testing.T) {
	cb := NewContextBuilder("p", "m", 4)

	var history []domain.Message
	for i := 0; i < 10; i++ {
		history = append(history, domain.Message{
			Role:    domain.RoleUser,
			Content: fmt.Sprintf("msg-%d", i),
		})
	}

	req := cb.Build(history, nil, nil)

	// System prompt + at most 4 history messages.
	require.Len(t, req.Messages, 5)
	assert.Equal(t, "msg-6", req.Messages[1].Content)
	assert.Equal(t, "msg-9", req.Messages[4].Content)
}

func TestTruncateNeverSplitsToolChain(t *testing.T) {
	cb := NewContextBuilder("p", "m", 3)

	history := []domain.Message{
		{Role: domain.RoleUser, Content: "old"},
		{Role: domain.RoleUser, Content: "question"},
		{
			Role:      domain.RoleAssistant,
			ToolCalls: []domain.ToolCall{{ID: "c1", Name: "search"}},
		},
		{
			Role:      domain.RoleTool,
			Name:      "search",
			Content:   "results",
			ToolCalls: []domain.ToolCall{{ID: "c1", Name: "search"}},
		},
		{Role: domain.RoleAssistant, Content: "answer"},
	}

	req := cb.Build(history, nil, nil)

	// The assistant tool-call message and its result must travel together:
	// no tool result may appear without its originating assistant message.
	for i, msg := range req.Messages {
		if msg.Role == domain.RoleTool {
			require.Greater(t, i, 0)
			prev := req.Messages[i-1]
			assert.True(t,
				prev.Role == domain.RoleAssistant && len(prev.ToolCalls) > 0 || prev.Role == domain.RoleTool,
				"tool result at %d not preceded by tool call", i)
		}
	}
}

func TestTruncatePreservesCompressionSummary(t *testing.T) {
	cb := NewContextBuilder("p", "m", 2)

	history := []domain.Message{
		{Role: domain.RoleAssistant, Content: "summary of the past", Name: compressSummaryName},
		{Role: domain.RoleUser, Content: "a"},
		{Role: domain.RoleAssistant, Content: "b"},
		{Role: domain.RoleUser, Content: "c"},
	}

	req := cb.Build(history, nil, nil)

	require.GreaterOrEqual(t, len(req.Messages), 2)
	assert.Equal(t, compressSummaryName, req.Messages[1].Name,
		"compression summary should survive truncation at position 1 (after system prompt)")
}
