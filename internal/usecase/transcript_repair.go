package usecase

import (
	"time"

	"knowbot/internal/domain"
)

// RepairTranscript scans the message history and fixes broken tool chains:
//  1. If an assistant message has ToolCalls but no matching tool result
//     follows, inject an error result.
//  2. If a tool result appears without a preceding assistant tool call,
//     drop the orphan.
//
// Returns a new slice (does not modify the input).
func RepairTranscript(messages []domain.Message) []domain.Message {
	if len(messages) == 0 {
		return messages
	}

	result := make([]domain.Message, 0, len(messages))
	pendingCalls := make(map[string]domain.ToolCall) // callID -> ToolCall

	for _, msg := range messages {
		switch msg.Role {
		case domain.RoleAssistant:
			// A new assistant message closes the previous tool-call window.
			result = injectMissingResults(result, pendingCalls)
			clear(pendingCalls)

			for _, tc := range msg.ToolCalls {
				if tc.ID != "" {
					pendingCalls[tc.ID] = tc
				}
			}
			result = append(result, msg)

		case domain.RoleTool:
			callID := toolResultCallID(msg)
			if callID == "" {
				continue // no call ID, orphaned
			}
			if _, ok := pendingCalls[callID]; !ok {
				continue // no matching call, orphaned
			}
			delete(pendingCalls, callID)
			result = append(result, msg)

		default:
			// User or system messages start a new conversational turn.
			result = injectMissingResults(result, pendingCalls)
			clear(pendingCalls)
			result = append(result, msg)
		}
	}

	return injectMissingResults(result, pendingCalls)
}

// injectMissingResults appends error tool results for each pending tool call
// that never received one.
func injectMissingResults(msgs []domain.Message, pending map[string]domain.ToolCall) []domain.Message {
	for id, tc := range pending {
		msgs = append(msgs, domain.Message{
			Role:    domain.RoleTool,
			Name:    tc.Name,
			Content: "[error] tool call did not produce a result",
			ToolCalls: []domain.ToolCall{{
				ID:   id,
				Name: tc.Name,
			}},
			Timestamp: time.Now(),
		})
	}
	return msgs
}

func toolResultCallID(msg domain.Message) string {
	if len(msg.ToolCalls) > 0 {
		return msg.ToolCalls[0].ID
	}
	return ""
}
