package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"knowbot/internal/domain"
	"knowbot/internal/infra/tracer"
)

// Recovery loop constants.
const (
	maxLLMRetries  = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 10 * time.Second
)

// AgentDeps holds injected dependencies for the agent.
type AgentDeps struct {
	LLM             domain.LLMProvider
	Memory          domain.MemoryProvider
	Tools           domain.ToolExecutor
	ContextBuilder  *ContextBuilder
	Logger          *slog.Logger
	MaxIterations   int
	Compressor      *Compressor      // optional, nil = no compression
	Bus             domain.EventBus  // optional, nil = no events
	ErrorClassifier *ErrorClassifier // optional, nil = no error recovery
	SessionLocker   *SessionLocker   // optional, nil = no session locking
}

// Agent orchestrates the receive-think-act loop.
type Agent struct {
	deps AgentDeps
}

// NewAgent creates an agent with the given dependencies.
func NewAgent(deps AgentDeps) *Agent {
	if deps.MaxIterations <= 0 {
		deps.MaxIterations = 10
	}
	return &Agent{deps: deps}
}

// HandleMessage processes a single user message through the agent loop.
func (a *Agent) HandleMessage(ctx context.Context, session *Session, userMsg string) (string, error) {
	return a.handleInner(ctx, session, userMsg, nil)
}

// HandleMessageStream processes a user message with token-by-token streaming.
// It publishes EventStreamDelta events for each LLM chunk. If the LLM provider
// does not implement StreamingLLMProvider, it falls back to HandleMessage
// and emits a single EventStreamCompleted with the full response.
func (a *Agent) HandleMessageStream(ctx context.Context, session *Session, userMsg string) (string, error) {
	sp, canStream := a.deps.LLM.(domain.StreamingLLMProvider)
	if !canStream {
		result, err := a.HandleMessage(ctx, session, userMsg)
		if err == nil {
			a.publishEvent(ctx, domain.EventStreamCompleted, session.ID, domain.StreamCompletedPayload{
				Content: result,
			})
		}
		return result, err
	}

	return a.handleInner(ctx, session, userMsg, sp)
}

// handleInner is the shared agent loop for both sync and streaming modes.
// When sp is non-nil, LLM calls go through ChatStream; otherwise Chat.
func (a *Agent) handleInner(ctx context.Context, session *Session, userMsg string, sp domain.StreamingLLMProvider) (string, error) {
	streaming := sp != nil

	spanName := "agent.handle_message"
	opName := "Agent.HandleMessage"
	if streaming {
		spanName = "agent.handle_message_stream"
		opName = "Agent.HandleMessageStream"
	}

	ctx, span := tracer.StartSpan(ctx, spanName)
	defer span.End()

	if a.deps.SessionLocker != nil {
		unlock, lockErr := a.deps.SessionLocker.Lock(ctx, session.ID)
		if lockErr != nil {
			return "", domain.NewDomainError(opName, lockErr, "session lock")
		}
		defer unlock()
	}

	ctx = domain.ContextWithSessionID(ctx, session.ID)

	session.AddMessage(domain.Message{
		Role:      domain.RoleUser,
		Content:   userMsg,
		Timestamp: time.Now(),
	})

	// Recall recent memory for this session to ground the prompt.
	var memories []domain.MemoryEntry
	if a.deps.Memory != nil && a.deps.Memory.IsAvailable() {
		memCtx, memSpan := tracer.StartSpan(ctx, "agent.query_memory")
		var err error
		memories, err = a.deps.Memory.Query(memCtx, userMsg, 5)
		memSpan.End()
		if err != nil {
			a.deps.Logger.Warn("memory query failed", "error", err)
		}
	}

	if streaming {
		a.publishEvent(ctx, domain.EventStreamStarted, session.ID, nil)
	}

	var totalUsage domain.Usage

	// Agent loop.
	for i := 0; i < a.deps.MaxIterations; i++ {
		if streaming && ctx.Err() != nil {
			return "", ctx.Err()
		}

		span.AddEvent("agent.iteration", trace.WithAttributes(tracer.IntAttr("iteration", i)))

		chatReq := a.deps.ContextBuilder.Build(
			session.Messages(), memories, a.deps.Tools.Schemas(),
		)

		a.publishEvent(ctx, domain.EventLLMCallStarted, session.ID, nil)

		msg, usage, llmErr := a.callLLMWithRetry(ctx, session, chatReq, memories, sp, i)
		if llmErr != nil {
			if streaming {
				a.publishEvent(ctx, domain.EventStreamError, session.ID, domain.StreamErrorPayload{
					Error: llmErr.Error(),
				})
			}
			a.publishEvent(ctx, domain.EventAgentError, session.ID, map[string]string{"error": llmErr.Error()})
			tracer.RecordError(span, llmErr)
			return "", llmErr
		}
		a.publishEvent(ctx, domain.EventLLMCallCompleted, session.ID, nil)

		totalUsage.PromptTokens += usage.PromptTokens
		totalUsage.CompletionTokens += usage.CompletionTokens
		totalUsage.TotalTokens += usage.TotalTokens

		session.AddMessage(msg)

		a.deps.Logger.Debug("llm response",
			"iteration", i,
			"streaming", streaming,
			"tool_calls", len(msg.ToolCalls),
			"tokens", usage.TotalTokens,
		)

		// No tool calls = final response.
		if len(msg.ToolCalls) == 0 {
			if a.deps.Compressor != nil && a.deps.Compressor.ShouldCompress(session) {
				if err := a.deps.Compressor.Compress(ctx, session); err != nil {
					a.deps.Logger.Warn("compression failed", "error", err)
				}
			}
			if streaming {
				a.publishEvent(ctx, domain.EventStreamCompleted, session.ID, domain.StreamCompletedPayload{
					Content: msg.Content,
					Usage:   &totalUsage,
				})
			}
			tracer.SetOK(span)
			return msg.Content, nil
		}

		// Execute tool calls in parallel; results keep original call order.
		toolMsgs := make([]domain.Message, len(msg.ToolCalls))
		var wg sync.WaitGroup
		for i, call := range msg.ToolCalls {
			wg.Add(1)
			go func(idx int, c domain.ToolCall) {
				defer wg.Done()
				toolMsgs[idx] = a.executeTool(ctx, session.ID, c)
			}(i, call)
		}
		wg.Wait()
		for _, toolMsg := range toolMsgs {
			session.AddMessage(toolMsg)
		}
	}

	if streaming {
		a.publishEvent(ctx, domain.EventStreamError, session.ID, domain.StreamErrorPayload{
			Error: domain.ErrMaxIterations.Error(),
		})
	}
	tracer.RecordError(span, domain.ErrMaxIterations)
	return "", domain.ErrMaxIterations
}

// executeTool runs a single tool call and returns the result as a Message.
func (a *Agent) executeTool(ctx context.Context, sessionID string, call domain.ToolCall) domain.Message {
	ctx, span := tracer.StartSpan(ctx, "agent.execute_tool",
		trace.WithAttributes(tracer.StringAttr("tool.name", call.Name)),
	)
	defer span.End()

	toolResult := func(content string) domain.Message {
		return domain.Message{
			Role:    domain.RoleTool,
			Name:    call.Name,
			Content: content,
			ToolCalls: []domain.ToolCall{{
				ID:   call.ID,
				Name: call.Name,
			}},
			Timestamp: time.Now(),
		}
	}

	tool, err := a.deps.Tools.Get(call.Name)
	if err != nil {
		tracer.RecordError(span, err)
		return toolResult(err.Error())
	}

	a.publishEvent(ctx, domain.EventToolCallStarted, sessionID, map[string]string{"tool": call.Name})
	result, err := tool.Execute(ctx, call.Arguments)
	a.publishEvent(ctx, domain.EventToolCallCompleted, sessionID, map[string]string{
		"tool":    call.Name,
		"success": fmt.Sprintf("%v", err == nil),
	})

	if err != nil {
		tracer.RecordError(span, err)
		return toolResult(err.Error())
	}

	tracer.SetOK(span)
	return toolResult(result.Content)
}

// callLLMWithRetry performs the LLM call with retry logic for both sync and
// streaming modes.
func (a *Agent) callLLMWithRetry(
	ctx context.Context,
	session *Session,
	chatReq domain.ChatRequest,
	memories []domain.MemoryEntry,
	sp domain.StreamingLLMProvider,
	iteration int,
) (domain.Message, domain.Usage, error) {
	streaming := sp != nil

	maxAttempts := 1
	if a.deps.ErrorClassifier != nil {
		maxAttempts = maxLLMRetries
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		var msg domain.Message
		var usage domain.Usage
		var callErr error

		if streaming {
			llmCtx, llmSpan := tracer.StartSpan(ctx, "agent.llm_stream")
			deltaCh, err := sp.ChatStream(llmCtx, chatReq)
			llmSpan.End()

			if err != nil {
				callErr = err
			} else {
				acc := newStreamAccumulator()
				for delta := range deltaCh {
					acc.addDelta(delta)
					a.publishEvent(ctx, domain.EventStreamDelta, session.ID, domain.StreamDeltaPayload{
						Content:   delta.Content,
						ToolCalls: delta.ToolCalls,
						Done:      delta.Done,
						Iteration: iteration,
					})
				}
				msg, usage = acc.build()
			}
		} else {
			llmCtx, llmSpan := tracer.StartSpan(ctx, "agent.llm_call")
			resp, err := a.deps.LLM.Chat(llmCtx, chatReq)
			llmSpan.End()

			if err != nil {
				callErr = err
			} else {
				msg = resp.Message
				usage = resp.Usage
			}
		}

		if callErr == nil {
			return msg, usage, nil
		}
		lastErr = callErr

		// No classifier means fail immediately.
		if a.deps.ErrorClassifier == nil {
			return domain.Message{}, domain.Usage{}, lastErr
		}

		classified := a.deps.ErrorClassifier.Classify(callErr)
		if classified.Category != ErrorCategoryRetryable {
			return domain.Message{}, domain.Usage{}, lastErr
		}

		// Context overflow: force compression, rebuild the prompt, retry.
		if errors.Is(classified.Sentinel, domain.ErrContextOverflow) && a.deps.Compressor != nil {
			if compErr := a.deps.Compressor.ForceCompress(ctx, session); compErr != nil {
				a.deps.Logger.Warn("force compression failed", "error", compErr)
			}
			chatReq = a.deps.ContextBuilder.Build(
				session.Messages(), memories, a.deps.Tools.Schemas(),
			)
			continue
		}

		// Rate limit or server error: exponential backoff with jitter.
		if attempt < maxAttempts-1 {
			delay := retryBackoff(attempt)
			a.deps.Logger.Info("retrying LLM call after error",
				"attempt", attempt+1, "delay", delay, "error", callErr)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return domain.Message{}, domain.Usage{}, ctx.Err()
			}
		}
	}

	return domain.Message{}, domain.Usage{}, lastErr
}

// retryBackoff computes exponential backoff with jitter.
func retryBackoff(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	// 0-25% jitter.
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}

// publishEvent publishes a domain event on the bus if one is configured.
func (a *Agent) publishEvent(ctx context.Context, eventType domain.EventType, sessionID string, payload any) {
	publishEvent(a.deps.Bus, ctx, eventType, sessionID, payload)
}

func publishEvent(bus domain.EventBus, ctx context.Context, eventType domain.EventType, sessionID string, payload any) {
	if bus == nil {
		return
	}
	bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Payload:   payload,
	})
}

// maxToolCallsPerDelta bounds the tool call slots the accumulator will
// allocate. Indices beyond this are dropped.
const maxToolCallsPerDelta = 50

// streamAccumulator collects incremental deltas into a complete message.
type streamAccumulator struct {
	content   strings.Builder
	toolCalls []domain.ToolCall // accumulated by index
	usage     domain.Usage
}

func newStreamAccumulator() *streamAccumulator {
	return &streamAccumulator{}
}

// addDelta merges a single streaming delta into the accumulator.
// Tool calls are tracked by position in delta.ToolCalls: the first delta for
// a slot provides ID and Name, later deltas append to Arguments.
func (acc *streamAccumulator) addDelta(delta domain.StreamDelta) {
	acc.content.WriteString(delta.Content)

	for idx, tc := range delta.ToolCalls {
		if idx >= maxToolCallsPerDelta {
			break
		}

		for len(acc.toolCalls) <= idx {
			acc.toolCalls = append(acc.toolCalls, domain.ToolCall{})
		}

		existing := &acc.toolCalls[idx]
		if tc.ID != "" {
			existing.ID = tc.ID
		}
		if tc.Name != "" {
			existing.Name = tc.Name
		}
		if len(tc.Arguments) > 0 {
			existing.Arguments = append(existing.Arguments, tc.Arguments...)
		}
	}

	if delta.Usage != nil {
		acc.usage = *delta.Usage
	}
}

// build returns the accumulated message and usage.
func (acc *streamAccumulator) build() (domain.Message, domain.Usage) {
	msg := domain.Message{
		Role:      domain.RoleAssistant,
		Content:   acc.content.String(),
		ToolCalls: acc.toolCalls,
		Timestamp: time.Now(),
	}
	return msg, acc.usage
}
