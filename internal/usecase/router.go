package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"knowbot/internal/domain"
)

// SecretScanner is the interface for message secret scanning.
type SecretScanner interface {
	Apply(text string) (cleaned string, blocked bool, matches []SecretMatch)
}

// SecretMatch holds details about a detected secret.
type SecretMatch struct {
	PatternName string
	Action      string
	Start       int
	End         int
}

// Router dispatches inbound messages from a channel through the agent,
// normalizing session keys, publishing events, and persisting the exchange
// to long-term memory.
type Router struct {
	agent    *Agent
	sessions *SessionManager
	bus      domain.EventBus
	scanner  SecretScanner
	memory   domain.MemoryProvider // optional, nil = no long-term memory
	logger   *slog.Logger
	wg       sync.WaitGroup // tracks background memory writes
}

// NewRouter creates a Router. Scanner and memory are optional and can be set
// after construction via SetScanner / SetMemory.
func NewRouter(agent *Agent, sessions *SessionManager, bus domain.EventBus, logger *slog.Logger) *Router {
	return &Router{
		agent:    agent,
		sessions: sessions,
		bus:      bus,
		logger:   logger,
	}
}

// SetScanner enables secret scanning on inbound messages.
func (r *Router) SetScanner(scanner SecretScanner) { r.scanner = scanner }

// SetMemory enables persisting each exchange to long-term memory.
func (r *Router) SetMemory(memory domain.MemoryProvider) { r.memory = memory }

// Handle processes one inbound message end-to-end and returns the outbound
// response. It is safe to call concurrently.
func (r *Router) Handle(ctx context.Context, msg domain.InboundMessage) (domain.OutboundMessage, error) {
	return r.handleInner(ctx, msg, false)
}

// HandleStream processes an inbound message with token-by-token streaming.
// The agent publishes EventStreamDelta events as LLM tokens arrive.
// The final OutboundMessage contains the complete response.
func (r *Router) HandleStream(ctx context.Context, msg domain.InboundMessage) (domain.OutboundMessage, error) {
	return r.handleInner(ctx, msg, true)
}

func (r *Router) handleInner(ctx context.Context, msg domain.InboundMessage, stream bool) (domain.OutboundMessage, error) {
	// Session key is channel-scoped so two channels with the same session
	// identifier never collide.
	sessionKey := msg.ChannelName + ":" + msg.SessionID

	// Secret scanning happens before anything touches the message.
	if r.scanner != nil {
		cleaned, blocked, matches := r.scanner.Apply(msg.Content)
		if blocked {
			return domain.OutboundMessage{
				SessionID: msg.SessionID,
				Content:   "Message blocked: contains sensitive data that cannot be processed.",
				IsError:   true,
			}, nil
		}
		if len(matches) > 0 {
			r.logger.Warn("secrets detected in message", "matches", len(matches), "channel", msg.ChannelName)
			msg.Content = cleaned
		}
	}

	session := r.sessions.GetOrCreate(sessionKey)
	r.publishEvent(ctx, domain.EventMessageReceived, session.ID, nil)

	var response string
	var err error
	if stream {
		response, err = r.agent.HandleMessageStream(ctx, session, msg.Content)
	} else {
		response, err = r.agent.HandleMessage(ctx, session, msg.Content)
	}
	if err != nil {
		r.logger.Error("agent call failed", "error", err, "session", sessionKey)
		return domain.OutboundMessage{
			SessionID: msg.SessionID,
			Content:   friendlyError(err),
			IsError:   true,
		}, nil
	}

	out := domain.OutboundMessage{
		SessionID: msg.SessionID,
		Content:   response,
	}

	r.publishEvent(ctx, domain.EventMessageSent, session.ID, nil)

	if saveErr := r.sessions.Save(sessionKey); saveErr != nil {
		r.logger.Warn("failed to save session", "error", saveErr)
	}

	r.rememberExchange(ctx, session.ID, msg.Content, response)

	return out, nil
}

// ClearSession wipes the conversation history and long-term memory for a
// channel session. Used by the /clear command.
func (r *Router) ClearSession(ctx context.Context, channelName, sessionID string) error {
	sessionKey := channelName + ":" + sessionID

	session, err := r.sessions.Get(sessionKey)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil // nothing to clear
		}
		return err
	}

	internalID := session.ID
	session.Clear()

	if saveErr := r.sessions.Save(sessionKey); saveErr != nil {
		r.logger.Warn("failed to save cleared session", "error", saveErr)
	}

	if r.memory != nil && r.memory.IsAvailable() {
		if memErr := r.memory.Clear(ctx, internalID); memErr != nil {
			r.logger.Warn("failed to clear memory", "error", memErr)
		}
	}

	r.publishEvent(ctx, domain.EventSessionCleared, internalID, nil)
	return nil
}

// rememberExchange stores the user message and agent response in long-term
// memory in the background so the response is not delayed by storage.
func (r *Router) rememberExchange(ctx context.Context, sessionID, userMsg, response string) {
	if r.memory == nil || !r.memory.IsAvailable() {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("memory write panicked", "panic", rec)
			}
		}()

		storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()

		now := time.Now()
		entries := []domain.MemoryEntry{
			{SessionID: sessionID, Role: domain.RoleUser, Content: userMsg, CreatedAt: now},
			{SessionID: sessionID, Role: domain.RoleAssistant, Content: response, CreatedAt: now},
		}
		for _, entry := range entries {
			if err := r.memory.Store(storeCtx, entry); err != nil {
				r.logger.Warn("memory store failed", "error", err)
				return
			}
		}
	}()
}

// Wait blocks until all background memory writes complete.
// Call during shutdown to avoid orphaned goroutines.
func (r *Router) Wait() { r.wg.Wait() }

func (r *Router) publishEvent(ctx context.Context, eventType domain.EventType, sessionID string, payload any) {
	publishEvent(r.bus, ctx, eventType, sessionID, payload)
}

// friendlyError maps internal failures to a message fit for the user.
func friendlyError(err error) string {
	switch {
	case errors.Is(err, domain.ErrRateLimit):
		return "I'm experiencing high demand right now. Please try again in a moment."
	case errors.Is(err, domain.ErrAuthInvalid):
		return "I can't reach my language model provider: the configured API key was rejected. Please check your credentials."
	case errors.Is(err, domain.ErrMaxIterations):
		return "I wasn't able to finish working on that. Try breaking the question into smaller parts."
	case errors.Is(err, domain.ErrContextOverflow):
		return "This conversation has grown too long for me to process. Use /clear to start fresh."
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, domain.ErrTimeout):
		return "That took longer than expected and timed out. Please try again."
	case errors.Is(err, context.Canceled):
		return "Request cancelled."
	default:
		return "Something went wrong while processing your message. Please try again."
	}
}
