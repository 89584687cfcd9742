package chat

import (
	"context"
	"log/slog"
	"sync/atomic"

	tea "github.com/charmbracelet/bubbletea"

	"knowbot/internal/domain"
)

// TUIChannel implements domain.Channel using a Bubble Tea TUI program.
type TUIChannel struct {
	logger      *slog.Logger
	program     *tea.Program
	onClear     func()
	agentName   string
	modelName   string
	streamSpeed string
	gen         atomic.Uint64   // current request generation, set by ChatModel via SetGen
	bus         domain.EventBus // optional, nil = no activity event forwarding
}

// NewTUIChannel creates a new TUI-based CLI channel.
func NewTUIChannel(logger *slog.Logger) *TUIChannel {
	return &TUIChannel{
		logger: logger,
	}
}

// SetOnClear registers a callback invoked when the user runs /clear.
func (c *TUIChannel) SetOnClear(fn func()) {
	c.onClear = fn
}

// SetAgentInfo sets the agent name and model name for display.
func (c *TUIChannel) SetAgentInfo(agent, model string) {
	c.agentName = agent
	c.modelName = model
}

// SetStreamSpeed sets the initial simulated-streaming speed preset.
func (c *TUIChannel) SetStreamSpeed(speed string) {
	c.streamSpeed = speed
}

// SetEventBus enables forwarding tool and search events to the status line.
func (c *TUIChannel) SetEventBus(bus domain.EventBus) {
	c.bus = bus
}

// Start creates the Bubble Tea program and blocks until it exits.
func (c *TUIChannel) Start(ctx context.Context, handler domain.MessageHandler) error {
	model := NewChatModel(ChatModelDeps{
		Handler:   handler,
		OnClear:   c.onClear,
		OnGenBump: c.SetGen,
		Logger:    c.logger,
		AgentName:   c.agentName,
		ModelName:   c.modelName,
		StreamSpeed: c.streamSpeed,
	})

	c.program = tea.NewProgram(
		model,
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)

	// Forward activity events from the bus into the update loop.
	if c.bus != nil {
		unsubs := []func(){
			c.bus.Subscribe(domain.EventToolCallStarted, func(_ context.Context, event domain.Event) {
				c.program.Send(ToolStartedMsg{Name: payloadField(event.Payload, "tool")})
			}),
			c.bus.Subscribe(domain.EventToolCallCompleted, func(_ context.Context, event domain.Event) {
				c.program.Send(ToolCompletedMsg{
					Name:    payloadField(event.Payload, "tool"),
					IsError: payloadField(event.Payload, "success") == "false",
				})
			}),
			c.bus.Subscribe(domain.EventSearchPhaseStarted, func(_ context.Context, event domain.Event) {
				if p, ok := event.Payload.(domain.SearchPhasePayload); ok {
					c.program.Send(SearchPhaseMsg{Phase: p.Phase, Query: p.Query})
				}
			}),
			c.bus.Subscribe(domain.EventSearchPhaseCompleted, func(_ context.Context, event domain.Event) {
				if p, ok := event.Payload.(domain.SearchPhasePayload); ok {
					c.program.Send(SearchPhaseMsg{Phase: p.Phase, Query: p.Query, Hits: p.Hits, Done: true})
				}
			}),
		}
		defer func() {
			for _, unsub := range unsubs {
				unsub()
			}
		}()
	}

	// Monitor context cancellation to quit the program.
	go func() {
		<-ctx.Done()
		if c.program != nil {
			c.program.Send(QuitMsg{})
		}
	}()

	_, err := c.program.Run()
	return err
}

// Stop signals the Bubble Tea program to quit.
func (c *TUIChannel) Stop(_ context.Context) error {
	if c.program != nil {
		c.program.Send(QuitMsg{})
	}
	return nil
}

// SetGen updates the current request generation. Called by ChatModel when
// a new request is submitted so Send() can tag outbound messages.
func (c *TUIChannel) SetGen(gen uint64) {
	c.gen.Store(gen)
}

// Send pushes an outbound message into the Bubble Tea update loop.
// Called from the Router goroutine. The current gen is tagged so the UI
// can discard responses from cancelled requests.
func (c *TUIChannel) Send(_ context.Context, msg domain.OutboundMessage) error {
	if c.program != nil {
		c.program.Send(OutboundMsg{Message: msg, Gen: c.gen.Load()})
	}
	return nil
}

// Name implements domain.Channel. Returns "cli" to keep the session key
// format (cli:cli-default) stable across restarts.
func (c *TUIChannel) Name() string { return "cli" }

// payloadField reads a key from a string-map event payload. The bus is
// in-process, so payloads arrive as Go values rather than encoded bytes.
func payloadField(payload any, key string) string {
	m, ok := payload.(map[string]string)
	if !ok {
		return "unknown"
	}
	if v := m[key]; v != "" {
		return v
	}
	return "unknown"
}

var _ domain.Channel = (*TUIChannel)(nil)
