package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"knowbot/internal/adapter/tui/theme"
	"knowbot/internal/domain"
)

// DefaultSessionID is the session identifier used by the TUI channel.
const DefaultSessionID = "cli-default"

// maxTranscriptEntries bounds the in-memory transcript.
const maxTranscriptEntries = 1000

// ChatModelDeps are dependencies injected into the chat model.
type ChatModelDeps struct {
	Handler     domain.MessageHandler
	OnClear     func()
	OnGenBump   func(gen uint64) // notifies the channel of a new request generation
	Logger      *slog.Logger
	AgentName   string
	ModelName   string
	StreamSpeed string // "normal" | "fast" | "instant"
}

// entryRole distinguishes transcript entries for labeling and rendering.
type entryRole int

const (
	roleUser entryRole = iota
	roleAssistant
	roleSystem
	roleError
)

// entry is one transcript line pair: the raw content plus its cached
// terminal rendering (assistant markdown goes through glamour).
type entry struct {
	role     entryRole
	content  string
	rendered string
}

// ChatModel is the root Bubble Tea model for the chat TUI.
type ChatModel struct {
	deps ChatModelDeps

	viewport viewport.Model
	input    textarea.Model
	spinner  spinner.Model
	markdown *glamour.TermRenderer

	entries []entry
	history []string // submitted inputs, for up/down recall
	histIdx int      // len(history) means "past the end" (editing new input)

	width  int
	height int
	ready  bool

	waiting   bool   // true while a handler goroutine is in flight
	streaming bool   // true during simulated streaming
	streamBuf []rune // full response being revealed (runes for Unicode safety)
	streamPos int
	streamCfg StreamConfig

	status   string // transient activity line (tool / search progress)
	quitting bool

	// Request lifecycle: gen is incremented on every new request. Stale
	// OutboundMsg / HandlerDoneMsg with an older gen are discarded.
	gen      uint64
	cancelFn context.CancelFunc
}

// NewChatModel creates the root chat model.
func NewChatModel(deps ChatModelDeps) ChatModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(theme.ColorInfo)

	ta := textarea.New()
	ta.Placeholder = "Ask anything, or /help for commands"
	ta.Prompt = theme.InputPrompt.Render("> ")
	ta.SetHeight(1)
	ta.CharLimit = 4000
	ta.ShowLineNumbers = false
	ta.KeyMap.InsertNewline.SetEnabled(false)
	ta.Focus()

	agentName := deps.AgentName
	if agentName == "" {
		agentName = theme.SymbolBot
	}
	deps.AgentName = agentName

	return ChatModel{
		deps:      deps,
		input:     ta,
		spinner:   s,
		streamCfg: StreamConfigForSpeed(StreamSpeedFromString(deps.StreamSpeed)),
	}
}

// Init implements tea.Model.
func (m ChatModel) Init() tea.Cmd {
	return textarea.Blink
}

// Update implements tea.Model.
func (m ChatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		return m.handleResize(msg)

	case tea.KeyMsg:
		return m.handleKey(msg)

	case OutboundMsg:
		if msg.Gen != m.gen {
			return m, nil // stale response from a cancelled request
		}
		return m.handleOutbound(msg.Message)

	case HandlerDoneMsg:
		if msg.Gen != m.gen {
			return m, nil
		}
		m.waiting = false
		m.status = ""
		if msg.Err != nil && !m.streaming {
			m.appendEntry(roleError, msg.Err.Error())
		}
		return m, nil

	case StreamTickMsg:
		return m.handleStreamTick()

	case ToolStartedMsg:
		m.status = fmt.Sprintf("%s running %s", theme.SymbolSpinner, msg.Name)
		return m, nil

	case ToolCompletedMsg:
		if msg.IsError {
			m.status = fmt.Sprintf("%s %s failed", theme.SymbolError, msg.Name)
		} else {
			m.status = fmt.Sprintf("%s %s done", theme.SymbolSuccess, msg.Name)
		}
		return m, nil

	case SearchPhaseMsg:
		if msg.Done {
			m.status = fmt.Sprintf("%s %s search: %d results", theme.SymbolSuccess, msg.Phase, msg.Hits)
		} else {
			m.status = fmt.Sprintf("%s searching %s for %q", theme.SymbolSpinner, msg.Phase, msg.Query)
		}
		return m, nil

	case QuitMsg:
		m.quitting = true
		m.cancelInFlight()
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m ChatModel) handleResize(msg tea.WindowSizeMsg) (tea.Model, tea.Cmd) {
	m.width = msg.Width
	m.height = msg.Height

	contentWidth := theme.Clamp(msg.Width-2, 20, theme.MaxContentWidth)
	if r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(contentWidth),
	); err == nil {
		m.markdown = r
	} else if m.deps.Logger != nil {
		m.deps.Logger.Warn("markdown renderer init failed", "error", err)
	}

	vpHeight := msg.Height - 5 // header + status + input + hints
	if vpHeight < 3 {
		vpHeight = 3
	}
	if !m.ready {
		m.viewport = viewport.New(msg.Width, vpHeight)
		m.ready = true
	} else {
		m.viewport.Width = msg.Width
		m.viewport.Height = vpHeight
	}
	m.input.SetWidth(msg.Width - 4)

	m.rerenderAll()
	m.refreshViewport()
	return m, nil
}

func (m ChatModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		if m.waiting || m.streaming {
			return m.cancelRequest()
		}
		m.quitting = true
		return m, tea.Quit

	case "esc":
		if m.waiting || m.streaming {
			return m.cancelRequest()
		}

	case "enter":
		return m.submit()

	case "up":
		if m.input.Value() == "" || m.histIdx < len(m.history) {
			return m.recallHistory(-1), nil
		}

	case "down":
		if m.histIdx < len(m.history) {
			return m.recallHistory(1), nil
		}

	case "pgup", "pgdown":
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit sends the current input: slash commands run locally, anything
// else goes to the message handler.
func (m ChatModel) submit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return m, nil
	}
	if m.waiting || m.streaming {
		m.status = theme.SymbolWarning + " still responding, /cancel to interrupt"
		return m, nil
	}

	m.input.Reset()
	m.history = append(m.history, text)
	m.histIdx = len(m.history)

	if strings.HasPrefix(text, "/") {
		return m.runCommand(text)
	}

	m.appendEntry(roleUser, text)
	return m.dispatch(text)
}

// dispatch starts a new request generation and runs the handler.
func (m ChatModel) dispatch(text string) (tea.Model, tea.Cmd) {
	m.gen++
	if m.deps.OnGenBump != nil {
		m.deps.OnGenBump(m.gen)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ctx = domain.ContextWithSessionID(ctx, DefaultSessionID)
	m.cancelFn = cancel
	m.waiting = true
	m.status = ""

	inbound := domain.InboundMessage{
		SessionID:   DefaultSessionID,
		Content:     text,
		ChannelName: "cli",
	}
	return m, tea.Batch(
		m.spinner.Tick,
		sendMessageCmd(ctx, m.deps.Handler, inbound, m.gen),
	)
}

func (m ChatModel) runCommand(text string) (tea.Model, tea.Cmd) {
	cmd := strings.ToLower(strings.Fields(text)[0])
	switch cmd {
	case "/help":
		m.appendEntry(roleSystem, helpText())

	case "/clear":
		m.entries = nil
		if m.deps.OnClear != nil {
			m.deps.OnClear()
		}
		m.appendEntry(roleSystem, "Conversation cleared.")

	case "/quit", "/exit":
		m.quitting = true
		m.cancelInFlight()
		return m, tea.Quit

	case "/cancel":
		return m.cancelRequest()

	case "/speed":
		m.streamCfg = StreamConfigForSpeed(CycleStreamSpeed(m.streamCfg.Speed))
		m.appendEntry(roleSystem, "Streaming speed: "+m.streamCfg.Speed.String())

	default:
		m.appendEntry(roleSystem, "Unknown command "+cmd+". Try /help.")
	}
	return m, nil
}

// cancelRequest aborts the in-flight handler and bumps the generation so
// late responses are discarded.
func (m ChatModel) cancelRequest() (tea.Model, tea.Cmd) {
	if !m.waiting && !m.streaming {
		m.appendEntry(roleSystem, "Nothing to cancel.")
		return m, nil
	}
	m.cancelInFlight()
	m.gen++
	if m.deps.OnGenBump != nil {
		m.deps.OnGenBump(m.gen)
	}
	m.waiting = false
	m.streaming = false
	m.streamBuf = nil
	m.status = ""
	m.appendEntry(roleSystem, "Request cancelled.")
	return m, nil
}

func (m *ChatModel) cancelInFlight() {
	if m.cancelFn != nil {
		m.cancelFn()
		m.cancelFn = nil
	}
}

// handleOutbound receives the complete response and either shows it at
// once or starts simulated streaming.
func (m ChatModel) handleOutbound(out domain.OutboundMessage) (tea.Model, tea.Cmd) {
	m.status = ""
	if out.IsError {
		m.appendEntry(roleError, out.Content)
		return m, nil
	}

	if m.streamCfg.ChunkSize <= 0 {
		m.appendEntry(roleAssistant, out.Content)
		return m, nil
	}

	m.streaming = true
	m.streamBuf = []rune(out.Content)
	m.streamPos = 0
	m.appendEntry(roleAssistant, "")
	return m, streamTickCmd(m.streamCfg.TickRate)
}

func (m ChatModel) handleStreamTick() (tea.Model, tea.Cmd) {
	if !m.streaming {
		return m, nil
	}
	m.streamPos += m.streamCfg.ChunkSize
	if m.streamPos >= len(m.streamBuf) {
		m.streamPos = len(m.streamBuf)
		m.streaming = false
	}
	m.setLastEntry(string(m.streamBuf[:m.streamPos]))
	if m.streaming {
		return m, streamTickCmd(m.streamCfg.TickRate)
	}
	m.streamBuf = nil
	return m, nil
}

func (m ChatModel) recallHistory(dir int) ChatModel {
	if len(m.history) == 0 {
		return m
	}
	m.histIdx = theme.Clamp(m.histIdx+dir, 0, len(m.history))
	if m.histIdx == len(m.history) {
		m.input.Reset()
	} else {
		m.input.SetValue(m.history[m.histIdx])
		m.input.CursorEnd()
	}
	return m
}

// --- Transcript rendering ---

func (m *ChatModel) appendEntry(role entryRole, content string) {
	e := entry{role: role, content: content}
	e.rendered = m.renderEntry(e)
	m.entries = append(m.entries, e)
	if len(m.entries) > maxTranscriptEntries {
		m.entries = m.entries[len(m.entries)-maxTranscriptEntries:]
	}
	m.refreshViewport()
}

func (m *ChatModel) setLastEntry(content string) {
	if len(m.entries) == 0 {
		return
	}
	e := &m.entries[len(m.entries)-1]
	e.content = content
	e.rendered = m.renderEntry(*e)
	m.refreshViewport()
}

func (m *ChatModel) rerenderAll() {
	for i := range m.entries {
		m.entries[i].rendered = m.renderEntry(m.entries[i])
	}
}

func (m *ChatModel) renderEntry(e entry) string {
	switch e.role {
	case roleUser:
		return theme.UserLabel.Render(theme.SymbolUser) + "\n" + e.content
	case roleAssistant:
		body := e.content
		if m.markdown != nil {
			if out, err := m.markdown.Render(e.content); err == nil {
				body = strings.TrimRight(out, "\n")
			}
		}
		return theme.BotLabel.Render(m.deps.AgentName) + "\n" + body
	case roleError:
		return theme.ErrorLabel.Render(theme.SymbolError+" error") + "\n" + e.content
	default:
		return theme.SystemLabel.Render(theme.SymbolInfo) + " " + e.content
	}
}

func (m *ChatModel) refreshViewport() {
	if !m.ready {
		return
	}
	blocks := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		blocks = append(blocks, e.rendered)
	}
	m.viewport.SetContent(strings.Join(blocks, "\n\n"))
	m.viewport.GotoBottom()
}

// View implements tea.Model.
func (m ChatModel) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return "loading" + theme.SymbolEllipsis
	}

	header := theme.Bold.Render(m.deps.AgentName)
	if m.deps.ModelName != "" {
		header += theme.Dim.Render(" · " + m.deps.ModelName)
	}

	status := " "
	if m.waiting || m.streaming {
		status = m.spinner.View() + " " + m.statusLine()
	} else if m.status != "" {
		status = m.status
	}

	hints := theme.Dim.Render("enter send " + theme.SymbolBullet +
		" /help commands " + theme.SymbolBullet +
		" esc cancel " + theme.SymbolBullet +
		" ctrl+c quit")

	return strings.Join([]string{
		header,
		m.viewport.View(),
		status,
		m.input.View(),
		hints,
	}, "\n")
}

func (m ChatModel) statusLine() string {
	if m.status != "" {
		return m.status
	}
	if m.streaming {
		return "responding" + theme.SymbolEllipsis
	}
	return "thinking" + theme.SymbolEllipsis
}

func helpText() string {
	lines := []string{
		"Commands:",
		"  /help    show this help",
		"  /clear   clear the conversation and session history",
		"  /cancel  cancel the active request",
		"  /speed   cycle streaming speed (normal, fast, instant)",
		"  /quit    exit",
	}
	return strings.Join(lines, "\n")
}
