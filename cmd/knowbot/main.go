// Command knowbot runs a terminal chat assistant with live web search.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"knowbot/internal/adapter/llm"
	"knowbot/internal/adapter/memory"
	"knowbot/internal/adapter/tool"
	"knowbot/internal/adapter/tui/chat"
	"knowbot/internal/domain"
	"knowbot/internal/infra/config"
	"knowbot/internal/infra/logger"
	"knowbot/internal/infra/tracer"
	"knowbot/internal/security"
	"knowbot/internal/usecase"
	"knowbot/internal/usecase/eventbus"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

// scannerAdapter bridges *security.Scanner to the usecase.SecretScanner interface.
type scannerAdapter struct {
	inner *security.Scanner
}

func (a *scannerAdapter) Apply(text string) (string, bool, []usecase.SecretMatch) {
	cleaned, blocked, matches := a.inner.Apply(text)
	out := make([]usecase.SecretMatch, len(matches))
	for i, m := range matches {
		out[i] = usecase.SecretMatch{
			PatternName: m.PatternName,
			Action:      m.Action,
			Start:       m.Start,
			End:         m.End,
		}
	}
	return cleaned, blocked, out
}

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		case "version":
			fmt.Println("knowbot " + version)
			return
		case "config":
			if err := runConfig(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "config: %v\n", err)
				os.Exit(1)
			}
			return
		case "sessions":
			if err := runSessions(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "sessions: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	if len(os.Args) >= 2 && !strings.HasPrefix(os.Args[1], "-") {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'knowbot --help' for usage.\n", os.Args[1])
		os.Exit(1)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`knowbot - terminal chat assistant with live web search

USAGE:
    knowbot [COMMAND] [FLAGS]

COMMANDS:
    version       Print the version
    config init   Write a default config.yaml
    sessions      Inspect stored sessions
                  Subcommands: list, clear [KEY]

    (no command) - Start the chat TUI

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: KNOWBOT_* variables override config, .env is loaded if present
    Set OPENAI_API_KEY (or the configured api_key_env) before first run.`)
}

// configPath returns the --config flag value or the default path.
func configPath() string {
	for i := 1; i < len(os.Args); i++ {
		if os.Args[i] == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(os.Args[i], "--config=") {
			return strings.TrimPrefix(os.Args[i], "--config=")
		}
	}
	return config.DefaultPath
}

func runConfig(args []string) error {
	if len(args) == 0 || args[0] != "init" {
		return fmt.Errorf("usage: knowbot config init")
	}
	path := configPath()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", path)
	}
	cfg := config.Defaults()
	if err := cfg.Save(path); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}

func runSessions(args []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}
	sessions := usecase.NewSessionManager(cfg.Session.Dir)

	sub := "list"
	if len(args) > 0 {
		sub = args[0]
	}
	switch sub {
	case "list":
		keys := sessions.ListSessions()
		if len(keys) == 0 {
			fmt.Println("no stored sessions")
			return nil
		}
		for _, key := range keys {
			fmt.Println(key)
		}
		return nil
	case "clear":
		keys := sessions.ListSessions()
		if len(args) > 1 {
			keys = []string{args[1]}
		}
		for _, key := range keys {
			if err := sessions.Delete(key); err != nil {
				return err
			}
			fmt.Printf("cleared %s\n", key)
		}
		return nil
	default:
		return fmt.Errorf("usage: knowbot sessions list|clear [KEY]")
	}
}

func run() error {
	// .env is a development convenience; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	scanner := security.NewScanner()

	providerCfg, err := cfg.ActiveProvider()
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	provider, err := llm.NewFromConfig(providerCfg, log)
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}

	bus := eventbus.New(log)
	defer bus.Close()

	mem, err := memory.NewFromConfig(cfg.Memory, log)
	if err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	if closer, ok := mem.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	sessions := usecase.NewSessionManager(cfg.Session.Dir)
	reaped := sessions.ReapStaleSessions(cfg.Session.StaleAfter)
	if reaped > 0 {
		log.Info("reaped stale sessions", "count", reaped)
	}

	// Search pipeline: backend, aggregator, tool, registry.
	backend, err := tool.NewBackendFromConfig(cfg.Tools, log)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	aggregator := tool.NewSearchAggregator(backend, bus, log)

	var limiter *tool.RateLimiter
	if cfg.Tools.RateLimitPerMin > 0 {
		limiter = tool.NewRateLimiter(cfg.Tools.RateLimitPerMin, time.Minute)
	}
	searchTool := tool.NewSearchTool(aggregator, limiter, cfg.Tools.SearchCacheTTL, log)

	registry := tool.NewRegistry(log)
	if err := registry.Register(searchTool); err != nil {
		return fmt.Errorf("tools: %w", err)
	}

	agent := usecase.NewAgent(usecase.AgentDeps{
		LLM:            provider,
		Memory:         mem,
		Tools:          registry,
		ContextBuilder: usecase.NewContextBuilder(cfg.Agent.SystemPrompt, providerCfg.Model, cfg.Agent.HistoryLimit),
		Logger:         log,
		MaxIterations:  cfg.Agent.MaxIterations,
		Compressor: usecase.NewCompressor(provider, usecase.CompressionConfig{
			Enabled:    true,
			Threshold:  cfg.Agent.HistoryLimit,
			KeepRecent: 10,
		}, log),
		Bus:             bus,
		ErrorClassifier: usecase.NewErrorClassifier(),
		SessionLocker:   usecase.NewSessionLocker(),
	})

	router := usecase.NewRouter(agent, sessions, bus, log)
	router.SetScanner(&scannerAdapter{inner: scanner})
	router.SetMemory(mem)

	channel := chat.NewTUIChannel(log)
	channel.SetAgentInfo(cfg.Agent.Name, providerCfg.Model)
	channel.SetStreamSpeed(cfg.UI.StreamSpeed)
	channel.SetEventBus(bus)
	channel.SetOnClear(func() {
		clearCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := router.ClearSession(clearCtx, channel.Name(), chat.DefaultSessionID); err != nil {
			log.Warn("session clear failed", "error", err)
		}
	})

	handler := func(ctx context.Context, msg domain.InboundMessage) error {
		out, err := router.Handle(ctx, msg)
		if err != nil {
			return channel.Send(ctx, domain.OutboundMessage{
				SessionID: msg.SessionID,
				Content:   fmt.Sprintf("%v", err),
				IsError:   true,
			})
		}
		return channel.Send(ctx, out)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("starting", "version", version, "provider", providerCfg.Name, "model", providerCfg.Model,
		"search_backend", backend.Name(), "memory", mem.Name())

	if err := channel.Start(ctx, handler); err != nil {
		return fmt.Errorf("tui: %w", err)
	}

	// Let background memory writes finish before tearing down.
	router.Wait()
	return nil
}
