package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/tandemlab/tandem/pkg/tandem/navigator"
)

// newChatCmd creates the `tandem chat` command: interactive REPL by
// default, one-shot mode when a message argument is given.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with the assistant",
		Long: `Start a conversation with the assistant. With a message argument the
turn runs once and the process exits; without one an interactive session
opens.

While a turn is running, typed input steers it mid-flight and Ctrl+C
cancels it. Phrases like "stop" are honored as cancellation too.

Examples:
  tandem chat "why does TestStore_Quarantine fail?"
  tandem chat
  tandem chat --session 4f1f62ab`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}

	cmd.Flags().StringP("model", "m", "", "chat model override (e.g. gpt-4o-mini)")
	cmd.Flags().StringP("session", "s", "", "session id to resume")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	oneShot := ""
	if len(args) > 0 {
		oneShot = args[0]
	}
	sessionID, _ := cmd.Flags().GetString("session")
	return runChatSession(cmd, sessionID, oneShot)
}

// runChatSession assembles the agent stack and runs either mode. Shared
// with `tandem sessions resume`.
func runChatSession(cmd *cobra.Command, sessionID, oneShot string) error {
	// ── Load config ──
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg, oneShot == "")

	// ── Resolve secrets ──
	// Audit BEFORE resolving — checks the raw config values for hardcoded keys.
	navigator.AuditSecrets(cfg, logger)
	vault := navigator.ResolveAPIKey(cfg, logger)
	if vault != nil {
		defer vault.Lock()
	}

	// ── Session store ──
	store, err := navigator.NewStore(cfg.Sessions, logger)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer store.Close()

	var sess *navigator.Session
	if sessionID != "" {
		sess, err = store.LoadSession(sessionID)
		if err != nil {
			return fmt.Errorf("resuming session %q: %w", sessionID, err)
		}
	} else {
		wd, _ := os.Getwd()
		sess, err = store.CreateSession(filepath.Base(wd), wd)
		if err != nil {
			return fmt.Errorf("creating session: %w", err)
		}
	}

	// ── Agent stack ──
	client := navigator.NewOpenAIClient(cfg, logger)
	bus := navigator.NewBus()
	registry := navigator.NewRegistry(logger)

	runner := navigator.NewDelegateRunner(*cfg, client, registry, bus, logger)
	delegates := navigator.NewDelegateManager(cfg.Delegates, runner, logger)
	delegates.SetBus(bus)
	defer delegates.Close()
	navigator.RegisterDelegateTools(registry, delegates, sess.ID, logger)

	model, _ := cmd.Flags().GetString("model")
	agent := navigator.NewAgent(navigator.AgentOptions{
		Config:    *cfg,
		Client:    client,
		Scheduler: registry,
		Store:     store,
		Session:   sess,
		Bus:       bus,
		Logger:    logger,
		Model:     model,
	})
	registerTodoTool(registry, agent)

	if err := store.StartRetention(func() string { return sess.ID }); err != nil {
		logger.Warn("session retention disabled", "error", err)
	}

	if oneShot != "" {
		return runOneShot(cmd.Context(), agent, oneShot)
	}
	return runREPL(agent, logger)
}

// ─── One-shot mode ───

// runOneShot runs a single turn, streaming output to stdout. The first
// SIGINT cancels the turn cooperatively; a second one force-exits.
func runOneShot(ctx context.Context, agent *navigator.Agent, text string) error {
	printer := newStreamPrinter(os.Stdout)
	unsubscribe := agent.Bus().SubscribeRun(agent.RunID(), func(ev navigator.Event) {
		if p, ok := ev.Payload.(navigator.ThinkingChunkPayload); ok {
			printer.Chunk(p.Content)
		}
	})
	defer unsubscribe()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		agent.Interrupt("user cancelled")
		<-sigCh
		os.Exit(130)
	}()

	final, err := agent.SendMessage(ctx, text)
	if err != nil {
		return err
	}
	printer.FinishTurn(final)
	return nil
}

// ─── Interactive REPL ───

func runREPL(agent *navigator.Agent, logger *slog.Logger) error {
	historyFile := ""
	if home, err := os.UserHomeDir(); err == nil {
		historyFile = filepath.Join(home, ".tandem_history")
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "tandem> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("initializing terminal: %w", err)
	}
	defer rl.Close()

	out := rl.Stdout()
	printer := newStreamPrinter(out)

	unsubscribe := agent.Bus().SubscribeRun(agent.RunID(), func(ev navigator.Event) {
		switch p := ev.Payload.(type) {
		case navigator.ThinkingChunkPayload:
			printer.Chunk(p.Content)
		case navigator.ToolCallStartPayload:
			printer.Notice("⚙ " + p.ToolName)
		case navigator.DelegateStartPayload:
			printer.Notice(fmt.Sprintf("◆ delegate %s started: %s", p.DelegateID, p.Label))
		case navigator.DelegateEndPayload:
			printer.Notice(fmt.Sprintf("◆ delegate %s %s after %s", p.DelegateID, p.Status, p.Duration.Round(time.Second)))
		case navigator.CompactionCompletePayload:
			printer.Notice(fmt.Sprintf("(context compacted: %d messages summarized into %d)", p.MessagesBefore, p.MessagesAfter))
		}
	})
	defer unsubscribe()

	// SIGTERM lands outside readline; save synchronously and leave instead
	// of dying mid-write.
	termCh := make(chan os.Signal, 1)
	signal.Notify(termCh, syscall.SIGTERM)
	defer signal.Stop(termCh)
	go func() {
		<-termCh
		agent.Interrupt("process terminated")
		_ = agent.SaveNow()
		os.Exit(0)
	}()

	if sess := agent.Session(); sess != nil {
		fmt.Fprintf(out, "session %s · %s\n", sess.ID, sess.WorkDir)
	}
	fmt.Fprintln(out, `Ctrl+C cancels a running turn, Ctrl+D quits, /help for commands.`)

	// Turns run in the background so the prompt stays responsive for
	// interjections and cancellation.
	var turns sync.WaitGroup
	startTurn := func(input string) {
		turns.Add(1)
		go func() {
			defer turns.Done()
			for {
				final, err := agent.SendMessage(context.Background(), input)
				if err != nil {
					printer.Notice(fmt.Sprintf("✗ %v", err))
					return
				}
				printer.FinishTurn(final)

				// Input typed while a cancel was pending replays as the
				// next turn.
				queued := agent.DrainIdleQueue()
				if len(queued) == 0 {
					return
				}
				input = strings.Join(queued, "\n")
			}
		}()
	}

loop:
	for {
		line, err := rl.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			if agent.Live() {
				if agent.Interrupt("user cancelled") {
					printer.Notice("✗ cancelling...")
				}
				continue
			}
			if len(line) == 0 {
				fmt.Fprintln(out, `(press Ctrl+D or type "exit" to quit)`)
			}
			continue
		case err != nil:
			// io.EOF on Ctrl+D, or the terminal is gone.
			break loop
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break loop
		}

		if agent.Live() {
			if navigator.IsAbortTrigger(line) {
				if agent.Interrupt("user cancelled") {
					printer.Notice("✗ cancelling...")
				}
				continue
			}
			if agent.AddUserInterjection(line) {
				printer.Notice("↪ steering the current turn")
			} else {
				printer.Notice("⧗ queued for the next turn")
			}
			continue
		}

		if strings.HasPrefix(line, "/") {
			handleSlashCommand(line, agent, out)
			continue
		}

		startTurn(line)
	}

	if agent.Live() {
		agent.Interrupt("user quit")
	}
	turns.Wait()
	if err := agent.SaveNow(); err != nil {
		logger.Warn("final session save failed", "error", err)
	}
	fmt.Fprintln(out, "bye")
	return nil
}

const slashHelp = `/usage            show context-window consumption
/todos            show the current todo list
/compact [focus]  summarize older history now
/help             this help
exit              quit (also Ctrl+D)
`

// handleSlashCommand executes REPL-local commands while the agent is idle.
func handleSlashCommand(line string, agent *navigator.Agent, out io.Writer) {
	name, rest, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	switch name {
	case "usage":
		u := agent.ContextUsage()
		fmt.Fprintf(out, "context: ~%d / %d tokens (%.1f%%)\n", u.Tokens, u.WindowTokens, u.UsagePercent)
	case "todos":
		todos := agent.Todos()
		if len(todos) == 0 {
			fmt.Fprintln(out, "no todos")
			return
		}
		for _, t := range todos {
			marker := " "
			switch t.Status {
			case navigator.TodoInProgress:
				marker = "~"
			case navigator.TodoDone:
				marker = "x"
			}
			fmt.Fprintf(out, "- [%s] %s\n", marker, t.Content)
		}
	case "compact":
		if err := agent.CompactConversation(context.Background(), strings.TrimSpace(rest), ""); err != nil {
			fmt.Fprintf(out, "compaction failed: %v\n", err)
		}
	case "help":
		fmt.Fprint(out, slashHelp)
	default:
		fmt.Fprintf(out, "unknown command %q\n%s", "/"+name, slashHelp)
	}
}

// ─── Stream printing ───

// streamPrinter serializes streamed chunks, notices, and turn conclusions
// onto one writer. It remembers what already streamed so a final text that
// was streamed verbatim is not printed twice, while fixed conclusions
// (interruptions, empty-response fallbacks) still appear.
type streamPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	buf     strings.Builder
	midLine bool
}

func newStreamPrinter(out io.Writer) *streamPrinter {
	return &streamPrinter{out: out}
}

// Chunk prints one streamed fragment.
func (p *streamPrinter) Chunk(s string) {
	if s == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf.WriteString(s)
	p.midLine = !strings.HasSuffix(s, "\n")
	fmt.Fprint(p.out, s)
}

// Notice prints a status line, breaking out of a partial streamed line
// first.
func (p *streamPrinter) Notice(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.midLine {
		fmt.Fprintln(p.out)
		p.midLine = false
	}
	fmt.Fprintln(p.out, s)
}

// FinishTurn concludes a turn: prints the final text unless the stream
// already carried it, then resets for the next turn.
func (p *streamPrinter) FinishTurn(final string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.midLine {
		fmt.Fprintln(p.out)
	}
	streamed := strings.TrimSpace(p.buf.String())
	trimmed := strings.TrimSpace(final)
	if trimmed != "" && !strings.HasSuffix(streamed, trimmed) {
		fmt.Fprintln(p.out, trimmed)
	}

	p.buf.Reset()
	p.midLine = false
}

// ─── Tools ───

// registerTodoTool adds the todo_write tool so the model can maintain the
// session's plan. Registered after agent construction because the handler
// writes through the agent.
func registerTodoTool(reg *navigator.Registry, agent *navigator.Agent) {
	reg.Register(
		navigator.MakeToolDefinition("todo_write",
			"Replace the session todo list. Use it to plan multi-step work and to "+
				"mark steps in_progress/done as you complete them.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"todos": map[string]any{
						"type":        "array",
						"description": "Full todo list; replaces the previous one.",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"content": map[string]any{"type": "string"},
								"status": map[string]any{
									"type": "string",
									"enum": []string{"pending", "in_progress", "done"},
								},
							},
							"required": []string{"content", "status"},
						},
					},
				},
				"required": []string{"todos"},
			}),
		func(_ context.Context, args map[string]any) (any, error) {
			raw, ok := args["todos"].([]any)
			if !ok {
				return nil, fmt.Errorf("todos must be an array")
			}
			todos := make([]navigator.Todo, 0, len(raw))
			for i, item := range raw {
				m, ok := item.(map[string]any)
				if !ok {
					continue
				}
				content, _ := m["content"].(string)
				if content == "" {
					continue
				}
				status, _ := m["status"].(string)
				todo := navigator.Todo{
					ID:      i + 1,
					Content: content,
					Status:  navigator.TodoStatus(status),
				}
				switch todo.Status {
				case navigator.TodoPending, navigator.TodoInProgress, navigator.TodoDone:
				default:
					todo.Status = navigator.TodoPending
				}
				todos = append(todos, todo)
			}
			agent.SetTodos(todos)
			return fmt.Sprintf("Todo list updated (%d items).", len(todos)), nil
		},
	)
}

// ─── Shared helpers ───

// resolveConfig loads configuration: the explicit --config path first, then
// discovery, then built-in defaults so chat works out of the box against a
// local provider.
func resolveConfig(cmd *cobra.Command) (*navigator.Config, string, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	if configPath != "" {
		cfg, err := navigator.LoadConfigFromFile(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading config: %w", err)
		}
		return cfg, configPath, nil
	}

	if found := navigator.FindConfigFile(); found != "" {
		cfg, err := navigator.LoadConfigFromFile(found)
		if err != nil {
			return nil, "", fmt.Errorf("loading config from %s: %w", found, err)
		}
		return cfg, found, nil
	}

	return navigator.DefaultConfig(), "", nil
}

// newLogger builds the slog logger from config. Logs go to stderr so they
// never interleave with streamed chat output; quiet raises the default
// level to warn for the interactive REPL.
func newLogger(cmd *cobra.Command, cfg *navigator.Config, quiet bool) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if quiet && level == slog.LevelInfo {
		level = slog.LevelWarn
	}
	if verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
