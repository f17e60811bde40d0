package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/z04-labs/z04/internal/config"
	"github.com/z04-labs/z04/internal/dotenv"
	"github.com/z04-labs/z04/internal/store"
	"github.com/z04-labs/z04/pkg/gemini"
)

// app holds the state of one terminal session.
type app struct {
	cfg    config.Client
	logger *slog.Logger
	client *gemini.Client
	store  *store.Store // nil when persistence is disabled

	model  string
	system string
	chat   *gemini.Chat
	conv   store.Conversation
}

func main() {
	os.Exit(runMain())
}

func runMain() int {
	if err := dotenv.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "z04: %v\n", err)
		return 1
	}

	cfg, err := config.ParseClient(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "z04: %v\n", err)
		return 1
	}

	level, err := config.Level(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "z04: %v\n", err)
		return 1
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if cfg.APIKey == "" {
		key, err := promptForKey(os.Stdin, os.Stderr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "z04: %v\n", err)
			return 1
		}
		cfg.APIKey = key
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := gemini.NewClient(ctx, cfg.APIKey, gemini.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "z04: %v\n", err)
		return 1
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		client: client,
		model:  cfg.ChatModel,
		system: cfg.SystemPrompt,
	}

	if cfg.StorePath != "" {
		st, err := store.Open(cfg.StorePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "z04: open store: %v\n", err)
			return 1
		}
		defer st.Close()
		a.store = st
	}

	if err := runREPL(ctx, a, os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "z04: %v\n", err)
		return 1
	}
	return 0
}

// promptForKey reads the API key from the terminal without echo.
func promptForKey(in *os.File, errOut io.Writer) (string, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("missing API key (set GEMINI_API_KEY or GOOGLE_API_KEY)")
	}
	fmt.Fprint(errOut, "Gemini API key: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(errOut)
	if err != nil {
		return "", fmt.Errorf("read API key: %w", err)
	}
	key := strings.TrimSpace(string(raw))
	if key == "" {
		return "", errors.New("missing API key (set GEMINI_API_KEY or GOOGLE_API_KEY)")
	}
	return key, nil
}

func runREPL(ctx context.Context, a *app, in io.Reader, out, errOut io.Writer) error {
	fmt.Fprintf(out, "z04 · chatting with %s (type /help for commands)\n", a.model)

	scanner := bufio.NewScanner(in)
	for {
		if ctx.Err() != nil {
			fmt.Fprintln(out)
			return nil
		}
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			fmt.Fprintln(out)
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := a.handleCommand(ctx, line, scanner, out, errOut)
			if err != nil {
				return err
			}
			if quit {
				fmt.Fprintln(out, "bye")
				return nil
			}
			continue
		}
		a.runTurn(ctx, line, out, errOut)
	}
}

func (a *app) handleCommand(ctx context.Context, line string, scanner *bufio.Scanner, out, errOut io.Writer) (quit bool, err error) {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/help":
		printHelp(out)
	case "/quit", "/exit":
		return true, nil
	case "/model":
		if rest == "" {
			fmt.Fprintf(out, "current model: %s\n", a.model)
			break
		}
		if err := a.switchModel(ctx, rest); err != nil {
			fmt.Fprintf(errOut, "model switch error: %v\n", err)
			break
		}
		fmt.Fprintf(out, "model switched to %s\n", a.model)
	case "/system":
		if rest == "" {
			if a.system == "" {
				fmt.Fprintln(out, "no system prompt set")
			} else {
				fmt.Fprintf(out, "system prompt: %s\n", a.system)
			}
			break
		}
		if err := a.setSystem(ctx, rest); err != nil {
			fmt.Fprintf(errOut, "system prompt error: %v\n", err)
			break
		}
		fmt.Fprintln(out, "system prompt updated")
	case "/new":
		a.chat = nil
		a.conv = store.Conversation{}
		fmt.Fprintln(out, "started a new conversation")
	case "/list":
		a.listConversations(ctx, out, errOut)
	case "/live":
		if err := a.runLive(ctx, scanner, out, errOut); err != nil {
			fmt.Fprintf(errOut, "voice error: %v\n", err)
		}
	default:
		fmt.Fprintf(errOut, "unknown command %q (try /help)\n", cmd)
	}
	return false, nil
}

func printHelp(out io.Writer) {
	fmt.Fprint(out, `commands:
  /help            show this help
  /model [name]    show or switch the chat model
  /system [text]   show or set the system prompt
  /new             start a new conversation
  /list            list saved conversations
  /live            start a live voice session (empty line to leave)
  /quit            exit
`)
}

// switchModel changes the chat model, carrying the conversation so far
// into a fresh chat when one is already open.
func (a *app) switchModel(ctx context.Context, model string) error {
	model = strings.TrimSpace(model)
	if model == "" {
		return errors.New("model must not be empty")
	}
	if a.chat != nil {
		next, err := a.client.NewChat(ctx, gemini.ChatConfig{
			Model:             model,
			SystemInstruction: a.system,
			MaxOutputTokens:   int32(a.cfg.MaxOutputTokens),
			History:           a.chat.History(),
		})
		if err != nil {
			return err
		}
		a.chat = next
	}
	a.model = model
	return nil
}

func (a *app) setSystem(ctx context.Context, system string) error {
	if a.chat != nil {
		next, err := a.client.NewChat(ctx, gemini.ChatConfig{
			Model:             a.model,
			SystemInstruction: system,
			MaxOutputTokens:   int32(a.cfg.MaxOutputTokens),
			History:           a.chat.History(),
		})
		if err != nil {
			return err
		}
		a.chat = next
	}
	a.system = system
	return nil
}

func (a *app) ensureChat(ctx context.Context) (*gemini.Chat, error) {
	if a.chat != nil {
		return a.chat, nil
	}
	chat, err := a.client.NewChat(ctx, gemini.ChatConfig{
		Model:             a.model,
		SystemInstruction: a.system,
		MaxOutputTokens:   int32(a.cfg.MaxOutputTokens),
	})
	if err != nil {
		return nil, err
	}
	a.chat = chat
	return chat, nil
}

// ensureConversation lazily creates the stored conversation backing
// the current chat.
func (a *app) ensureConversation(ctx context.Context) (store.Conversation, bool) {
	if a.store == nil {
		return store.Conversation{}, false
	}
	if a.conv.ID != "" {
		return a.conv, true
	}
	conv, err := a.store.CreateConversation(ctx, a.model)
	if err != nil {
		a.logger.Warn("create conversation", "error", err)
		return store.Conversation{}, false
	}
	a.conv = conv
	return conv, true
}

func (a *app) runTurn(ctx context.Context, line string, out, errOut io.Writer) {
	chat, err := a.ensureChat(ctx)
	if err != nil {
		fmt.Fprintf(errOut, "chat setup error: %v\n", err)
		return
	}

	turnCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	st, err := chat.SendStream(turnCtx, line)
	if err != nil {
		fmt.Fprintf(errOut, "turn error: %v\n", err)
		return
	}
	for ev := range st.Events() {
		if td, ok := ev.(gemini.TextDelta); ok {
			fmt.Fprint(out, td.Text)
		}
	}
	fmt.Fprintln(out)
	if err := st.Err(); err != nil {
		if ctx.Err() != nil {
			return // interrupted; the loop exits on the next iteration
		}
		fmt.Fprintf(errOut, "turn error: %v\n", err)
		return
	}

	usage := st.Usage()
	a.logger.Debug("turn complete",
		"model", chat.Model(),
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens)

	a.persistTurn(ctx, line, st.Text())
}

// persistTurn records a completed exchange. Failed turns are never
// written, so the stored thread only holds what the model saw.
func (a *app) persistTurn(ctx context.Context, userText, modelText string) {
	conv, ok := a.ensureConversation(ctx)
	if !ok {
		return
	}
	if _, err := a.store.AppendMessage(ctx, conv.ID, gemini.RoleUser, store.KindChat, userText); err != nil {
		a.logger.Warn("persist user turn", "error", err)
		return
	}
	if strings.TrimSpace(modelText) == "" {
		return
	}
	if _, err := a.store.AppendMessage(ctx, conv.ID, gemini.RoleModel, store.KindChat, modelText); err != nil {
		a.logger.Warn("persist model turn", "error", err)
	}
}

func (a *app) listConversations(ctx context.Context, out, errOut io.Writer) {
	if a.store == nil {
		fmt.Fprintln(out, "persistence is disabled (set --store)")
		return
	}
	convs, err := a.store.ListConversations(ctx)
	if err != nil {
		fmt.Fprintf(errOut, "list error: %v\n", err)
		return
	}
	if len(convs) == 0 {
		fmt.Fprintln(out, "no saved conversations")
		return
	}
	for _, c := range convs {
		title := c.Title
		if title == "" {
			title = "(untitled)"
		}
		marker := "  "
		if c.ID == a.conv.ID {
			marker = "* "
		}
		fmt.Fprintf(out, "%s%s  %s  %s\n", marker, c.ID, c.UpdatedAt.Local().Format("2006-01-02 15:04"), title)
	}
}
