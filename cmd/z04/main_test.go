package main

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/z04-labs/z04/internal/config"
	"github.com/z04-labs/z04/internal/store"
)

func testApp(t *testing.T) *app {
	t.Helper()
	return &app{
		cfg:    config.Client{ChatModel: "gemini-2.5-flash", Timeout: time.Minute},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		model:  "gemini-2.5-flash",
	}
}

func runCommand(t *testing.T, a *app, line string) (quit bool, out, errOut string) {
	t.Helper()
	var outBuf, errBuf bytes.Buffer
	scanner := bufio.NewScanner(strings.NewReader(""))
	quit, err := a.handleCommand(context.Background(), line, scanner, &outBuf, &errBuf)
	if err != nil {
		t.Fatalf("handleCommand(%q) error = %v", line, err)
	}
	return quit, outBuf.String(), errBuf.String()
}

func TestHandleCommand_Help(t *testing.T) {
	t.Parallel()

	_, out, _ := runCommand(t, testApp(t), "/help")
	for _, cmd := range []string{"/model", "/system", "/new", "/list", "/live", "/quit"} {
		if !strings.Contains(out, cmd) {
			t.Fatalf("help output missing %q:\n%s", cmd, out)
		}
	}
}

func TestHandleCommand_QuitAndExit(t *testing.T) {
	t.Parallel()

	for _, line := range []string{"/quit", "/exit"} {
		quit, _, _ := runCommand(t, testApp(t), line)
		if !quit {
			t.Fatalf("handleCommand(%q) quit = false, want true", line)
		}
	}
}

func TestHandleCommand_ModelShowAndSwitch(t *testing.T) {
	t.Parallel()

	a := testApp(t)
	_, out, _ := runCommand(t, a, "/model")
	if !strings.Contains(out, "gemini-2.5-flash") {
		t.Fatalf("model show output = %q, want current model name", out)
	}

	// No chat is open yet, so switching only retargets future turns.
	_, out, _ = runCommand(t, a, "/model gemini-2.5-pro")
	if !strings.Contains(out, "gemini-2.5-pro") {
		t.Fatalf("model switch output = %q, want new model name", out)
	}
	if a.model != "gemini-2.5-pro" {
		t.Fatalf("model = %q, want %q", a.model, "gemini-2.5-pro")
	}
}

func TestHandleCommand_System(t *testing.T) {
	t.Parallel()

	a := testApp(t)
	_, out, _ := runCommand(t, a, "/system")
	if !strings.Contains(out, "no system prompt set") {
		t.Fatalf("system show output = %q", out)
	}

	_, out, _ = runCommand(t, a, "/system answer in haiku")
	if !strings.Contains(out, "updated") {
		t.Fatalf("system set output = %q", out)
	}
	if a.system != "answer in haiku" {
		t.Fatalf("system = %q, want %q", a.system, "answer in haiku")
	}

	_, out, _ = runCommand(t, a, "/system")
	if !strings.Contains(out, "answer in haiku") {
		t.Fatalf("system show output = %q, want set prompt", out)
	}
}

func TestHandleCommand_NewResetsConversation(t *testing.T) {
	t.Parallel()

	a := testApp(t)
	a.conv = store.Conversation{ID: "cv_old"}
	_, out, _ := runCommand(t, a, "/new")
	if !strings.Contains(out, "new conversation") {
		t.Fatalf("new output = %q", out)
	}
	if a.chat != nil || a.conv.ID != "" {
		t.Fatalf("chat/conv not reset: chat=%v conv=%q", a.chat, a.conv.ID)
	}
}

func TestHandleCommand_ListWithoutStore(t *testing.T) {
	t.Parallel()

	_, out, _ := runCommand(t, testApp(t), "/list")
	if !strings.Contains(out, "persistence is disabled") {
		t.Fatalf("list output = %q", out)
	}
}

func TestHandleCommand_Unknown(t *testing.T) {
	t.Parallel()

	_, _, errOut := runCommand(t, testApp(t), "/dance")
	if !strings.Contains(errOut, "unknown command") {
		t.Fatalf("stderr = %q, want unknown-command notice", errOut)
	}
}

func TestRunREPL_QuitSaysBye(t *testing.T) {
	t.Parallel()

	a := testApp(t)
	var out, errOut bytes.Buffer
	err := runREPL(context.Background(), a, strings.NewReader("\n/quit\n"), &out, &errOut)
	if err != nil {
		t.Fatalf("runREPL() error = %v", err)
	}
	if !strings.Contains(out.String(), "bye") {
		t.Fatalf("output = %q, want farewell", out.String())
	}
}

func TestRunREPL_EOFExitsClean(t *testing.T) {
	t.Parallel()

	a := testApp(t)
	var out, errOut bytes.Buffer
	err := runREPL(context.Background(), a, strings.NewReader(""), &out, &errOut)
	if err != nil {
		t.Fatalf("runREPL() error = %v", err)
	}
	if strings.Contains(out.String(), "bye") {
		t.Fatalf("output = %q, EOF should exit without farewell", out.String())
	}
}

func TestListConversations_MarksCurrent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "z04.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	defer st.Close()

	first, err := st.CreateConversation(ctx, "gemini-2.5-flash")
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	if _, err := st.AppendMessage(ctx, first.ID, "user", store.KindChat, "plan a trip"); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	second, err := st.CreateConversation(ctx, "gemini-2.5-flash")
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	if _, err := st.AppendMessage(ctx, second.ID, "user", store.KindChat, "debug a panic"); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}

	a := testApp(t)
	a.store = st
	a.conv = second

	var out, errOut bytes.Buffer
	a.listConversations(ctx, &out, &errOut)
	if errOut.Len() != 0 {
		t.Fatalf("stderr = %q, want empty", errOut.String())
	}

	listing := out.String()
	if !strings.Contains(listing, "plan a trip") || !strings.Contains(listing, "debug a panic") {
		t.Fatalf("listing missing titles:\n%s", listing)
	}
	var marked string
	for _, line := range strings.Split(listing, "\n") {
		if strings.Contains(line, second.ID) {
			marked = line
		}
	}
	if !strings.HasPrefix(marked, "* ") {
		t.Fatalf("current conversation not marked: %q", marked)
	}
}

func TestTranscriptPrinter_AccumulatesUntilFinal(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	var persisted []string
	p := &transcriptPrinter{
		out:     &out,
		label:   "[you]",
		persist: func(text string) { persisted = append(persisted, text) },
	}

	p.add("hel", false)
	p.add("lo ", false)
	if out.Len() != 0 {
		t.Fatalf("printed before final: %q", out.String())
	}
	p.add("there", true)
	if got, want := out.String(), "[you] hello there\n"; got != want {
		t.Fatalf("output = %q, want %q", got, want)
	}
	if len(persisted) != 1 || persisted[0] != "hello there" {
		t.Fatalf("persisted = %v, want one full line", persisted)
	}

	// Nothing pending: flush stays silent.
	p.flush()
	if got := out.String(); got != "[you] hello there\n" {
		t.Fatalf("flush printed extra output: %q", got)
	}
}

func TestTranscriptPrinter_FlushFinalizesPending(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	p := &transcriptPrinter{out: &out, label: "[assistant]"}
	p.add("half a ", false)
	p.add("sentence", false)
	p.flush()
	if got, want := out.String(), "[assistant] half a sentence\n"; got != want {
		t.Fatalf("output = %q, want %q", got, want)
	}
}

func TestVoicePersister_NilWithoutStore(t *testing.T) {
	t.Parallel()

	a := testApp(t)
	if p := a.voicePersister(context.Background(), "user"); p != nil {
		t.Fatal("voicePersister() != nil without a store")
	}
}
