package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/z04-labs/z04/internal/store"
	"github.com/z04-labs/z04/pkg/audio"
	"github.com/z04-labs/z04/pkg/gemini"
	"github.com/z04-labs/z04/pkg/voice"
)

// runLive runs one interactive voice session inside the REPL. The
// REPL's scanner stays the only stdin reader: typed lines go to the
// model as text, an empty line ends the session and returns to chat.
func (a *app) runLive(ctx context.Context, scanner *bufio.Scanner, out, errOut io.Writer) error {
	liveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	session, err := a.client.ConnectLive(liveCtx, gemini.LiveConfig{
		Model:             a.cfg.LiveModel,
		SystemInstruction: a.system,
		Voice:             a.cfg.Voice,
		InputTranscripts:  true,
		OutputTranscripts: true,
	})
	if err != nil {
		return err
	}

	mic, err := audio.OpenMic(audio.MicConfig{
		SampleRate: audio.CaptureFormat.SampleRate,
		Channels:   audio.CaptureFormat.Channels,
		PeriodMS:   20,
	})
	if err != nil {
		_ = session.Close()
		return fmt.Errorf("open microphone: %w", err)
	}

	var speaker audio.Speaker = audio.DiscardSpeaker{}
	if !a.cfg.NoSpeaker {
		oto, err := audio.NewOtoSpeaker(audio.PlaybackFormat)
		if err != nil {
			_ = mic.Close()
			_ = session.Close()
			return fmt.Errorf("open speaker: %w", err)
		}
		speaker = oto
	}
	player := audio.NewScheduler(audio.SchedulerConfig{Format: audio.PlaybackFormat}, speaker)

	userT := &transcriptPrinter{out: out, label: "[you]", persist: a.voicePersister(ctx, gemini.RoleUser)}
	modelT := &transcriptPrinter{out: out, label: "[assistant]", persist: a.voicePersister(ctx, gemini.RoleModel)}

	ctrl, err := voice.New(voice.Config{
		Session: session,
		Mic:     mic,
		Player:  player,
		Logger:  a.logger,
		Sinks: voice.Sinks{
			OnUserTranscript:  userT.add,
			OnModelTranscript: modelT.add,
			OnModelText:       func(text string) { fmt.Fprint(out, text) },
			OnTurnComplete: func() {
				userT.flush()
				modelT.flush()
			},
			OnNotice: func(notice string) { fmt.Fprintf(out, "[voice] %s\n", notice) },
		},
	})
	if err != nil {
		_ = mic.Close()
		_ = session.Close()
		_ = player.Close()
		return err
	}

	fmt.Fprintln(out, "[voice] session started · speak, or type a line to send text · empty line to leave")

	runDone := make(chan error, 1)
	go func() {
		err := ctrl.Run(liveCtx)
		if liveCtx.Err() == nil {
			// The session ended on its own while the REPL is still
			// blocked on input; tell the user how to get back.
			if err != nil {
				fmt.Fprintf(errOut, "\n[voice] session ended: %v\n", err)
			} else {
				fmt.Fprintln(out, "\n[voice] session ended")
			}
			fmt.Fprintln(out, "press Enter to return to chat")
		}
		runDone <- err
	}()

	for {
		select {
		case err := <-runDone:
			return err
		default:
		}
		if !scanner.Scan() {
			cancel()
			return <-runDone
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			cancel()
			return <-runDone
		}
		select {
		case err := <-runDone:
			return err
		default:
		}
		if err := ctrl.SendText(line); err != nil {
			if errors.Is(err, gemini.ErrSessionClosed) {
				cancel()
				return <-runDone
			}
			fmt.Fprintf(errOut, "[voice] send error: %v\n", err)
			continue
		}
		fmt.Fprintf(out, "[you (typed)] %s\n", line)
	}
}

// voicePersister returns a sink that appends finalized transcript
// lines to the current conversation, or nil when persistence is off.
func (a *app) voicePersister(ctx context.Context, role string) func(string) {
	if a.store == nil {
		return nil
	}
	return func(text string) {
		conv, ok := a.ensureConversation(ctx)
		if !ok {
			return
		}
		if _, err := a.store.AppendMessage(ctx, conv.ID, role, store.KindVoice, text); err != nil {
			a.logger.Warn("persist transcript", "error", err)
		}
	}
}

// transcriptPrinter accumulates transcript fragments and prints one
// labeled line per finished utterance.
type transcriptPrinter struct {
	out     io.Writer
	label   string
	persist func(text string)

	mu      sync.Mutex
	pending strings.Builder
}

func (p *transcriptPrinter) add(text string, final bool) {
	p.mu.Lock()
	p.pending.WriteString(text)
	var full string
	if final {
		full = strings.TrimSpace(p.pending.String())
		p.pending.Reset()
	}
	p.mu.Unlock()
	if !final || full == "" {
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", p.label, full)
	if p.persist != nil {
		p.persist(full)
	}
}

// flush finalizes whatever is pending, for turns whose transcript
// never carried a final marker.
func (p *transcriptPrinter) flush() {
	p.add("", true)
}
