// Package voice wires a microphone, a live session, and playback into
// one running voice conversation, and owns the teardown of all three.
package voice

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/z04-labs/z04/pkg/audio"
	"github.com/z04-labs/z04/pkg/gemini"
)

// Session is the slice of a live session the controller drives.
type Session interface {
	Events() <-chan gemini.Event
	SendAudio(pcm []byte) error
	SendText(text string) error
	Close() error
	Err() error
}

// MicSource yields captured PCM. Read blocks until data or EOF.
type MicSource interface {
	Read(p []byte) (int, error)
	Close() error
}

// Player is the playback half the controller feeds.
type Player interface {
	Enqueue(pcm []byte)
	MarkTurnEnd()
	Flush()
	ErrCh() <-chan error
	Close() error
}

// Sinks receive render callbacks. All fields are optional.
type Sinks struct {
	OnUserTranscript  func(text string, final bool)
	OnModelTranscript func(text string, final bool)
	OnModelText       func(text string)
	OnTurnComplete    func()
	OnNotice          func(notice string)
}

// Config assembles a controller. Session, Mic and Player are required;
// the controller takes ownership and closes them when Run returns.
type Config struct {
	Session Session
	Mic     MicSource
	Player  Player
	Sinks   Sinks
	Logger  *slog.Logger

	// MicFrameBytes is the mic read size. Defaults to 20 ms of
	// capture-rate audio.
	MicFrameBytes int
}

// Controller runs one voice conversation.
type Controller struct {
	cfg     Config
	logger  *slog.Logger
	started atomic.Bool

	errMu    sync.Mutex
	firstErr error
}

// New validates the config and builds a controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Session == nil {
		return nil, errors.New("voice: session is required")
	}
	if cfg.Mic == nil {
		return nil, errors.New("voice: mic is required")
	}
	if cfg.Player == nil {
		return nil, errors.New("voice: player is required")
	}
	if cfg.MicFrameBytes <= 0 {
		cfg.MicFrameBytes = int(audio.CaptureFormat.MSToBytes(20))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{cfg: cfg, logger: logger}, nil
}

// SendText submits a typed turn into the running session.
func (c *Controller) SendText(text string) error {
	return c.cfg.Session.SendText(text)
}

// Run pumps mic audio up and session events down until the context is
// canceled, the session ends, or any resource fails. The first error
// anywhere stops everything: the mic is closed first so nothing new is
// produced, then the session, then playback, and Run returns only once
// every goroutine has exited. A plain context cancel returns nil.
func (c *Controller) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("voice: controller already run")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.pumpMic(runCtx, cancel)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.consumeEvents(runCtx, cancel)
	}()

	<-runCtx.Done()

	_ = c.cfg.Mic.Close()
	_ = c.cfg.Session.Close()
	wg.Wait()
	c.cfg.Player.Flush()
	if err := c.cfg.Player.Close(); err != nil {
		c.setErr(err)
	}

	if ctx.Err() != nil {
		return nil
	}
	return c.err()
}

func (c *Controller) pumpMic(ctx context.Context, cancel context.CancelFunc) {
	buf := make([]byte, c.cfg.MicFrameBytes)
	for {
		if ctx.Err() != nil {
			return
		}
		n, readErr := c.cfg.Mic.Read(buf)
		if n > 0 {
			frame := make([]byte, n)
			copy(frame, buf[:n])
			if sendErr := c.cfg.Session.SendAudio(frame); sendErr != nil {
				if ctx.Err() == nil && !errors.Is(sendErr, gemini.ErrSessionClosed) {
					c.setErr(sendErr)
				}
				cancel()
				return
			}
		}
		if readErr != nil {
			if ctx.Err() == nil {
				if errors.Is(readErr, io.EOF) {
					c.setErr(errors.New("voice: microphone stream ended"))
				} else {
					c.setErr(readErr)
				}
				cancel()
			}
			return
		}
	}
}

func (c *Controller) consumeEvents(ctx context.Context, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.cfg.Player.ErrCh():
			if err != nil && ctx.Err() == nil {
				c.setErr(err)
			}
			cancel()
			return
		case ev, ok := <-c.cfg.Session.Events():
			if !ok {
				if err := c.cfg.Session.Err(); err != nil && ctx.Err() == nil {
					c.setErr(err)
				}
				cancel()
				return
			}
			c.handleEvent(ev)
		}
	}
}

func (c *Controller) handleEvent(ev gemini.Event) {
	switch e := ev.(type) {
	case gemini.SetupDone:
		c.logger.Debug("live session ready")
	case gemini.AudioChunk:
		c.cfg.Player.Enqueue(e.Data)
	case gemini.Interrupted:
		c.cfg.Player.Flush()
		c.notice("interrupted")
	case gemini.TurnComplete:
		c.cfg.Player.MarkTurnEnd()
		if fn := c.cfg.Sinks.OnTurnComplete; fn != nil {
			fn()
		}
	case gemini.InputTranscript:
		if fn := c.cfg.Sinks.OnUserTranscript; fn != nil {
			fn(e.Text, e.Final)
		}
	case gemini.OutputTranscript:
		if fn := c.cfg.Sinks.OnModelTranscript; fn != nil {
			fn(e.Text, e.Final)
		}
	case gemini.TextDelta:
		if fn := c.cfg.Sinks.OnModelText; fn != nil {
			fn(e.Text)
		}
	case gemini.SessionEnding:
		c.notice("session ending soon")
	}
}

func (c *Controller) notice(msg string) {
	if fn := c.cfg.Sinks.OnNotice; fn != nil {
		fn(msg)
	}
}

func (c *Controller) setErr(err error) {
	if err == nil {
		return
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.firstErr == nil {
		c.firstErr = err
	}
}

func (c *Controller) err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.firstErr
}
