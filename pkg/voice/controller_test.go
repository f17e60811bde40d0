package voice

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/z04-labs/z04/pkg/gemini"
)

type fakeSession struct {
	events chan gemini.Event
	done   chan struct{}

	mu      sync.Mutex
	sent    [][]byte
	texts   []string
	termErr error
	closed  bool

	closeOnce sync.Once
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		events: make(chan gemini.Event, 32),
		done:   make(chan struct{}),
	}
}

func (f *fakeSession) Events() <-chan gemini.Event { return f.events }

func (f *fakeSession) SendAudio(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return gemini.ErrSessionClosed
	}
	f.sent = append(f.sent, pcm)
	return nil
}

func (f *fakeSession) SendText(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSession) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.events)
		close(f.done)
	})
	return nil
}

func (f *fakeSession) Err() error {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.termErr
}

// end simulates a server-side session failure.
func (f *fakeSession) end(err error) {
	f.mu.Lock()
	f.termErr = err
	f.mu.Unlock()
	_ = f.Close()
}

func (f *fakeSession) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeMic struct {
	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeMic() *fakeMic {
	return &fakeMic{frames: make(chan []byte, 32), closed: make(chan struct{})}
}

func (m *fakeMic) Read(p []byte) (int, error) {
	select {
	case frame := <-m.frames:
		return copy(p, frame), nil
	case <-m.closed:
		return 0, io.EOF
	}
}

func (m *fakeMic) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *fakeMic) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

type fakePlayer struct {
	mu       sync.Mutex
	enqueued int
	flushes  int
	turnEnds int
	closes   int
	errCh    chan error
}

func newFakePlayer() *fakePlayer {
	return &fakePlayer{errCh: make(chan error, 1)}
}

func (p *fakePlayer) Enqueue(pcm []byte) {
	p.mu.Lock()
	p.enqueued += len(pcm)
	p.mu.Unlock()
}

func (p *fakePlayer) MarkTurnEnd() {
	p.mu.Lock()
	p.turnEnds++
	p.mu.Unlock()
}

func (p *fakePlayer) Flush() {
	p.mu.Lock()
	p.flushes++
	p.mu.Unlock()
}

func (p *fakePlayer) ErrCh() <-chan error { return p.errCh }

func (p *fakePlayer) Close() error {
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()
	return nil
}

func (p *fakePlayer) snapshot() (enqueued, flushes, turnEnds, closes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enqueued, p.flushes, p.turnEnds, p.closes
}

func startController(t *testing.T, session Session, mic MicSource, player Player, sinks Sinks) (context.CancelFunc, chan error) {
	t.Helper()
	c, err := New(Config{Session: session, Mic: mic, Player: player, Sinks: sinks})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- c.Run(ctx) }()
	return cancel, result
}

func waitResult(t *testing.T, result chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("controller did not stop in time")
		return nil
	}
}

func TestNew_RequiresResources(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Mic: newFakeMic(), Player: newFakePlayer()}); err == nil {
		t.Fatalf("expected error without session")
	}
	if _, err := New(Config{Session: newFakeSession(), Player: newFakePlayer()}); err == nil {
		t.Fatalf("expected error without mic")
	}
	if _, err := New(Config{Session: newFakeSession(), Mic: newFakeMic()}); err == nil {
		t.Fatalf("expected error without player")
	}
}

func TestRun_PumpsMicAudioToSession(t *testing.T) {
	t.Parallel()

	session := newFakeSession()
	mic := newFakeMic()
	player := newFakePlayer()

	for i := 0; i < 3; i++ {
		mic.frames <- []byte{1, 2, 3, 4}
	}

	cancel, result := startController(t, session, mic, player, Sinks{})

	deadline := time.Now().Add(2 * time.Second)
	for session.sentCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("session received %d frames, want 3", session.sentCount())
		}
		time.Sleep(2 * time.Millisecond)
	}

	cancel()
	if err := waitResult(t, result); err != nil {
		t.Fatalf("Run error on clean cancel: %v", err)
	}

	if !mic.isClosed() {
		t.Fatalf("mic not closed on teardown")
	}
	if _, _, _, closes := player.snapshot(); closes != 1 {
		t.Fatalf("player closes=%d, want 1", closes)
	}
}

func TestRun_EventsDrivePlayerAndSinks(t *testing.T) {
	t.Parallel()

	session := newFakeSession()
	mic := newFakeMic()
	player := newFakePlayer()

	var (
		mu            sync.Mutex
		userText      string
		modelText     string
		notices       []string
		turnCompleted bool
	)
	sinks := Sinks{
		OnUserTranscript: func(text string, final bool) {
			mu.Lock()
			if final {
				userText = text
			}
			mu.Unlock()
		},
		OnModelTranscript: func(text string, final bool) {
			mu.Lock()
			modelText += text
			mu.Unlock()
		},
		OnNotice: func(n string) {
			mu.Lock()
			notices = append(notices, n)
			mu.Unlock()
		},
		OnTurnComplete: func() {
			mu.Lock()
			turnCompleted = true
			mu.Unlock()
		},
	}

	cancel, result := startController(t, session, mic, player, sinks)

	session.events <- gemini.InputTranscript{Text: "hello there", Final: true}
	session.events <- gemini.AudioChunk{Data: make([]byte, 960)}
	session.events <- gemini.OutputTranscript{Text: "hi "}
	session.events <- gemini.OutputTranscript{Text: "friend"}
	session.events <- gemini.Interrupted{}
	session.events <- gemini.TurnComplete{}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		done := turnCompleted
		mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("turn complete never observed")
		}
		time.Sleep(2 * time.Millisecond)
	}

	enqueued, flushes, turnEnds, _ := player.snapshot()
	if enqueued != 960 {
		t.Fatalf("player enqueued=%d, want 960", enqueued)
	}
	if flushes != 1 {
		t.Fatalf("player flushes=%d, want 1 (from interruption)", flushes)
	}
	if turnEnds != 1 {
		t.Fatalf("player turnEnds=%d, want 1", turnEnds)
	}

	mu.Lock()
	if userText != "hello there" {
		t.Fatalf("userText=%q, want %q", userText, "hello there")
	}
	if modelText != "hi friend" {
		t.Fatalf("modelText=%q, want %q", modelText, "hi friend")
	}
	if len(notices) != 1 || notices[0] != "interrupted" {
		t.Fatalf("notices=%v, want [interrupted]", notices)
	}
	mu.Unlock()

	cancel()
	if err := waitResult(t, result); err != nil {
		t.Fatalf("Run error on clean cancel: %v", err)
	}
}

func TestRun_SessionErrorStopsEverything(t *testing.T) {
	t.Parallel()

	session := newFakeSession()
	mic := newFakeMic()
	player := newFakePlayer()

	cancel, result := startController(t, session, mic, player, Sinks{})
	defer cancel()

	boom := gemini.NewAPIError("stream reset")
	session.end(boom)

	err := waitResult(t, result)
	if !errors.Is(err, boom) {
		t.Fatalf("Run error=%v, want %v", err, boom)
	}
	if !mic.isClosed() {
		t.Fatalf("mic not closed after session failure")
	}
	if _, _, _, closes := player.snapshot(); closes != 1 {
		t.Fatalf("player closes=%d, want 1", closes)
	}
}

func TestRun_PlayerErrorStopsEverything(t *testing.T) {
	t.Parallel()

	session := newFakeSession()
	mic := newFakeMic()
	player := newFakePlayer()

	cancel, result := startController(t, session, mic, player, Sinks{})
	defer cancel()

	boom := errors.New("speaker gone")
	player.errCh <- boom

	err := waitResult(t, result)
	if !errors.Is(err, boom) {
		t.Fatalf("Run error=%v, want %v", err, boom)
	}
	session.mu.Lock()
	closed := session.closed
	session.mu.Unlock()
	if !closed {
		t.Fatalf("session not closed after player failure")
	}
}

func TestRun_MicEOFIsAnError(t *testing.T) {
	t.Parallel()

	session := newFakeSession()
	mic := newFakeMic()
	player := newFakePlayer()

	cancel, result := startController(t, session, mic, player, Sinks{})
	defer cancel()

	// Unexpected device death, not a teardown close.
	_ = mic.Close()

	err := waitResult(t, result)
	if err == nil {
		t.Fatalf("expected error when mic stream ends unexpectedly")
	}
}

func TestRun_OnlyOnce(t *testing.T) {
	t.Parallel()

	c, err := New(Config{Session: newFakeSession(), Mic: newFakeMic(), Player: newFakePlayer()})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run on canceled ctx error: %v", err)
	}
	if err := c.Run(context.Background()); err == nil {
		t.Fatalf("second Run should fail")
	}
}
