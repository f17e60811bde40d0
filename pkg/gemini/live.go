package gemini

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"google.golang.org/genai"
)

// Live audio shape, fixed by the service: s16le mono both ways.
const (
	InputSampleRate  = 16000
	OutputSampleRate = 24000

	inputAudioMIMEType = "audio/pcm;rate=16000"

	liveEventBuffer = 256
)

// LiveConfig shapes a bidirectional voice session.
type LiveConfig struct {
	Model             string
	SystemInstruction string
	Voice             string
	InputTranscripts  bool
	OutputTranscripts bool
}

// LiveSession is one bidirectional audio session. Audio and text go up
// with SendAudio/SendText; decoded events come back on Events. The
// session ends on Close, context cancellation, or the first receive
// error, whichever comes first.
type LiveSession struct {
	inner  *genai.Session
	logger *slog.Logger

	events chan Event
	done   chan struct{}
	quit   chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool

	errMu sync.Mutex
	err   error
}

// ConnectLive opens a live session. The service replies with audio
// (24 kHz s16le) plus optional input/output transcriptions.
func (c *Client) ConnectLive(ctx context.Context, cfg LiveConfig) (*LiveSession, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultLiveModel
	}
	voice := strings.TrimSpace(cfg.Voice)
	if voice == "" {
		voice = DefaultVoice
	}

	lcfg := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
	}
	if s := strings.TrimSpace(cfg.SystemInstruction); s != "" {
		lcfg.SystemInstruction = textContent("", s)
	}
	if cfg.InputTranscripts {
		lcfg.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscripts {
		lcfg.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}

	inner, err := c.genai.Live.Connect(ctx, model, lcfg)
	if err != nil {
		return nil, FromSDK(err)
	}

	s := &LiveSession{
		inner:  inner,
		logger: c.logger,
		events: make(chan Event, liveEventBuffer),
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Events yields decoded session events. Closed when the session ends.
func (s *LiveSession) Events() <-chan Event {
	if s == nil {
		return nil
	}
	return s.events
}

// Done closes when the read loop has exited.
func (s *LiveSession) Done() <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.done
}

// SendAudio forwards one chunk of 16 kHz s16le mono microphone audio.
func (s *LiveSession) SendAudio(pcm []byte) error {
	if s == nil {
		return ErrSessionClosed
	}
	if len(pcm) == 0 {
		return nil
	}
	if s.closed.Load() {
		return ErrSessionClosed
	}
	err := s.inner.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: pcm, MIMEType: inputAudioMIMEType},
	})
	if err != nil {
		return FromSDK(err)
	}
	return nil
}

// SendText submits a typed user turn into the voice session.
func (s *LiveSession) SendText(text string) error {
	if s == nil {
		return ErrSessionClosed
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if s.closed.Load() {
		return ErrSessionClosed
	}
	err := s.inner.SendClientContent(genai.LiveClientContentInput{
		Turns: []*genai.Content{textContent(RoleUser, text)},
	})
	if err != nil {
		return FromSDK(err)
	}
	return nil
}

// Close tears the session down and waits for the read loop to exit.
// Safe to call more than once.
func (s *LiveSession) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.quit)
		_ = s.inner.Close()
	})
	<-s.done
	return nil
}

// Err returns the terminal session error (if any). Blocks until the
// session has ended.
func (s *LiveSession) Err() error {
	if s == nil {
		return nil
	}
	<-s.done
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *LiveSession) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *LiveSession) readLoop() {
	defer close(s.done)
	defer close(s.events)

	for {
		msg, err := s.inner.Receive()
		if err != nil {
			if s.closed.Load() {
				return
			}
			s.setErr(FromSDK(err))
			return
		}
		for _, ev := range decodeServerMessage(msg) {
			if !s.emit(ev) {
				return
			}
		}
	}
}

// decodeServerMessage flattens one service message into events, control
// signals ordered before content so consumers flush on interruption
// before enqueueing the next turn's audio.
func decodeServerMessage(msg *genai.LiveServerMessage) []Event {
	if msg == nil {
		return nil
	}
	var events []Event
	if msg.SetupComplete != nil {
		events = append(events, SetupDone{})
	}
	if msg.GoAway != nil {
		events = append(events, SessionEnding{})
	}
	sc := msg.ServerContent
	if sc == nil {
		return events
	}
	if sc.Interrupted {
		events = append(events, Interrupted{})
	}
	if tr := sc.InputTranscription; tr != nil && tr.Text != "" {
		events = append(events, InputTranscript{Text: tr.Text, Final: tr.Finished})
	}
	if tr := sc.OutputTranscription; tr != nil && tr.Text != "" {
		events = append(events, OutputTranscript{Text: tr.Text, Final: tr.Finished})
	}
	if mt := sc.ModelTurn; mt != nil {
		for _, part := range mt.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" && !part.Thought {
				events = append(events, TextDelta{Text: part.Text})
			}
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				events = append(events, AudioChunk{Data: part.InlineData.Data})
			}
		}
	}
	if sc.TurnComplete {
		events = append(events, TurnComplete{})
	}
	return events
}

// emit delivers an event to the consumer. Control events block until
// delivered or the session is closed; content events are dropped when
// the buffer is full so a stalled consumer cannot deadlock the read
// loop.
func (s *LiveSession) emit(ev Event) bool {
	switch ev.(type) {
	case Interrupted, TurnComplete, SessionEnding, SetupDone:
		select {
		case s.events <- ev:
			return true
		case <-s.quit:
			return false
		}
	default:
		select {
		case s.events <- ev:
		default:
			if s.logger != nil {
				s.logger.Warn("live event dropped, consumer lagging")
			}
		}
		return true
	}
}
