package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/z04-labs/z04/pkg/bridge/protocol"
	"github.com/z04-labs/z04/pkg/bridge/sessions"
	"github.com/z04-labs/z04/pkg/gemini"
)

const (
	outboundQueueSize = 128
	handshakeTimeout  = 5 * time.Second
	pingInterval      = 20 * time.Second
	writeTimeout      = 5 * time.Second
)

// outFrame is one unit of outbound work for the socket writer. turn is
// set on audio payloads only, so stale audio can be skipped after an
// interrupt. closeAfter makes the writer send a close frame and stop.
type outFrame struct {
	payload    any
	binary     []byte
	turn       int64
	closeAfter bool
}

// liveRelay shuttles frames between one websocket client and one
// upstream session. A single writer goroutine owns the socket's write
// side; the first error on any side stops everything.
type liveRelay struct {
	srv       *Server
	conn      *websocket.Conn
	hello     protocol.ClientHello
	sessionID string

	// Exactly one of sess/chat is set, per hello.mode.
	sess LiveSession
	chat Chat

	ctx    context.Context
	cancel context.CancelFunc
	out    chan outFrame
	turns  chan string

	currentTurn     atomic.Int64
	canceledThrough atomic.Int64

	errMu sync.Mutex
	err   error
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || originAllowed(s.cfg.AllowOrigin, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadLimit(protocol.MaxJSONFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	mt, first, err := conn.ReadMessage()
	if err != nil || mt != websocket.TextMessage {
		writeDirectError(conn, "bad_request", "first frame must be hello")
		return
	}
	decoded, err := protocol.DecodeClientFrame(first)
	if err != nil {
		writeDirectError(conn, frameErrorCode(err), err.Error())
		return
	}
	hello, ok := decoded.(protocol.ClientHello)
	if !ok {
		writeDirectError(conn, "bad_request", "first frame must be hello")
		return
	}

	reqID, _ := requestIDFrom(r.Context())
	sessionID := "ls_" + ulid.Make().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rl := &liveRelay{
		srv:       s,
		conn:      conn,
		hello:     hello,
		sessionID: sessionID,
		ctx:       ctx,
		cancel:    cancel,
		out:       make(chan outFrame, outboundQueueSize),
	}

	unregister, err := s.tracker.Register(sessionID, sessions.Handle{
		Cancel: rl.cancel,
		Warn:   rl.warn,
	})
	if err != nil {
		s.metrics.RecordLiveRejected()
		writeDirectError(conn, "at_capacity", "too many live sessions")
		return
	}
	defer unregister()

	model, err := rl.connectUpstream()
	if err != nil {
		s.metrics.RecordLiveRejected()
		writeDirectError(conn, "upstream_error", upstreamMessage(err))
		s.logger.Warn("live session rejected by upstream",
			"session_id", sessionID, "request_id", reqID, "error", err)
		return
	}

	ack := protocol.ServerHelloAck{
		Type:            "hello_ack",
		ProtocolVersion: protocol.ProtocolVersion1,
		SessionID:       sessionID,
		Mode:            hello.Mode,
		Model:           model,
		AudioTransport:  hello.Features.AudioTransport,
		Limits: protocol.HelloAckLimits{
			MaxAudioFrameBytes:  protocol.MaxAudioFrameBytes,
			MaxJSONMessageBytes: protocol.MaxJSONFrameBytes,
		},
	}
	if hello.Mode == protocol.ModeVoice {
		ack.AudioIn = &hello.AudioIn
		ack.AudioOut = &hello.AudioOut
	}
	if err := conn.WriteJSON(ack); err != nil {
		rl.closeUpstream()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	s.metrics.RecordLiveStart()
	s.logger.Info("live session started",
		"session_id", sessionID, "request_id", reqID,
		"mode", hello.Mode, "model", model,
		"transport", hello.Features.AudioTransport)

	status := "ok"
	start := time.Now()
	if err := rl.run(); err != nil {
		status = "error"
		s.logger.Warn("live session ended with error",
			"session_id", sessionID, "request_id", reqID, "error", err)
	}
	s.metrics.RecordLiveEnd(status)
	s.logger.Info("live session ended",
		"session_id", sessionID, "status", status,
		"duration_ms", time.Since(start).Milliseconds())
}

// connectUpstream opens the upstream side named by hello.mode and
// returns the effective model name.
func (rl *liveRelay) connectUpstream() (string, error) {
	cfg := rl.srv.cfg
	system := rl.hello.System
	if system == "" {
		system = cfg.SystemPrompt
	}

	switch rl.hello.Mode {
	case protocol.ModeVoice:
		model := rl.hello.Model
		if model == "" {
			model = cfg.LiveModel
		}
		voice := rl.hello.Voice
		if voice == "" {
			voice = cfg.Voice
		}
		sess, err := rl.srv.upstream.ConnectLive(rl.ctx, gemini.LiveConfig{
			Model:             model,
			SystemInstruction: system,
			Voice:             voice,
			InputTranscripts:  rl.hello.Features.WantInputTranscripts,
			OutputTranscripts: rl.hello.Features.WantOutputTranscripts,
		})
		if err != nil {
			return "", err
		}
		rl.sess = sess
		return model, nil

	case protocol.ModeChat:
		model := rl.hello.Model
		if model == "" {
			model = cfg.ChatModel
		}
		chat, err := rl.srv.upstream.NewChat(rl.ctx, gemini.ChatConfig{
			Model:             model,
			SystemInstruction: system,
		})
		if err != nil {
			return "", err
		}
		rl.chat = chat
		rl.turns = make(chan string, 1)
		return chat.Model(), nil

	default:
		return "", fmt.Errorf("unsupported mode %q", rl.hello.Mode)
	}
}

func (rl *liveRelay) closeUpstream() {
	if rl.sess != nil {
		_ = rl.sess.Close()
	}
}

func (rl *liveRelay) run() error {
	var wg sync.WaitGroup
	start := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	start(rl.writeLoop)
	if rl.sess != nil {
		start(rl.pumpUpstream)
	} else {
		start(rl.chatPump)
	}
	// Wake the blocked reader when the relay is torn down.
	start(func() {
		<-rl.ctx.Done()
		_ = rl.conn.SetReadDeadline(time.Now())
	})

	rl.readLoop()

	rl.cancel()
	rl.closeUpstream()
	wg.Wait()
	return rl.firstErr()
}

func (rl *liveRelay) readLoop() {
	idle := rl.srv.cfg.SessionIdleTimeout
	for {
		if idle > 0 {
			_ = rl.conn.SetReadDeadline(time.Now().Add(idle))
		}
		mt, data, err := rl.conn.ReadMessage()
		if err != nil {
			if rl.ctx.Err() != nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				rl.enqueue(outFrame{closeAfter: true})
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				rl.fail("idle_timeout", "no frames received before the idle deadline", err)
				return
			}
			rl.setErr(fmt.Errorf("read: %w", err))
			rl.cancel()
			return
		}

		switch mt {
		case websocket.BinaryMessage:
			rl.srv.metrics.RecordWSFrame("in", "binary_audio")
			if rl.hello.Features.AudioTransport != protocol.AudioTransportBinary {
				rl.fail("bad_request", "binary frames were not negotiated", nil)
				return
			}
			if rl.sess == nil {
				rl.fail("bad_request", "audio requires voice mode", nil)
				return
			}
			if !rl.forwardAudio(data) {
				return
			}
		case websocket.TextMessage:
			decoded, err := protocol.DecodeClientFrame(data)
			if err != nil {
				rl.srv.metrics.RecordWSFrame("in", "invalid")
				rl.fail(frameErrorCode(err), err.Error(), err)
				return
			}
			if !rl.handleClientFrame(decoded) {
				return
			}
		}
	}
}

// handleClientFrame dispatches one decoded frame. A false return stops
// the read loop.
func (rl *liveRelay) handleClientFrame(decoded any) bool {
	switch msg := decoded.(type) {
	case protocol.ClientHello:
		rl.srv.metrics.RecordWSFrame("in", "hello")
		rl.fail("bad_request", "duplicate hello", nil)
		return false

	case protocol.ClientText:
		rl.srv.metrics.RecordWSFrame("in", "text")
		if rl.sess != nil {
			if err := rl.sess.SendText(msg.Text); err != nil {
				rl.failUpstreamSend(err)
				return false
			}
			return true
		}
		select {
		case rl.turns <- msg.Text:
		default:
			rl.enqueue(outFrame{payload: protocol.ServerWarning{
				Type: "warning", Code: "busy",
				Message: "previous turn still streaming",
			}})
		}
		return true

	case protocol.ClientAudioFrame:
		rl.srv.metrics.RecordWSFrame("in", "audio_frame")
		if rl.sess == nil {
			rl.fail("bad_request", "audio requires voice mode", nil)
			return false
		}
		pcm, err := base64.StdEncoding.DecodeString(msg.DataB64)
		if err != nil {
			rl.fail("bad_request", "audio_frame.data_b64 is not valid base64", err)
			return false
		}
		return rl.forwardAudio(pcm)

	case protocol.ClientPlaybackMark:
		rl.srv.metrics.RecordWSFrame("in", "playback_mark")
		rl.srv.logger.Debug("playback mark",
			"session_id", rl.sessionID,
			"played_ms", msg.PlayedMS,
			"buffered_ms", msg.BufferedMS,
			"state", msg.State)
		return true

	case protocol.ClientControl:
		rl.srv.metrics.RecordWSFrame("in", "control")
		return rl.handleControl(msg.Op)

	default:
		rl.fail("bad_request", "unsupported frame", nil)
		return false
	}
}

func (rl *liveRelay) handleControl(op string) bool {
	switch op {
	case "interrupt":
		turn := rl.currentTurn.Load()
		rl.canceledThrough.Store(turn)
		rl.enqueue(outFrame{payload: protocol.ServerInterrupted{Type: "interrupted", Turn: turn}})
		return true
	case "end_turn":
		// Turn boundaries are decided upstream by voice activity;
		// nothing to forward.
		rl.srv.logger.Debug("end_turn received", "session_id", rl.sessionID)
		return true
	case "end_session":
		rl.enqueue(outFrame{closeAfter: true})
		return false
	default:
		rl.fail("bad_request", "unsupported control operation", nil)
		return false
	}
}

func (rl *liveRelay) forwardAudio(pcm []byte) bool {
	if len(pcm) == 0 {
		return true
	}
	if len(pcm) > protocol.MaxAudioFrameBytes {
		rl.fail("bad_request", "audio frame exceeds max_audio_frame_bytes", nil)
		return false
	}
	if len(pcm)%2 != 0 {
		rl.fail("bad_request", "audio frame must contain whole 16-bit samples", nil)
		return false
	}
	if err := rl.sess.SendAudio(pcm); err != nil {
		rl.failUpstreamSend(err)
		return false
	}
	rl.srv.metrics.RecordAudioIn(len(pcm))
	return true
}

func (rl *liveRelay) failUpstreamSend(err error) {
	if errors.Is(err, gemini.ErrSessionClosed) {
		// The upstream pump reports the underlying cause.
		rl.cancel()
		return
	}
	rl.fail("upstream_error", upstreamMessage(err), err)
}

// pumpUpstream turns voice-session events into outbound frames.
func (rl *liveRelay) pumpUpstream() {
	var turnOpen bool
	var seq int64

	for {
		select {
		case <-rl.ctx.Done():
			return
		case ev, ok := <-rl.sess.Events():
			if !ok {
				if err := rl.sess.Err(); err != nil {
					rl.fail("upstream_error", upstreamMessage(err), err)
				} else {
					rl.enqueue(outFrame{closeAfter: true})
				}
				return
			}
			if !rl.handleUpstreamEvent(ev, &turnOpen, &seq) {
				return
			}
		}
	}
}

func (rl *liveRelay) handleUpstreamEvent(ev gemini.Event, turnOpen *bool, seq *int64) bool {
	switch ev := ev.(type) {
	case gemini.SetupDone:
		rl.srv.logger.Debug("upstream setup complete", "session_id", rl.sessionID)
		return true

	case gemini.TextDelta:
		return rl.enqueue(outFrame{payload: protocol.ServerTextDelta{Type: "text_delta", Text: ev.Text}})

	case gemini.InputTranscript:
		return rl.enqueue(outFrame{payload: protocol.ServerInputTranscript{
			Type: "input_transcript", Text: ev.Text, Final: ev.Final,
		}})

	case gemini.OutputTranscript:
		return rl.enqueue(outFrame{payload: protocol.ServerOutputTranscript{
			Type: "output_transcript", Text: ev.Text, Final: ev.Final,
		}})

	case gemini.AudioChunk:
		if !*turnOpen {
			turn := rl.currentTurn.Add(1)
			*turnOpen = true
			*seq = 0
			ok := rl.enqueue(outFrame{payload: protocol.ServerAudioStart{
				Type: "audio_start", Turn: turn,
				Format: protocol.AudioFormat{
					Encoding:     protocol.EncodingPCMS16LE,
					SampleRateHz: gemini.OutputSampleRate,
					Channels:     1,
				},
			}})
			if !ok {
				return false
			}
		}
		turn := rl.currentTurn.Load()
		if turn <= rl.canceledThrough.Load() {
			return true // client interrupted this turn; drop the tail
		}
		*seq++
		rl.srv.metrics.RecordAudioOut(len(ev.Data))
		if rl.hello.Features.AudioTransport == protocol.AudioTransportBinary {
			return rl.enqueue(outFrame{
				payload: protocol.ServerAudioChunkHeader{
					Type: "audio_chunk_header", Turn: turn, Seq: *seq, Bytes: len(ev.Data),
				},
				binary: ev.Data,
				turn:   turn,
			})
		}
		return rl.enqueue(outFrame{
			payload: protocol.ServerAudioChunk{
				Type: "audio_chunk", Turn: turn, Seq: *seq,
				DataB64: base64.StdEncoding.EncodeToString(ev.Data),
			},
			turn: turn,
		})

	case gemini.Interrupted:
		*turnOpen = false
		turn := rl.currentTurn.Load()
		rl.canceledThrough.Store(turn)
		return rl.enqueue(outFrame{payload: protocol.ServerInterrupted{Type: "interrupted", Turn: turn}})

	case gemini.TurnComplete:
		turn := rl.currentTurn.Load()
		if *turnOpen {
			*turnOpen = false
			if !rl.enqueue(outFrame{payload: protocol.ServerAudioEnd{Type: "audio_end", Turn: turn}}) {
				return false
			}
		}
		return rl.enqueue(outFrame{payload: protocol.ServerTurnComplete{Type: "turn_complete", Turn: turn}})

	case gemini.SessionEnding:
		return rl.enqueue(outFrame{payload: protocol.ServerWarning{
			Type: "warning", Code: "session_ending",
			Message: "upstream will close this session soon",
		}})

	default:
		return true
	}
}

// chatPump serves typed turns sequentially in chat mode.
func (rl *liveRelay) chatPump() {
	for {
		select {
		case <-rl.ctx.Done():
			return
		case text := <-rl.turns:
			if !rl.streamChatTurn(text) {
				return
			}
		}
	}
}

func (rl *liveRelay) streamChatTurn(text string) bool {
	st, err := rl.chat.SendStream(rl.ctx, text)
	if err != nil {
		rl.fail("upstream_error", upstreamMessage(err), err)
		return false
	}
	for ev := range st.Events() {
		switch ev := ev.(type) {
		case gemini.TextDelta:
			if !rl.enqueue(outFrame{payload: protocol.ServerTextDelta{Type: "text_delta", Text: ev.Text}}) {
				return false
			}
		case gemini.TurnComplete:
			turn := rl.currentTurn.Add(1)
			if !rl.enqueue(outFrame{payload: protocol.ServerTurnComplete{Type: "turn_complete", Turn: turn}}) {
				return false
			}
		}
	}
	if err := st.Err(); err != nil {
		rl.fail("upstream_error", upstreamMessage(err), err)
		return false
	}
	return rl.ctx.Err() == nil
}

// writeLoop is the only goroutine that writes to the socket.
func (rl *liveRelay) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-rl.ctx.Done():
			rl.flushPending()
			return
		case <-ping.C:
			_ = rl.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
		case f := <-rl.out:
			if !rl.writeFrame(f) {
				rl.cancel()
				return
			}
			if f.closeAfter {
				rl.sendClose()
				rl.cancel()
				return
			}
		}
	}
}

// flushPending drains frames already queued when the relay stopped, so
// a final error frame still reaches the client before the socket dies.
func (rl *liveRelay) flushPending() {
	for {
		select {
		case f := <-rl.out:
			if !rl.writeFrame(f) {
				return
			}
			if f.closeAfter {
				rl.sendClose()
				return
			}
		default:
			return
		}
	}
}

func (rl *liveRelay) writeFrame(f outFrame) bool {
	if f.turn > 0 && f.turn <= rl.canceledThrough.Load() {
		return true // stale audio for an interrupted turn
	}
	if f.payload != nil {
		_ = rl.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := rl.conn.WriteJSON(f.payload); err != nil {
			rl.setErr(fmt.Errorf("write: %w", err))
			return false
		}
		rl.srv.metrics.RecordWSFrame("out", serverFrameKind(f.payload))
	}
	if len(f.binary) > 0 {
		_ = rl.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := rl.conn.WriteMessage(websocket.BinaryMessage, f.binary); err != nil {
			rl.setErr(fmt.Errorf("write: %w", err))
			return false
		}
		rl.srv.metrics.RecordWSFrame("out", "binary_audio")
	}
	return true
}

func (rl *liveRelay) sendClose() {
	deadline := time.Now().Add(writeTimeout)
	_ = rl.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}

// enqueue queues an outbound frame, giving up when the relay is done.
func (rl *liveRelay) enqueue(f outFrame) bool {
	select {
	case rl.out <- f:
		return true
	case <-rl.ctx.Done():
		return false
	}
}

// fail records the first error, pushes an error frame, and lets the
// writer close the socket after flushing.
func (rl *liveRelay) fail(code, message string, err error) {
	if err == nil {
		err = errors.New(message)
	}
	rl.setErr(err)
	ok := rl.enqueue(outFrame{
		payload:    protocol.ServerErrorFrame{Type: "error", Code: code, Message: message, Close: true},
		closeAfter: true,
	})
	if !ok {
		rl.cancel()
	}
}

// warn queues a warning frame; used by the tracker during drain.
func (rl *liveRelay) warn(code, message string) error {
	if rl.enqueue(outFrame{payload: protocol.ServerWarning{Type: "warning", Code: code, Message: message}}) {
		return nil
	}
	return rl.ctx.Err()
}

func (rl *liveRelay) setErr(err error) {
	if err == nil {
		return
	}
	rl.errMu.Lock()
	defer rl.errMu.Unlock()
	if rl.err == nil {
		rl.err = err
	}
}

func (rl *liveRelay) firstErr() error {
	rl.errMu.Lock()
	defer rl.errMu.Unlock()
	return rl.err
}

// writeDirectError writes an error frame before the writer goroutine
// exists (handshake failures).
func writeDirectError(conn *websocket.Conn, code, message string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteJSON(protocol.ServerErrorFrame{Type: "error", Code: code, Message: message, Close: true})
	deadline := time.Now().Add(writeTimeout)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), deadline)
}

func frameErrorCode(err error) string {
	var fe *protocol.FrameError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return "bad_request"
}

// upstreamMessage keeps upstream detail out of client-facing frames
// while preserving the taxonomy type.
func upstreamMessage(err error) string {
	var ge *gemini.Error
	if errors.As(err, &ge) {
		return fmt.Sprintf("upstream %s: %s", ge.Type, ge.Message)
	}
	return "upstream request failed"
}

func serverFrameKind(payload any) string {
	switch payload.(type) {
	case protocol.ServerHelloAck:
		return "hello_ack"
	case protocol.ServerTextDelta:
		return "text_delta"
	case protocol.ServerInputTranscript:
		return "input_transcript"
	case protocol.ServerOutputTranscript:
		return "output_transcript"
	case protocol.ServerAudioStart:
		return "audio_start"
	case protocol.ServerAudioChunk:
		return "audio_chunk"
	case protocol.ServerAudioChunkHeader:
		return "audio_chunk_header"
	case protocol.ServerAudioEnd:
		return "audio_end"
	case protocol.ServerInterrupted:
		return "interrupted"
	case protocol.ServerTurnComplete:
		return "turn_complete"
	case protocol.ServerWarning:
		return "warning"
	case protocol.ServerErrorFrame:
		return "error"
	default:
		return "other"
	}
}
