// Package protocol defines the JSON frames spoken on the bridge's
// /v1/live websocket.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ProtocolVersion1 = "1"

	ModeVoice = "voice"
	ModeChat  = "chat"

	AudioTransportBinary     = "binary"
	AudioTransportBase64JSON = "base64_json"

	EncodingPCMS16LE = "pcm_s16le"

	// MaxJSONFrameBytes caps any JSON frame in either direction.
	MaxJSONFrameBytes = 64 << 10
	// MaxAudioFrameBytes caps one microphone frame's PCM payload.
	MaxAudioFrameBytes = 32 << 10
)

// FrameError reports a client frame the bridge refuses to process.
type FrameError struct {
	Code    string
	Message string
	Param   string
}

func (e *FrameError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *FrameError {
	return &FrameError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *FrameError {
	return &FrameError{Code: "unsupported", Message: message, Param: param}
}

// AudioFormat describes the PCM shape on one side of the socket.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

// HelloFeatures carries optional client capabilities and wishes.
type HelloFeatures struct {
	AudioTransport        string `json:"audio_transport,omitempty"`
	WantInputTranscripts  bool   `json:"want_input_transcripts,omitempty"`
	WantOutputTranscripts bool   `json:"want_output_transcripts,omitempty"`
}

// ClientHello opens a session. It must be the first frame.
type ClientHello struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	Mode            string        `json:"mode"`
	Model           string        `json:"model,omitempty"`
	System          string        `json:"system,omitempty"`
	Voice           string        `json:"voice,omitempty"`
	AudioIn         AudioFormat   `json:"audio_in,omitempty"`
	AudioOut        AudioFormat   `json:"audio_out,omitempty"`
	Features        HelloFeatures `json:"features,omitempty"`
}

// ClientText is one typed user turn.
type ClientText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ClientAudioFrame carries one microphone frame on the base64
// transport. On the binary transport raw PCM arrives as binary
// websocket messages instead.
type ClientAudioFrame struct {
	Type    string `json:"type"`
	Seq     int64  `json:"seq,omitempty"`
	DataB64 string `json:"data_b64"`
}

// ClientPlaybackMark reports browser-side playback progress.
type ClientPlaybackMark struct {
	Type       string `json:"type"`
	PlayedMS   int64  `json:"played_ms"`
	BufferedMS int64  `json:"buffered_ms,omitempty"`
	State      string `json:"state,omitempty"`
}

// ClientControl carries an in-band control operation.
type ClientControl struct {
	Type string `json:"type"`
	Op   string `json:"op"`
}

// DecodeClientFrame parses and validates one client JSON frame.
// It returns one of the Client* types or a *FrameError.
func DecodeClientFrame(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "hello":
		var msg ClientHello
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid hello frame", "")
		}
		if err := ValidateHello(&msg); err != nil {
			return nil, err
		}
		return msg, nil
	case "text":
		var msg ClientText
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid text frame", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("text.text is required", "text")
		}
		return msg, nil
	case "audio_frame":
		var msg ClientAudioFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_frame", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("audio_frame.data_b64 is required", "data_b64")
		}
		if msg.Seq < 0 {
			return nil, badRequest("audio_frame.seq must be >= 0", "seq")
		}
		return msg, nil
	case "playback_mark":
		var msg ClientPlaybackMark
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid playback_mark", "")
		}
		if msg.PlayedMS < 0 {
			return nil, badRequest("playback_mark.played_ms must be >= 0", "played_ms")
		}
		if msg.BufferedMS < 0 {
			return nil, badRequest("playback_mark.buffered_ms must be >= 0", "buffered_ms")
		}
		return msg, nil
	case "control":
		var msg ClientControl
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid control", "")
		}
		op := strings.TrimSpace(msg.Op)
		if op == "" {
			return nil, badRequest("control.op is required", "op")
		}
		switch op {
		case "interrupt", "end_turn", "end_session":
		default:
			return nil, unsupported("unsupported control operation", "op")
		}
		msg.Op = op
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// ValidateHello checks a hello frame and normalizes defaults in place.
func ValidateHello(msg *ClientHello) error {
	msg.ProtocolVersion = strings.TrimSpace(msg.ProtocolVersion)
	msg.Mode = strings.TrimSpace(msg.Mode)
	msg.Model = strings.TrimSpace(msg.Model)
	msg.Voice = strings.TrimSpace(msg.Voice)
	msg.Features.AudioTransport = strings.TrimSpace(msg.Features.AudioTransport)

	if msg.ProtocolVersion == "" {
		return badRequest("hello.protocol_version is required", "protocol_version")
	}
	if msg.ProtocolVersion != ProtocolVersion1 {
		return unsupported("unsupported protocol version", "protocol_version")
	}
	switch msg.Mode {
	case ModeVoice, ModeChat:
	case "":
		return badRequest("hello.mode is required", "mode")
	default:
		return unsupported("unsupported mode", "mode")
	}

	switch msg.Features.AudioTransport {
	case "":
		msg.Features.AudioTransport = AudioTransportBase64JSON
	case AudioTransportBinary, AudioTransportBase64JSON:
	default:
		return unsupported("unsupported audio transport", "features.audio_transport")
	}

	if msg.Mode == ModeChat {
		return nil
	}
	if err := validateAudioFormat("audio_in", msg.AudioIn, 16000); err != nil {
		return err
	}
	return validateAudioFormat("audio_out", msg.AudioOut, 24000)
}

// The upstream voice service speaks fixed-rate mono PCM; anything else
// in a hello is refused rather than resampled.
func validateAudioFormat(field string, f AudioFormat, wantRate int) error {
	if strings.TrimSpace(f.Encoding) == "" {
		return badRequest("hello."+field+".encoding is required", field+".encoding")
	}
	if f.Encoding != EncodingPCMS16LE {
		return unsupported("unsupported audio encoding", field+".encoding")
	}
	if f.SampleRateHz != wantRate {
		return unsupported(fmt.Sprintf("hello.%s.sample_rate_hz must be %d", field, wantRate), field+".sample_rate_hz")
	}
	if f.Channels != 1 {
		return unsupported("hello."+field+".channels must be 1", field+".channels")
	}
	return nil
}

// HelloAckLimits tells the client what the bridge will accept.
type HelloAckLimits struct {
	MaxAudioFrameBytes  int `json:"max_audio_frame_bytes"`
	MaxJSONMessageBytes int `json:"max_json_message_bytes"`
}

// ServerHelloAck confirms a session after a valid hello.
type ServerHelloAck struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	SessionID       string         `json:"session_id"`
	Mode            string         `json:"mode"`
	Model           string         `json:"model"`
	AudioTransport  string         `json:"audio_transport"`
	AudioIn         *AudioFormat   `json:"audio_in,omitempty"`
	AudioOut        *AudioFormat   `json:"audio_out,omitempty"`
	Limits          HelloAckLimits `json:"limits"`
}

// ServerTextDelta streams assistant text as it is generated.
type ServerTextDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ServerInputTranscript streams the user's speech transcription.
type ServerInputTranscript struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Final bool   `json:"final,omitempty"`
}

// ServerOutputTranscript streams the assistant's speech transcription.
type ServerOutputTranscript struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Final bool   `json:"final,omitempty"`
}

// ServerAudioStart opens assistant audio for one turn.
type ServerAudioStart struct {
	Type   string      `json:"type"`
	Turn   int64       `json:"turn"`
	Format AudioFormat `json:"format"`
}

// ServerAudioChunk carries assistant PCM on the base64 transport.
type ServerAudioChunk struct {
	Type    string `json:"type"`
	Turn    int64  `json:"turn"`
	Seq     int64  `json:"seq"`
	DataB64 string `json:"data_b64"`
}

// ServerAudioChunkHeader precedes one binary websocket message
// holding raw PCM on the binary transport.
type ServerAudioChunkHeader struct {
	Type  string `json:"type"`
	Turn  int64  `json:"turn"`
	Seq   int64  `json:"seq"`
	Bytes int    `json:"bytes"`
}

// ServerAudioEnd closes assistant audio for one turn.
type ServerAudioEnd struct {
	Type string `json:"type"`
	Turn int64  `json:"turn"`
}

// ServerInterrupted tells the client to drop buffered audio for turn.
type ServerInterrupted struct {
	Type string `json:"type"`
	Turn int64  `json:"turn"`
}

// ServerTurnComplete marks the end of one assistant turn.
type ServerTurnComplete struct {
	Type string `json:"type"`
	Turn int64  `json:"turn"`
}

// ServerWarning reports a recoverable problem.
type ServerWarning struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ServerErrorFrame reports a fatal problem. Close set means the bridge
// closes the socket right after.
type ServerErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Close   bool   `json:"close,omitempty"`
}
