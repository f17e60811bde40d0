package gemini

// Event is one decoded occurrence on a chat or live stream. Consumers
// switch on the concrete type.
type Event interface {
	event()
}

// SetupDone signals that the live session finished its handshake and is
// ready for realtime input.
type SetupDone struct{}

// TextDelta carries one streamed fragment of assistant text.
type TextDelta struct {
	Text string
}

// AudioChunk carries one fragment of 24 kHz s16le mono assistant speech.
type AudioChunk struct {
	Data []byte
}

// InputTranscript carries the service transcription of user speech.
type InputTranscript struct {
	Text  string
	Final bool
}

// OutputTranscript carries the service transcription of assistant speech.
type OutputTranscript struct {
	Text  string
	Final bool
}

// Interrupted signals that the user barged in: any queued assistant
// audio must be flushed immediately.
type Interrupted struct{}

// TurnComplete marks the end of one assistant turn.
type TurnComplete struct{}

// SessionEnding warns that the service will close the session shortly.
type SessionEnding struct{}

func (SetupDone) event()        {}
func (TextDelta) event()        {}
func (AudioChunk) event()       {}
func (InputTranscript) event()  {}
func (OutputTranscript) event() {}
func (Interrupted) event()      {}
func (TurnComplete) event()     {}
func (SessionEnding) event()    {}
