package bridge

import (
	"context"

	"github.com/z04-labs/z04/pkg/gemini"
)

// Upstream is the slice of the model client the bridge drives. It is
// an interface so tests can stand in for the hosted service.
type Upstream interface {
	ConnectLive(ctx context.Context, cfg gemini.LiveConfig) (LiveSession, error)
	NewChat(ctx context.Context, cfg gemini.ChatConfig) (Chat, error)
}

// LiveSession is one bidirectional upstream voice session.
type LiveSession interface {
	Events() <-chan gemini.Event
	SendAudio(pcm []byte) error
	SendText(text string) error
	Close() error
	Err() error
}

// Chat is one stateful upstream text conversation.
type Chat interface {
	Model() string
	SendStream(ctx context.Context, text string) (ChatStream, error)
}

// ChatStream is one streamed chat turn.
type ChatStream interface {
	Events() <-chan gemini.Event
	Done() <-chan struct{}
	Err() error
	Text() string
	Usage() gemini.Usage
}

// NewGeminiUpstream adapts a gemini.Client to the Upstream interface.
func NewGeminiUpstream(client *gemini.Client) Upstream {
	return &geminiUpstream{client: client}
}

type geminiUpstream struct {
	client *gemini.Client
}

func (u *geminiUpstream) ConnectLive(ctx context.Context, cfg gemini.LiveConfig) (LiveSession, error) {
	sess, err := u.client.ConnectLive(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (u *geminiUpstream) NewChat(ctx context.Context, cfg gemini.ChatConfig) (Chat, error) {
	chat, err := u.client.NewChat(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return geminiChat{inner: chat}, nil
}

type geminiChat struct {
	inner *gemini.Chat
}

func (c geminiChat) Model() string {
	return c.inner.Model()
}

func (c geminiChat) SendStream(ctx context.Context, text string) (ChatStream, error) {
	st, err := c.inner.SendStream(ctx, text)
	if err != nil {
		return nil, err
	}
	return st, nil
}
