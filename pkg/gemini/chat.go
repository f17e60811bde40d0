package gemini

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"google.golang.org/genai"
)

const (
	chatStreamBuffer = 64
	chatMaxRetries   = 2
	chatRetryBase    = 500 * time.Millisecond
)

// Message is one text turn of a conversation.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// ChatConfig shapes a multi-turn text conversation.
type ChatConfig struct {
	Model             string
	SystemInstruction string
	Temperature       *float32
	MaxOutputTokens   int32
	History           []Message
}

// Usage reports token accounting for one turn.
type Usage struct {
	InputTokens  int32
	OutputTokens int32
	TotalTokens  int32
}

// Chat is a stateful text conversation. Not safe for concurrent turns.
type Chat struct {
	client *Client
	model  string
	inner  *genai.Chat
}

// NewChat creates a conversation, optionally seeded with history.
func (c *Client) NewChat(ctx context.Context, cfg ChatConfig) (*Chat, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultChatModel
	}

	gcfg := &genai.GenerateContentConfig{}
	if s := strings.TrimSpace(cfg.SystemInstruction); s != "" {
		gcfg.SystemInstruction = textContent("", s)
	}
	if cfg.Temperature != nil {
		gcfg.Temperature = cfg.Temperature
	}
	if cfg.MaxOutputTokens > 0 {
		gcfg.MaxOutputTokens = cfg.MaxOutputTokens
	}

	inner, err := c.genai.Chats.Create(ctx, model, gcfg, historyContents(cfg.History))
	if err != nil {
		return nil, FromSDK(err)
	}
	return &Chat{client: c, model: model, inner: inner}, nil
}

// Model returns the model this chat was created with.
func (ch *Chat) Model() string {
	return ch.model
}

// History returns the curated conversation so far, text parts only.
func (ch *Chat) History() []Message {
	var msgs []Message
	for _, content := range ch.inner.History(true) {
		if content == nil {
			continue
		}
		var b strings.Builder
		for _, part := range content.Parts {
			if part == nil || part.Thought {
				continue
			}
			b.WriteString(part.Text)
		}
		if b.Len() == 0 {
			continue
		}
		msgs = append(msgs, Message{Role: content.Role, Text: b.String()})
	}
	return msgs
}

// SendStream sends one user turn and streams the reply. The returned
// stream's Events channel carries TextDelta events and a final
// TurnComplete; Err reports the terminal error after Done.
//
// Transient upstream failures are retried with capped exponential
// backoff, but only while no delta has been emitted yet. A turn that
// already produced output is never resent.
func (ch *Chat) SendStream(ctx context.Context, text string) (*ChatStream, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, NewInvalidRequestErrorWithParam("message text is empty", "text")
	}

	st := &ChatStream{
		events: make(chan Event, chatStreamBuffer),
		done:   make(chan struct{}),
	}
	go st.run(ctx, ch, text)
	return st, nil
}

// ChatStream is one in-flight streamed turn.
type ChatStream struct {
	events chan Event
	done   chan struct{}

	mu    sync.Mutex
	err   *Error
	text  strings.Builder
	usage Usage
}

// Events yields TextDelta events followed by TurnComplete. The channel
// closes when the turn finishes, fails, or the context ends.
func (st *ChatStream) Events() <-chan Event {
	return st.events
}

// Done closes when the turn has fully settled.
func (st *ChatStream) Done() <-chan struct{} {
	return st.done
}

// Err returns the terminal error, if any. Stable once Done is closed.
func (st *ChatStream) Err() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.err == nil {
		return nil
	}
	return st.err
}

// Text returns the reply accumulated so far.
func (st *ChatStream) Text() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.text.String()
}

// Usage returns token usage for the turn. Valid once Done is closed.
func (st *ChatStream) Usage() Usage {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.usage
}

func (st *ChatStream) run(ctx context.Context, ch *Chat, text string) {
	defer close(st.done)
	defer close(st.events)

	emitted := false
	backoff := retry.WithMaxRetries(chatMaxRetries, retry.NewExponential(chatRetryBase))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		for resp, err := range ch.inner.SendMessageStream(ctx, genai.Part{Text: text}) {
			if err != nil {
				mapped := FromSDK(err)
				if !emitted && mapped.IsRetryable() {
					return retry.RetryableError(mapped)
				}
				return mapped
			}
			if resp == nil {
				continue
			}
			if delta := resp.Text(); delta != "" {
				emitted = true
				st.appendText(delta)
				if !st.emit(ctx, TextDelta{Text: delta}) {
					return FromSDK(ctx.Err())
				}
			}
			if um := resp.UsageMetadata; um != nil {
				st.setUsage(Usage{
					InputTokens:  um.PromptTokenCount,
					OutputTokens: um.CandidatesTokenCount,
					TotalTokens:  um.TotalTokenCount,
				})
			}
		}
		return nil
	})
	if err != nil {
		st.setErr(FromSDK(err))
		return
	}
	st.emit(ctx, TurnComplete{})
}

// emit delivers ev unless the context ends first.
func (st *ChatStream) emit(ctx context.Context, ev Event) bool {
	select {
	case st.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (st *ChatStream) appendText(delta string) {
	st.mu.Lock()
	st.text.WriteString(delta)
	st.mu.Unlock()
}

func (st *ChatStream) setUsage(u Usage) {
	st.mu.Lock()
	st.usage = u
	st.mu.Unlock()
}

func (st *ChatStream) setErr(err *Error) {
	st.mu.Lock()
	if st.err == nil {
		st.err = err
	}
	st.mu.Unlock()
}

func textContent(role, text string) *genai.Content {
	return &genai.Content{Role: role, Parts: []*genai.Part{{Text: text}}}
}

func historyContents(history []Message) []*genai.Content {
	if len(history) == 0 {
		return nil
	}
	contents := make([]*genai.Content, 0, len(history))
	for _, msg := range history {
		role := msg.Role
		if role != RoleModel {
			role = RoleUser
		}
		if strings.TrimSpace(msg.Text) == "" {
			continue
		}
		contents = append(contents, textContent(role, msg.Text))
	}
	return contents
}
