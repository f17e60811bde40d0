// Package gemini wraps the google.golang.org/genai SDK behind the small
// surface Z04 needs: streaming text chat and bidirectional live audio
// sessions. Nothing outside this package imports the vendor SDK.
package gemini

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

// Default models and voice. Overridable per chat or live session.
const (
	DefaultChatModel = "gemini-2.5-flash"
	DefaultLiveModel = "gemini-live-2.5-flash-preview"
	DefaultVoice     = "Puck"
)

// Message roles on the wire.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Client is the entry point for chat and live sessions.
type Client struct {
	genai      *genai.Client
	logger     *slog.Logger
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient overrides the HTTP client used for chat requests.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a client against the Gemini API backend.
func NewClient(ctx context.Context, apiKey string, opts ...ClientOption) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, NewAuthenticationError("missing API key (set GEMINI_API_KEY)")
	}

	c := &Client{logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}

	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: c.httpClient,
	})
	if err != nil {
		return nil, FromSDK(err)
	}
	c.genai = gc
	return c, nil
}
