// Package config parses flags and environment for the z04 binaries.
// Flags beat environment, environment beats defaults.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/z04-labs/z04/pkg/gemini"
)

const (
	defaultTimeout     = 120 * time.Second
	defaultAddr        = ":8082"
	defaultMaxSessions = 32
	defaultIdleTimeout = 90 * time.Second
	defaultDrain       = 10 * time.Second
	defaultStoreDir    = ".z04"
	defaultStoreFile   = "z04.db"
)

// Client configures the terminal client.
type Client struct {
	APIKey          string
	ChatModel       string
	LiveModel       string
	Voice           string
	SystemPrompt    string
	StorePath       string
	Timeout         time.Duration
	MaxOutputTokens int
	NoSpeaker       bool
	LogLevel        string
}

// Bridge configures the browser bridge daemon.
type Bridge struct {
	Addr               string
	APIKey             string
	ChatModel          string
	LiveModel          string
	Voice              string
	SystemPrompt       string
	MaxSessions        int
	SessionIdleTimeout time.Duration
	DrainTimeout       time.Duration
	AllowOrigin        string
	MetricsEnabled     bool
	LogLevel           string
}

// ParseClient parses terminal-client configuration. A missing API key
// is not an error here; the caller may prompt interactively.
func ParseClient(args []string, getenv func(string) string) (Client, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := Client{}
	fs := flag.NewFlagSet("z04", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.APIKey, "api-key", apiKeyFromEnv(getenv), "Gemini API key (or GEMINI_API_KEY / GOOGLE_API_KEY)")
	fs.StringVar(&cfg.ChatModel, "model", stringFromEnv(getenv, "Z04_CHAT_MODEL", gemini.DefaultChatModel), "chat model")
	fs.StringVar(&cfg.LiveModel, "live-model", stringFromEnv(getenv, "Z04_LIVE_MODEL", gemini.DefaultLiveModel), "live voice model")
	fs.StringVar(&cfg.Voice, "voice", stringFromEnv(getenv, "Z04_VOICE", gemini.DefaultVoice), "prebuilt voice name")
	fs.StringVar(&cfg.SystemPrompt, "system", stringFromEnv(getenv, "Z04_SYSTEM_PROMPT", ""), "optional system prompt")
	fs.StringVar(&cfg.StorePath, "store", stringFromEnv(getenv, "Z04_STORE", defaultStorePath()), "conversation store path (empty disables persistence)")
	fs.DurationVar(&cfg.Timeout, "timeout", defaultTimeout, "per-turn timeout (e.g. 120s)")
	fs.IntVar(&cfg.MaxOutputTokens, "max-tokens", 0, "max output tokens per turn (0 uses the service default)")
	fs.BoolVar(&cfg.NoSpeaker, "no-speaker", boolFromEnv(getenv, "Z04_NO_SPEAKER", false), "discard live audio instead of playing it")
	fs.StringVar(&cfg.LogLevel, "log-level", stringFromEnv(getenv, "Z04_LOG_LEVEL", "warn"), "log level: debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return Client{}, err
	}
	if err := validateClient(&cfg); err != nil {
		return Client{}, err
	}
	return cfg, nil
}

// ParseBridge parses bridge-daemon configuration. The API key is
// required; the daemon never prompts.
func ParseBridge(args []string, getenv func(string) string) (Bridge, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := Bridge{}
	fs := flag.NewFlagSet("z04-bridge", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.Addr, "addr", stringFromEnv(getenv, "Z04_ADDR", defaultAddr), "listen address")
	fs.StringVar(&cfg.APIKey, "api-key", apiKeyFromEnv(getenv), "Gemini API key (or GEMINI_API_KEY / GOOGLE_API_KEY)")
	fs.StringVar(&cfg.ChatModel, "model", stringFromEnv(getenv, "Z04_CHAT_MODEL", gemini.DefaultChatModel), "default chat model")
	fs.StringVar(&cfg.LiveModel, "live-model", stringFromEnv(getenv, "Z04_LIVE_MODEL", gemini.DefaultLiveModel), "default live voice model")
	fs.StringVar(&cfg.Voice, "voice", stringFromEnv(getenv, "Z04_VOICE", gemini.DefaultVoice), "default prebuilt voice name")
	fs.StringVar(&cfg.SystemPrompt, "system", stringFromEnv(getenv, "Z04_SYSTEM_PROMPT", ""), "optional default system prompt")
	fs.IntVar(&cfg.MaxSessions, "max-sessions", intFromEnv(getenv, "Z04_MAX_SESSIONS", defaultMaxSessions), "max concurrent live sessions")
	fs.DurationVar(&cfg.SessionIdleTimeout, "session-idle-timeout", defaultIdleTimeout, "disconnect live clients idle this long")
	fs.DurationVar(&cfg.DrainTimeout, "drain-timeout", defaultDrain, "graceful shutdown drain window")
	fs.StringVar(&cfg.AllowOrigin, "allow-origin", stringFromEnv(getenv, "Z04_ALLOW_ORIGIN", "*"), "CORS allow origin")
	fs.BoolVar(&cfg.MetricsEnabled, "metrics", boolFromEnv(getenv, "Z04_METRICS", true), "serve /metrics")
	fs.StringVar(&cfg.LogLevel, "log-level", stringFromEnv(getenv, "Z04_LOG_LEVEL", "info"), "log level: debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return Bridge{}, err
	}
	if err := validateBridge(&cfg); err != nil {
		return Bridge{}, err
	}
	return cfg, nil
}

// Level maps a config log-level name to a slog.Level.
func Level(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log-level %q", name)
	}
}

func validateClient(cfg *Client) error {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.ChatModel = strings.TrimSpace(cfg.ChatModel)
	cfg.LiveModel = strings.TrimSpace(cfg.LiveModel)
	cfg.Voice = strings.TrimSpace(cfg.Voice)
	cfg.StorePath = expandHome(strings.TrimSpace(cfg.StorePath))

	if cfg.ChatModel == "" {
		return errors.New("model must not be empty")
	}
	if cfg.LiveModel == "" {
		return errors.New("live-model must not be empty")
	}
	if cfg.Voice == "" {
		return errors.New("voice must not be empty")
	}
	if cfg.Timeout <= 0 {
		return errors.New("timeout must be > 0")
	}
	if cfg.MaxOutputTokens < 0 {
		return errors.New("max-tokens must be >= 0")
	}
	if _, err := Level(cfg.LogLevel); err != nil {
		return err
	}
	return nil
}

func validateBridge(cfg *Bridge) error {
	cfg.Addr = strings.TrimSpace(cfg.Addr)
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.ChatModel = strings.TrimSpace(cfg.ChatModel)
	cfg.LiveModel = strings.TrimSpace(cfg.LiveModel)
	cfg.Voice = strings.TrimSpace(cfg.Voice)

	if cfg.Addr == "" {
		return errors.New("addr must not be empty")
	}
	if cfg.APIKey == "" {
		return errors.New("missing API key (set GEMINI_API_KEY or GOOGLE_API_KEY)")
	}
	if cfg.ChatModel == "" {
		return errors.New("model must not be empty")
	}
	if cfg.LiveModel == "" {
		return errors.New("live-model must not be empty")
	}
	if cfg.MaxSessions <= 0 {
		return errors.New("max-sessions must be > 0")
	}
	if cfg.SessionIdleTimeout <= 0 {
		return errors.New("session-idle-timeout must be > 0")
	}
	if cfg.DrainTimeout <= 0 {
		return errors.New("drain-timeout must be > 0")
	}
	if _, err := Level(cfg.LogLevel); err != nil {
		return err
	}
	return nil
}

func apiKeyFromEnv(getenv func(string) string) string {
	if key := strings.TrimSpace(getenv("GEMINI_API_KEY")); key != "" {
		return key
	}
	return strings.TrimSpace(getenv("GOOGLE_API_KEY"))
}

func stringFromEnv(getenv func(string) string, key, fallback string) string {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		return v
	}
	return fallback
}

func intFromEnv(getenv func(string) string, key string, fallback int) int {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func boolFromEnv(getenv func(string) string, key string, fallback bool) bool {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultStoreFile
	}
	return filepath.Join(home, defaultStoreDir, defaultStoreFile)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
