package main

import (
	"net/http"
	"testing"
	"time"

	"github.com/z04-labs/z04/internal/config"
)

func TestBridgeConfig_MapsAllFields(t *testing.T) {
	t.Parallel()

	in := config.Bridge{
		ChatModel:          "gemini-2.5-pro",
		LiveModel:          "gemini-live-2.5-flash-preview",
		Voice:              "Kore",
		SystemPrompt:       "be brief",
		MaxSessions:        7,
		SessionIdleTimeout: 45 * time.Second,
		AllowOrigin:        "http://localhost:5173",
		MetricsEnabled:     true,
	}
	out := bridgeConfig(in)

	if out.ChatModel != in.ChatModel {
		t.Fatalf("ChatModel = %q, want %q", out.ChatModel, in.ChatModel)
	}
	if out.LiveModel != in.LiveModel {
		t.Fatalf("LiveModel = %q, want %q", out.LiveModel, in.LiveModel)
	}
	if out.Voice != in.Voice {
		t.Fatalf("Voice = %q, want %q", out.Voice, in.Voice)
	}
	if out.SystemPrompt != in.SystemPrompt {
		t.Fatalf("SystemPrompt = %q, want %q", out.SystemPrompt, in.SystemPrompt)
	}
	if out.MaxSessions != in.MaxSessions {
		t.Fatalf("MaxSessions = %d, want %d", out.MaxSessions, in.MaxSessions)
	}
	if out.SessionIdleTimeout != in.SessionIdleTimeout {
		t.Fatalf("SessionIdleTimeout = %v, want %v", out.SessionIdleTimeout, in.SessionIdleTimeout)
	}
	if out.AllowOrigin != in.AllowOrigin {
		t.Fatalf("AllowOrigin = %q, want %q", out.AllowOrigin, in.AllowOrigin)
	}
	if !out.MetricsEnabled {
		t.Fatal("MetricsEnabled = false, want true")
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	cfg := config.Bridge{Addr: "127.0.0.1:9999"}
	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr = %q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout <= 0 {
		t.Fatalf("ReadHeaderTimeout = %v, want > 0", srv.ReadHeaderTimeout)
	}
}
