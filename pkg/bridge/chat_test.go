package bridge

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/z04-labs/z04/pkg/gemini"
)

type sseEvent struct {
	name string
	data map[string]any
}

func parseSSE(t *testing.T, r io.Reader) []sseEvent {
	t.Helper()
	raw, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read sse body: %v", err)
	}
	var events []sseEvent
	for _, block := range strings.Split(string(raw), "\n\n") {
		if strings.TrimSpace(block) == "" {
			continue
		}
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			if strings.HasPrefix(line, "event: ") {
				ev.name = strings.TrimPrefix(line, "event: ")
			} else if strings.HasPrefix(line, "data: ") {
				payload := strings.TrimPrefix(line, "data: ")
				if err := json.Unmarshal([]byte(payload), &ev.data); err != nil {
					t.Fatalf("decode sse data %q: %v", payload, err)
				}
			}
		}
		events = append(events, ev)
	}
	return events
}

func TestChatStreamsSSE(t *testing.T) {
	t.Parallel()
	up := newFakeUpstream()
	up.chatTurns = []fakeChatTurn{{
		deltas: []string{"Hel", "lo"},
		text:   "Hello",
		usage:  gemini.Usage{InputTokens: 3, OutputTokens: 5, TotalTokens: 8},
	}}
	ts, _ := newTestServer(t, Config{}, up)

	body := `{"messages":[
		{"role":"user","text":"earlier"},
		{"role":"model","text":"before"},
		{"role":"user","text":"hi"}
	]}`
	resp, err := http.Post(ts.URL+"/v1/chat", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content-type = %q, want text/event-stream", ct)
	}

	events := parseSSE(t, resp.Body)
	if len(events) != 3 {
		t.Fatalf("got %d events (%v), want 3", len(events), events)
	}
	if events[0].name != "message_delta" || events[0].data["text"] != "Hel" {
		t.Errorf("event 0 = %v", events[0])
	}
	if events[1].name != "message_delta" || events[1].data["text"] != "lo" {
		t.Errorf("event 1 = %v", events[1])
	}
	done := events[2]
	if done.name != "message_done" {
		t.Fatalf("event 2 = %v, want message_done", done)
	}
	if done.data["text"] != "Hello" {
		t.Errorf("done text = %q, want Hello", done.data["text"])
	}
	if done.data["model"] != "test-chat-model" {
		t.Errorf("done model = %q, want test-chat-model", done.data["model"])
	}
	usage, _ := done.data["usage"].(map[string]any)
	if usage["total_tokens"].(float64) != 8 {
		t.Errorf("usage = %v, want total_tokens 8", usage)
	}

	select {
	case chat := <-up.chats:
		if len(chat.cfg.History) != 2 {
			t.Errorf("history len = %d, want 2", len(chat.cfg.History))
		}
		if sent := chat.sentTexts(); len(sent) != 1 || sent[0] != "hi" {
			t.Errorf("sent = %q, want [hi]", sent)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("upstream chat never created")
	}
}

func TestChatMidStreamErrorEvent(t *testing.T) {
	t.Parallel()
	up := newFakeUpstream()
	up.chatTurns = []fakeChatTurn{{
		deltas: []string{"par"},
		err:    gemini.NewAPIError("boom"),
	}}
	ts, _ := newTestServer(t, Config{}, up)

	body := `{"messages":[{"role":"user","text":"hi"}]}`
	resp, err := http.Post(ts.URL+"/v1/chat", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (stream already started)", resp.StatusCode)
	}

	events := parseSSE(t, resp.Body)
	if len(events) != 2 {
		t.Fatalf("got %d events (%v), want 2", len(events), events)
	}
	if events[0].name != "message_delta" {
		t.Errorf("event 0 = %v, want message_delta", events[0])
	}
	if events[1].name != "error" {
		t.Fatalf("event 1 = %v, want error", events[1])
	}
	errObj, _ := events[1].data["error"].(map[string]any)
	if errObj["type"] != "api_error" {
		t.Errorf("error type = %q, want api_error", errObj["type"])
	}
}

func TestChatRejectsBadRequests(t *testing.T) {
	t.Parallel()
	up := newFakeUpstream()
	ts, _ := newTestServer(t, Config{}, up)

	tests := []struct {
		name string
		body string
	}{
		{"empty messages", `{"messages":[]}`},
		{"last message not user", `{"messages":[{"role":"model","text":"hi"}]}`},
		{"blank text", `{"messages":[{"role":"user","text":"   "}]}`},
		{"invalid json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/v1/chat", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			var envelope struct {
				Error *gemini.Error `json:"error"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
				t.Fatalf("decode envelope: %v", err)
			}
			if envelope.Error == nil || envelope.Error.Type != gemini.ErrInvalidRequest {
				t.Errorf("error = %+v, want invalid_request_error", envelope.Error)
			}
		})
	}

	resp, err := http.Get(ts.URL + "/v1/chat")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", resp.StatusCode)
	}
}

func TestChatMapsUpstreamErrorStatus(t *testing.T) {
	t.Parallel()
	up := newFakeUpstream()
	up.chatErr = gemini.NewRateLimitError("slow down", 2)
	ts, _ := newTestServer(t, Config{}, up)

	body := `{"messages":[{"role":"user","text":"hi"}]}`
	resp, err := http.Post(ts.URL+"/v1/chat", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	var envelope struct {
		Error *gemini.Error `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.Error == nil || envelope.Error.Type != gemini.ErrRateLimit {
		t.Errorf("error = %+v, want rate_limit_error", envelope.Error)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t, Config{}, newFakeUpstream())

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if strings.TrimSpace(string(body)) != `{"status":"ok"}` {
		t.Errorf("body = %q", body)
	}
}

func TestIndexPage(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t, Config{}, newFakeUpstream())

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content-type = %q, want text/html", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "<title>z04</title>") {
		t.Error("index page missing title")
	}

	missing, err := http.Get(ts.URL + "/no-such-page")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", missing.StatusCode)
	}
}

func TestMetricsExposed(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t, Config{}, newFakeUpstream())

	if resp, err := http.Get(ts.URL + "/healthz"); err == nil {
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	for _, metric := range []string{"z04_live_sessions_active", "z04_request_duration_seconds"} {
		if !strings.Contains(string(body), metric) {
			t.Errorf("metrics output missing %s", metric)
		}
	}
}

func TestRequestIDEchoed(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t, Config{}, newFakeUpstream())

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	id := resp.Header.Get("X-Request-ID")
	if !strings.HasPrefix(id, "req_") {
		t.Errorf("X-Request-ID = %q, want req_ prefix", id)
	}
}
