package bridge

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/z04-labs/z04/pkg/gemini"
)

const maxChatBodyBytes = 1 << 20

type chatRequest struct {
	Model    string           `json:"model,omitempty"`
	System   string           `json:"system,omitempty"`
	Messages []gemini.Message `json:"messages"`
}

type chatDeltaEvent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type chatUsage struct {
	InputTokens  int32 `json:"input_tokens"`
	OutputTokens int32 `json:"output_tokens"`
	TotalTokens  int32 `json:"total_tokens"`
}

type chatDoneEvent struct {
	Type  string    `json:"type"`
	Text  string    `json:"text"`
	Model string    `json:"model"`
	Usage chatUsage `json:"usage"`
}

type chatErrorEvent struct {
	Type  string        `json:"type"`
	Error *gemini.Error `json:"error"`
}

// handleChat runs one stateless chat turn and streams the reply as
// server-sent events. The caller supplies prior turns in the request;
// the bridge keeps no conversation state between requests.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed,
			gemini.NewInvalidRequestError("method not allowed, use POST"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxChatBodyBytes)
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSONError(w, http.StatusRequestEntityTooLarge,
				gemini.NewInvalidRequestError("request body too large"))
			return
		}
		writeJSONError(w, http.StatusBadRequest,
			gemini.NewInvalidRequestError("invalid JSON body"))
		return
	}

	if len(req.Messages) == 0 {
		writeJSONError(w, http.StatusBadRequest,
			gemini.NewInvalidRequestErrorWithParam("messages must not be empty", "messages"))
		return
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != gemini.RoleUser {
		writeJSONError(w, http.StatusBadRequest,
			gemini.NewInvalidRequestErrorWithParam("last message must have role \"user\"", "messages"))
		return
	}
	text := strings.TrimSpace(last.Text)
	if text == "" {
		writeJSONError(w, http.StatusBadRequest,
			gemini.NewInvalidRequestErrorWithParam("last message text must not be empty", "messages"))
		return
	}

	model := req.Model
	if model == "" {
		model = s.cfg.ChatModel
	}
	system := req.System
	if system == "" {
		system = s.cfg.SystemPrompt
	}

	sw, err := newSSEWriter(w)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, gemini.NewAPIError(err.Error()))
		return
	}

	ctx := r.Context()
	chat, err := s.upstream.NewChat(ctx, gemini.ChatConfig{
		Model:             model,
		SystemInstruction: system,
		History:           req.Messages[:len(req.Messages)-1],
	})
	if err != nil {
		s.metrics.RecordChatTurn("error")
		writeUpstreamError(w, err)
		return
	}
	st, err := chat.SendStream(ctx, text)
	if err != nil {
		s.metrics.RecordChatTurn("error")
		writeUpstreamError(w, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for ev := range st.Events() {
		td, ok := ev.(gemini.TextDelta)
		if !ok {
			continue
		}
		if err := sw.send("message_delta", chatDeltaEvent{Type: "message_delta", Text: td.Text}); err != nil {
			// Client went away; the request context cancels the stream.
			s.metrics.RecordChatTurn("error")
			return
		}
	}

	if err := st.Err(); err != nil {
		s.metrics.RecordChatTurn("error")
		var ge *gemini.Error
		if !errors.As(err, &ge) {
			ge = gemini.NewAPIError("upstream request failed")
		}
		_ = sw.send("error", chatErrorEvent{Type: "error", Error: ge})
		return
	}

	usage := st.Usage()
	done := chatDoneEvent{
		Type:  "message_done",
		Text:  st.Text(),
		Model: chat.Model(),
		Usage: chatUsage{
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
			TotalTokens:  usage.TotalTokens,
		},
	}
	if err := sw.send("message_done", done); err != nil {
		s.metrics.RecordChatTurn("error")
		return
	}
	s.metrics.RecordChatTurn("ok")
	s.logger.Debug("chat turn complete",
		"model", done.Model,
		"chars", len(done.Text),
		"total_tokens", usage.TotalTokens)
}

type errorEnvelope struct {
	Error *gemini.Error `json:"error"`
}

func writeJSONError(w http.ResponseWriter, status int, e *gemini.Error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: e})
}

func writeUpstreamError(w http.ResponseWriter, err error) {
	var ge *gemini.Error
	if !errors.As(err, &ge) {
		ge = gemini.NewAPIError("upstream request failed")
	}
	writeJSONError(w, httpStatusFor(ge), ge)
}

func httpStatusFor(e *gemini.Error) int {
	if e.HTTPStatus != 0 {
		return e.HTTPStatus
	}
	switch e.Type {
	case gemini.ErrInvalidRequest:
		return http.StatusBadRequest
	case gemini.ErrAuthentication:
		return http.StatusUnauthorized
	case gemini.ErrPermission:
		return http.StatusForbidden
	case gemini.ErrNotFound:
		return http.StatusNotFound
	case gemini.ErrRateLimit:
		return http.StatusTooManyRequests
	case gemini.ErrOverloaded:
		return http.StatusServiceUnavailable
	case gemini.ErrConnection:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
