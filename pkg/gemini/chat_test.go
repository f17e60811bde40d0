package gemini

import (
	"context"
	"testing"
)

func TestHistoryContents_NormalizesRolesAndSkipsEmpty(t *testing.T) {
	t.Parallel()

	contents := historyContents([]Message{
		{Role: RoleUser, Text: "hi"},
		{Role: RoleModel, Text: "hello"},
		{Role: "assistant", Text: "legacy role"},
		{Role: RoleUser, Text: "   "},
	})

	if len(contents) != 3 {
		t.Fatalf("len(contents)=%d, want 3", len(contents))
	}
	if contents[0].Role != RoleUser || contents[1].Role != RoleModel {
		t.Fatalf("roles=%q,%q, want user,model", contents[0].Role, contents[1].Role)
	}
	if contents[2].Role != RoleUser {
		t.Fatalf("unknown role mapped to %q, want %q", contents[2].Role, RoleUser)
	}
	if got := contents[0].Parts[0].Text; got != "hi" {
		t.Fatalf("text=%q, want %q", got, "hi")
	}
}

func TestHistoryContents_Empty(t *testing.T) {
	t.Parallel()

	if got := historyContents(nil); got != nil {
		t.Fatalf("historyContents(nil)=%v, want nil", got)
	}
}

func TestNewClient_RequiresAPIKey(t *testing.T) {
	t.Parallel()

	_, err := NewClient(context.Background(), "   ")
	if err == nil {
		t.Fatalf("expected error for empty api key")
	}
	ge, ok := err.(*Error)
	if !ok || ge.Type != ErrAuthentication {
		t.Fatalf("err=%v, want authentication_error", err)
	}
}

func TestChatStream_ErrAndTextAccessors(t *testing.T) {
	t.Parallel()

	st := &ChatStream{
		events: make(chan Event, 1),
		done:   make(chan struct{}),
	}
	if st.Err() != nil {
		t.Fatalf("Err()=%v before any failure, want nil", st.Err())
	}

	st.appendText("partial ")
	st.appendText("reply")
	if st.Text() != "partial reply" {
		t.Fatalf("Text()=%q, want %q", st.Text(), "partial reply")
	}

	first := NewAPIError("first")
	st.setErr(first)
	st.setErr(NewAPIError("second"))
	if st.Err() != first {
		t.Fatalf("Err()=%v, want first error to win", st.Err())
	}

	st.setUsage(Usage{InputTokens: 3, OutputTokens: 7, TotalTokens: 10})
	if u := st.Usage(); u.TotalTokens != 10 || u.InputTokens != 3 {
		t.Fatalf("Usage()=%+v, want totals recorded", u)
	}
}
