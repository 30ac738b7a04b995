package outparse

import (
	"strings"
	"testing"
)

func TestParseResultEnvelope(t *testing.T) {
	raw := []byte(`{"result":"All done.","session_id":"sess-42","files_created":["a.go"]}`)
	res := Parse(raw, 0)
	if res.Text != "All done." {
		t.Errorf("expected text %q, got %q", "All done.", res.Text)
	}
	if res.SessionID != "sess-42" {
		t.Errorf("expected session id, got %q", res.SessionID)
	}
	if len(res.FilesCreated) != 1 || res.FilesCreated[0] != "a.go" {
		t.Errorf("unexpected files created: %v", res.FilesCreated)
	}
	if len(res.Errors) != 0 {
		t.Errorf("unexpected errors: %v", res.Errors)
	}
}

func TestParseContentBlocks(t *testing.T) {
	raw := []byte(`{
		"content": [
			{"type":"text","text":"Let me check."},
			{"type":"tool_use","id":"toolu_1","name":"read_file","input":{"path":"main.go"}},
			{"type":"text","text":"Looks fine."}
		]
	}`)
	res := Parse(raw, 0)

	if res.Text != "Let me check.\n\nLooks fine." {
		t.Errorf("unexpected text: %q", res.Text)
	}
	if len(res.Invocations) != 1 {
		t.Fatalf("expected 1 invocation, got %d", len(res.Invocations))
	}
	inv := res.Invocations[0]
	if inv.ID != "toolu_1" || inv.Name != "read_file" {
		t.Errorf("unexpected invocation: %+v", inv)
	}
	if !strings.Contains(string(inv.Input), `"main.go"`) {
		t.Errorf("input not preserved: %s", inv.Input)
	}
}

func TestParseMessageEnvelope(t *testing.T) {
	raw := []byte(`{"message":{"content":[{"type":"text","text":"nested"}]}}`)
	res := Parse(raw, 0)
	if res.Text != "nested" {
		t.Errorf("expected nested content, got %q", res.Text)
	}
}

func TestParseContentString(t *testing.T) {
	raw := []byte(`{"content":"plain string content"}`)
	res := Parse(raw, 0)
	if res.Text != "plain string content" {
		t.Errorf("unexpected text: %q", res.Text)
	}
}

func TestParseToolResultBlockRenderedInline(t *testing.T) {
	raw := []byte(`{"content":[{"type":"tool_result","tool_use_id":"toolu_9","content":"42 passed"}]}`)
	res := Parse(raw, 0)
	if !strings.Contains(res.Text, "[tool result toolu_9]") || !strings.Contains(res.Text, "42 passed") {
		t.Errorf("unexpected text: %q", res.Text)
	}
	if len(res.Invocations) != 0 {
		t.Errorf("tool_result must not become an invocation: %v", res.Invocations)
	}
}

func TestParseIsError(t *testing.T) {
	raw := []byte(`{"result":"something broke","is_error":true}`)
	res := Parse(raw, 0)
	if len(res.Errors) != 1 || res.Errors[0] != "something broke" {
		t.Errorf("unexpected errors: %v", res.Errors)
	}
}

func TestParseExitCode(t *testing.T) {
	res := Parse([]byte(`{"result":"partial"}`), 3)
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "exited with code 3") {
		t.Errorf("unexpected errors: %v", res.Errors)
	}
	if res.Text != "partial" {
		t.Errorf("payload should still parse: %q", res.Text)
	}
}

func TestParsePlainText(t *testing.T) {
	t.Run("Strips ANSI And Scrapes Files", func(t *testing.T) {
		raw := []byte("\x1b[32mdone\x1b[0m\nCreated file: src/new.go\nModified file: go.mod\n")
		res := Parse(raw, 0)
		if strings.Contains(res.Text, "\x1b") {
			t.Errorf("ANSI codes survived: %q", res.Text)
		}
		if len(res.FilesCreated) != 1 || res.FilesCreated[0] != "src/new.go" {
			t.Errorf("unexpected files created: %v", res.FilesCreated)
		}
		if len(res.FilesModified) != 1 || res.FilesModified[0] != "go.mod" {
			t.Errorf("unexpected files modified: %v", res.FilesModified)
		}
	})

	t.Run("Never Synthesizes Invocations", func(t *testing.T) {
		raw := []byte(`I would call {"type":"tool_use","name":"bash"} if I could.`)
		res := Parse(raw, 0)
		if len(res.Invocations) != 0 {
			t.Errorf("invocations synthesized from plain text: %v", res.Invocations)
		}
	})

	t.Run("Malformed JSON Falls Back", func(t *testing.T) {
		res := Parse([]byte(`{"result": truncated`), 0)
		if res.Text == "" {
			t.Error("fallback should keep the raw text")
		}
		if len(res.Invocations) != 0 {
			t.Errorf("unexpected invocations: %v", res.Invocations)
		}
	})
}
