package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"patchbay.dev/llm"
	"patchbay.dev/llm/conversation"
	"patchbay.dev/progress"
	"patchbay.dev/store"
)

type fakeService struct {
	fn    func(r *llm.Request) (*llm.Response, error)
	calls int
}

func (f *fakeService) Do(ctx context.Context, r *llm.Request) (*llm.Response, error) {
	f.calls++
	return f.fn(r)
}

func scripted(responses ...*llm.Response) *fakeService {
	i := 0
	return &fakeService{fn: func(r *llm.Request) (*llm.Response, error) {
		if i >= len(responses) {
			return nil, errors.New("script exhausted")
		}
		resp := responses[i]
		i++
		return resp, nil
	}}
}

func endTurn(text string) *llm.Response {
	return &llm.Response{
		ID:         "msg_end",
		Role:       llm.MessageRoleAssistant,
		Content:    []llm.Content{llm.StringContent(text)},
		StopReason: llm.StopReasonEndTurn,
		Usage:      llm.Usage{InputTokens: 10, OutputTokens: 5},
	}
}

func wantsTool(id, name, input string) *llm.Response {
	return &llm.Response{
		ID:   "msg_" + id,
		Role: llm.MessageRoleAssistant,
		Content: []llm.Content{
			llm.StringContent("using " + name),
			{ID: id, Type: llm.ContentTypeToolUse, ToolName: name, ToolInput: json.RawMessage(input)},
		},
		StopReason: llm.StopReasonToolUse,
		Usage:      llm.Usage{InputTokens: 20, OutputTokens: 10},
	}
}

func newTestAgent(t *testing.T, service llm.Service, maxIterations int) (*Agent, *store.SQLiteStore) {
	t.Helper()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	root := t.TempDir()
	ctx := context.Background()
	if err := db.CreateSession(ctx, &store.Session{ID: "sess-1", WorkspacePath: root}); err != nil {
		t.Fatal(err)
	}

	agent, err := NewAgent(ctx, AgentConfig{
		SessionID:     "sess-1",
		Service:       service,
		Store:         db,
		Progress:      progress.NewTracker(),
		WorkspaceRoot: root,
		MaxIterations: maxIterations,
	})
	if err != nil {
		t.Fatal(err)
	}
	return agent, db
}

func TestChatTurnWithToolUse(t *testing.T) {
	srv := scripted(
		wantsTool("toolu_1", "glob_pattern", `{"pattern":"*.go"}`),
		endTurn("found main.go"),
	)
	agent, db := newTestAgent(t, srv, 0)
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(agent.Toolbox.Root, "main.go"), []byte("package main"), 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := agent.ChatTurn(ctx, "what go files are there?")
	if err != nil {
		t.Fatalf("ChatTurn: %v", err)
	}
	// Only the final iteration's text is the reply; the commentary that
	// accompanied the tool call stays in history.
	if result.Text != "found main.go" {
		t.Errorf("unexpected reply: %q", result.Text)
	}
	if result.Iterations != 2 || result.LimitReached {
		t.Errorf("unexpected result: %+v", result)
	}
	if srv.calls != 2 {
		t.Errorf("expected 2 model calls, got %d", srv.calls)
	}

	// Persisted history: user, assistant+call, tool results, assistant.
	msgs, err := db.Messages(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 persisted messages, got %d", len(msgs))
	}
	tc := msgs[1].ToolCalls[0]
	if tc.Status != store.ToolCallExecuted || tc.IsError {
		t.Errorf("unexpected tool call state: %+v", tc)
	}
	if !strings.Contains(tc.Result, "main.go") {
		t.Errorf("tool result not recorded: %q", tc.Result)
	}

	// The reconstituted history satisfies the pairing rules.
	if v := conversation.ValidateHistory(HistoryToMessages(msgs)); len(v) != 0 {
		t.Errorf("history violations: %v", v)
	}

	rec, ok := agent.Progress.Snapshot("sess-1")
	if !ok || rec.Status != progress.StatusCompleted {
		t.Errorf("unexpected progress: %+v", rec)
	}
}

func TestChatTurnToolErrorIsData(t *testing.T) {
	srv := scripted(
		wantsTool("toolu_1", "read_file", `{"path":"missing.txt"}`),
		endTurn("the file does not exist"),
	)
	agent, db := newTestAgent(t, srv, 0)

	result, err := agent.ChatTurn(context.Background(), "read missing.txt")
	if err != nil {
		t.Fatalf("tool failure must not abort the turn: %v", err)
	}
	if !strings.Contains(result.Text, "does not exist") {
		t.Errorf("unexpected reply: %q", result.Text)
	}

	msgs, _ := db.Messages(context.Background(), "sess-1")
	tc := msgs[1].ToolCalls[0]
	if tc.Status != store.ToolCallFailed || !tc.IsError {
		t.Errorf("expected failed tool call, got %+v", tc)
	}
	if !strings.Contains(tc.Result, "file not found") {
		t.Errorf("unexpected recorded result: %q", tc.Result)
	}
}

func TestChatTurnIterationCap(t *testing.T) {
	n := 0
	srv := &fakeService{fn: func(r *llm.Request) (*llm.Response, error) {
		n++
		return wantsTool(fmt.Sprintf("toolu_%d", n), "bash", `{"command":"true"}`), nil
	}}
	agent, db := newTestAgent(t, srv, 3)

	result, err := agent.ChatTurn(context.Background(), "loop forever")
	if err != nil {
		t.Fatalf("ChatTurn: %v", err)
	}
	if !result.LimitReached {
		t.Error("expected limit_reached")
	}
	if !strings.HasSuffix(result.Text, IterationLimitMarker) {
		t.Errorf("expected limit marker at the end, got %q", result.Text)
	}
	if result.Iterations != 3 || srv.calls != 3 {
		t.Errorf("expected 3 iterations and calls, got %d / %d", result.Iterations, srv.calls)
	}

	rec, _ := agent.Progress.Snapshot("sess-1")
	if rec.Status != progress.StatusLimitReached {
		t.Errorf("unexpected progress status: %q", rec.Status)
	}

	// The capped iteration's tools still ran, so history stays pairable:
	// user + 3 x (assistant with a call, user with its result).
	msgs, err := db.Messages(context.Background(), "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 7 {
		t.Fatalf("expected 7 persisted messages, got %d", len(msgs))
	}
	for _, m := range msgs {
		for _, tc := range m.ToolCalls {
			if tc.Status != store.ToolCallExecuted {
				t.Errorf("tool call %s left %s", tc.ToolUseID, tc.Status)
			}
		}
	}
	if v := conversation.ValidateHistory(HistoryToMessages(msgs)); len(v) != 0 {
		t.Errorf("history violations after cap: %v", v)
	}
	if v := conversation.ValidateHistory(agent.Convo.Messages()); len(v) != 0 {
		t.Errorf("in-memory violations after cap: %v", v)
	}
}

func TestChatTurnTransportErrorAborts(t *testing.T) {
	srv := &fakeService{fn: func(r *llm.Request) (*llm.Response, error) {
		return nil, errors.New("connection refused")
	}}
	agent, db := newTestAgent(t, srv, 0)

	_, err := agent.ChatTurn(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected transport error, got %v", err)
	}

	rec, _ := agent.Progress.Snapshot("sess-1")
	if rec.Status != progress.StatusFailed {
		t.Errorf("unexpected progress status: %q", rec.Status)
	}

	// The user message is persisted even when the model call fails, so the
	// next turn can retry with full context.
	msgs, _ := db.Messages(context.Background(), "sess-1")
	if len(msgs) != 1 || msgs[0].Role != "user" {
		t.Errorf("unexpected persisted messages: %d", len(msgs))
	}
}

func TestHistoryRoundTrip(t *testing.T) {
	srv := scripted(
		wantsTool("toolu_1", "write_file", `{"path":"a.txt","content":"x"}`),
		endTurn("wrote it"),
	)
	agent, db := newTestAgent(t, srv, 0)
	ctx := context.Background()

	if _, err := agent.ChatTurn(ctx, "write a.txt"); err != nil {
		t.Fatal(err)
	}

	// A fresh agent for the same session sees the full typed history.
	rebuilt, err := NewAgent(ctx, AgentConfig{
		SessionID:     "sess-1",
		Service:       srv,
		Store:         db,
		WorkspaceRoot: agent.Toolbox.Root,
	})
	if err != nil {
		t.Fatal(err)
	}
	msgs := rebuilt.Convo.Messages()
	if len(msgs) != 4 {
		t.Fatalf("expected 4 reconstituted messages, got %d", len(msgs))
	}
	if msgs[1].Content[1].Type != llm.ContentTypeToolUse {
		t.Errorf("tool use not reconstituted: %+v", msgs[1])
	}
	if msgs[2].Content[0].Type != llm.ContentTypeToolResult || msgs[2].Content[0].ToolUseID != "toolu_1" {
		t.Errorf("tool result not reconstituted: %+v", msgs[2])
	}
	if v := conversation.ValidateHistory(msgs); len(v) != 0 {
		t.Errorf("history violations: %v", v)
	}
}

func TestNoteCloneRecordsActiveRepo(t *testing.T) {
	agent, db := newTestAgent(t, scripted(), 0)
	ctx := context.Background()

	agent.noteClone(ctx, json.RawMessage(`{"url":"https://example.com/org/widget.git"}`))

	if got := agent.Toolbox.ActiveRepo(); got != "widget" {
		t.Errorf("expected active repo %q, got %q", "widget", got)
	}
	sess, err := db.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.ActiveRepo != "widget" {
		t.Errorf("active repo not persisted: %+v", sess)
	}
}

func TestParseStoredToolResults(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		results, ok := parseStoredToolResults(`[{"tool_use_id":"t1","content":"ok"}]`)
		if !ok || len(results) != 1 || results[0].ToolUseID != "t1" {
			t.Errorf("unexpected parse: %v %v", results, ok)
		}
	})
	t.Run("Plain Text", func(t *testing.T) {
		if _, ok := parseStoredToolResults("just some text"); ok {
			t.Error("plain text parsed as results")
		}
	})
	t.Run("JSON Array Of Other Things", func(t *testing.T) {
		if _, ok := parseStoredToolResults(`[1,2,3]`); ok {
			t.Error("numeric array parsed as results")
		}
	})
}
