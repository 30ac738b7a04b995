package ant

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"patchbay.dev/llm"
)

func TestDo(t *testing.T) {
	var gotBody []byte
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Clone()
		io.WriteString(w, `{
			"id": "msg_123",
			"type": "message",
			"role": "assistant",
			"model": "claude-sonnet-4-20250514",
			"content": [
				{"type":"text","text":"I will read the file."},
				{"type":"tool_use","id":"toolu_1","name":"read_file","input":{"path":"main.go"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 100, "output_tokens": 50}
		}`)
	}))
	defer srv.Close()

	s := &Service{URL: srv.URL, APIKey: "test-key"}
	resp, err := s.Do(context.Background(), &llm.Request{
		Messages: []llm.Message{llm.UserStringMessage("read main.go")},
		System:   "be careful",
		Tools: []*llm.Tool{{
			Name:        "read_file",
			Description: "reads a file",
			InputSchema: llm.MustSchema(`{"type":"object"}`),
		}},
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}

	if gotHeader.Get("X-API-Key") != "test-key" {
		t.Errorf("missing api key header")
	}
	if gotHeader.Get("Anthropic-Version") != "2023-06-01" {
		t.Errorf("missing version header")
	}

	var wire map[string]any
	if err := json.Unmarshal(gotBody, &wire); err != nil {
		t.Fatalf("request body: %v", err)
	}
	if wire["system"] != "be careful" {
		t.Errorf("system prompt not sent: %v", wire["system"])
	}
	if wire["max_tokens"] != float64(DefaultMaxTokens) {
		t.Errorf("unexpected max_tokens: %v", wire["max_tokens"])
	}

	if resp.StopReason != llm.StopReasonToolUse {
		t.Errorf("expected tool_use stop reason, got %v", resp.StopReason)
	}
	if len(resp.Content) != 2 {
		t.Fatalf("expected 2 content blocks, got %d", len(resp.Content))
	}
	use := resp.Content[1]
	if use.Type != llm.ContentTypeToolUse || use.ID != "toolu_1" || use.ToolName != "read_file" {
		t.Errorf("unexpected tool use: %+v", use)
	}
	if !strings.Contains(string(use.ToolInput), `"main.go"`) {
		t.Errorf("input not preserved: %s", use.ToolInput)
	}
	if resp.Usage.InputTokens != 100 || resp.Usage.OutputTokens != 50 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

type fakeTokens struct {
	token     string
	refreshed atomic.Int32
}

func (f *fakeTokens) Token(ctx context.Context) (string, error) { return f.token, nil }

func (f *fakeTokens) Refresh(ctx context.Context) (string, error) {
	f.refreshed.Add(1)
	f.token = "fresh-token"
	return f.token, nil
}

func TestDoRefreshesOnceOn401(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"error":{"type":"authentication_error"}}`)
			return
		}
		if r.Header.Get("X-API-Key") != "fresh-token" {
			t.Errorf("retry did not use the refreshed token: %q", r.Header.Get("X-API-Key"))
		}
		io.WriteString(w, `{"id":"msg_1","role":"assistant","content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`)
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: "stale-token"}
	s := &Service{URL: srv.URL, Tokens: tokens}
	resp, err := s.Do(context.Background(), &llm.Request{
		Messages: []llm.Message{llm.UserStringMessage("hi")},
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got := llm.TextContent(resp.ToMessage()); got != "ok" {
		t.Errorf("unexpected text %q", got)
	}
	if tokens.refreshed.Load() != 1 {
		t.Errorf("expected exactly one refresh, got %d", tokens.refreshed.Load())
	}
}

func TestDoPersistent401Fails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"type":"authentication_error"}}`)
	}))
	defer srv.Close()

	s := &Service{URL: srv.URL, Tokens: &fakeTokens{token: "bad"}}
	_, err := s.Do(context.Background(), &llm.Request{
		Messages: []llm.Message{llm.UserStringMessage("hi")},
	})
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("expected 401 failure after one refresh, got %v", err)
	}
}

func TestDoClientErrorDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"type":"invalid_request_error","message":"messages: at least one message is required"}}`)
	}))
	defer srv.Close()

	s := &Service{URL: srv.URL, APIKey: "k"}
	_, err := s.Do(context.Background(), &llm.Request{})
	if err == nil || !strings.Contains(err.Error(), "at least one message") {
		t.Errorf("expected error carrying the response body, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("client errors must not be retried, got %d calls", calls.Load())
	}
}
