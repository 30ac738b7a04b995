// Package llm defines provider-neutral types for talking to chat models
// that support structured tool use.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// Service is a single-call model transport. Implementations include the
// Anthropic messages API (llm/ant) and the OpenAI chat completions API
// (llm/oai).
type Service interface {
	// Do sends one request to the model and returns its reply.
	Do(context.Context, *Request) (*Response, error)
}

// MustSchema validates that schema is valid JSON and returns it as a
// json.RawMessage. It panics if the schema is invalid; tool schemas are
// package-level constants, so a bad one is a programming error.
func MustSchema(schema string) json.RawMessage {
	schema = strings.TrimSpace(schema)
	b := []byte(schema)
	if !json.Valid(b) {
		panic("invalid JSON schema: " + schema)
	}
	return json.RawMessage(b)
}

type Request struct {
	Messages []Message
	Tools    []*Tool
	System   string
}

// Message is one conversation entry, user or assistant.
type Message struct {
	Role    MessageRole
	Content []Content
}

// Tool is a capability the model may invoke.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage

	// Run executes the tool. The input conforms to InputSchema.
	// The returned string (or the error text) is sent back to the model
	// as the tool result.
	Run func(ctx context.Context, input json.RawMessage) (string, error) `json:"-"`
}

// Content is one block within a message. Which fields are meaningful
// depends on Type.
type Content struct {
	ID   string
	Type ContentType
	Text string

	// for tool_use
	ToolName  string
	ToolInput json.RawMessage

	// for tool_result
	ToolUseID  string
	ToolError  bool
	ToolResult string
}

func StringContent(s string) Content {
	return Content{Type: ContentTypeText, Text: s}
}

func ToolResultContent(toolUseID, result string, isErr bool) Content {
	return Content{
		Type:       ContentTypeToolResult,
		ToolUseID:  toolUseID,
		ToolResult: result,
		ToolError:  isErr,
	}
}

// UserStringMessage creates a user message with a single text content item.
func UserStringMessage(text string) Message {
	return Message{
		Role:    MessageRoleUser,
		Content: []Content{StringContent(text)},
	}
}

// TextContent joins the text blocks of a message with blank lines,
// skipping empty ones.
func TextContent(m Message) string {
	var parts []string
	for _, c := range m.Content {
		if c.Type == ContentTypeText && c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// ContentsAttr returns contents as a slog.Attr, for logging.
func ContentsAttr(contents []Content) slog.Attr {
	var contentAttrs []any // slog.Attr
	for _, content := range contents {
		var attrs []any // slog.Attr
		switch content.Type {
		case ContentTypeText:
			attrs = append(attrs, slog.String("text", content.Text))
		case ContentTypeToolUse:
			attrs = append(attrs, slog.String("tool_name", content.ToolName))
			attrs = append(attrs, slog.String("tool_input", string(content.ToolInput)))
		case ContentTypeToolResult:
			attrs = append(attrs, slog.String("tool_result", content.ToolResult))
			attrs = append(attrs, slog.Bool("tool_error", content.ToolError))
		default:
			attrs = append(attrs, slog.String("unknown_content_type", content.Type.String()))
			attrs = append(attrs, slog.Any("raw", content))
		}
		contentAttrs = append(contentAttrs, slog.Group(content.ID, attrs...))
	}
	return slog.Group("contents", contentAttrs...)
}

type (
	MessageRole int
	ContentType int
	StopReason  int
)

//go:generate go tool golang.org/x/tools/cmd/stringer -type=MessageRole,ContentType,StopReason -output=llm_string.go

const (
	MessageRoleUser MessageRole = iota
	MessageRoleAssistant
)

const (
	ContentTypeText ContentType = iota
	ContentTypeToolUse
	ContentTypeToolResult
)

const (
	StopReasonEndTurn StopReason = iota
	StopReasonToolUse
	StopReasonMaxTokens
	StopReasonStopSequence
)

type Response struct {
	ID         string
	Role       MessageRole
	Model      string
	Content    []Content
	StopReason StopReason
	Usage      Usage
}

func (r *Response) ToMessage() Message {
	return Message{
		Role:    r.Role,
		Content: r.Content,
	}
}

// Usage tracks token consumption across model calls.
type Usage struct {
	InputTokens  uint64 `json:"input_tokens"`
	OutputTokens uint64 `json:"output_tokens"`
}

func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

func (u *Usage) IsZero() bool {
	return *u == Usage{}
}

func (u *Usage) String() string {
	return fmt.Sprintf("in: %d, out: %d", u.InputTokens, u.OutputTokens)
}

func (u *Usage) Attr() slog.Attr {
	return slog.Group("usage",
		slog.Uint64("input_tokens", u.InputTokens),
		slog.Uint64("output_tokens", u.OutputTokens),
	)
}
