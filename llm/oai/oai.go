// Package oai implements llm.Service against OpenAI-compatible chat
// completion APIs.
package oai

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"patchbay.dev/llm"
)

const (
	DefaultModel     = "gpt-4.1"
	DefaultMaxTokens = 8192
)

// Service provides chat completions.
// Fields should not be altered concurrently with calling any method.
type Service struct {
	HTTPC     *http.Client // defaults to http.DefaultClient if nil
	APIKey    string
	BaseURL   string // optional, for OpenAI-compatible providers
	Model     string // defaults to DefaultModel if empty
	MaxTokens int    // defaults to DefaultMaxTokens if zero
}

var _ llm.Service = (*Service)(nil)

var (
	fromLLMRole = map[llm.MessageRole]string{
		llm.MessageRoleAssistant: "assistant",
		llm.MessageRoleUser:      "user",
	}
	toLLMRole = map[string]llm.MessageRole{
		"assistant": llm.MessageRoleAssistant,
		"user":      llm.MessageRoleUser,
	}
	toLLMStopReason = map[string]llm.StopReason{
		"stop":       llm.StopReasonEndTurn,
		"length":     llm.StopReasonMaxTokens,
		"tool_calls": llm.StopReasonToolUse,
	}
)

// fromLLMMessage converts one llm.Message into OpenAI chat messages.
// Tool results become separate role="tool" messages keyed by tool_call_id.
func fromLLMMessage(msg llm.Message) []openai.ChatCompletionMessage {
	var messages []openai.ChatCompletionMessage

	var toolCalls []openai.ToolCall
	var text string
	for _, c := range msg.Content {
		switch c.Type {
		case llm.ContentTypeToolResult:
			result := c.ToolResult
			if c.ToolError {
				result = "error: " + cmp.Or(result, "tool execution failed")
			}
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       "tool",
				Content:    cmp.Or(result, " "),
				ToolCallID: c.ToolUseID,
			})
		case llm.ContentTypeToolUse:
			toolCalls = append(toolCalls, openai.ToolCall{
				Type: openai.ToolTypeFunction,
				ID:   c.ID,
				Function: openai.FunctionCall{
					Name:      c.ToolName,
					Arguments: string(c.ToolInput),
				},
			})
		default:
			if c.Text != "" {
				if text != "" {
					text += "\n"
				}
				text += c.Text
			}
		}
	}

	if text != "" || len(toolCalls) > 0 {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:      fromLLMRole[msg.Role],
			Content:   text,
			ToolCalls: toolCalls,
		})
	}
	return messages
}

func fromLLMTool(t *llm.Tool) openai.Tool {
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		},
	}
}

func toLLMContents(msg openai.ChatCompletionMessage) []llm.Content {
	var contents []llm.Content
	if msg.Content != "" {
		contents = append(contents, llm.StringContent(msg.Content))
	}
	for _, tc := range msg.ToolCalls {
		id := tc.ID
		if id == "" {
			id = "tc_" + tc.Function.Name
		}
		contents = append(contents, llm.Content{
			ID:        id,
			Type:      llm.ContentTypeToolUse,
			ToolName:  tc.Function.Name,
			ToolInput: json.RawMessage(tc.Function.Arguments),
		})
	}
	if len(contents) == 0 {
		contents = append(contents, llm.StringContent(""))
	}
	return contents
}

func toLLMResponse(r *openai.ChatCompletionResponse) *llm.Response {
	resp := &llm.Response{
		ID:    r.ID,
		Model: r.Model,
		Role:  llm.MessageRoleAssistant,
		Usage: llm.Usage{
			InputTokens:  uint64(r.Usage.PromptTokens),
			OutputTokens: uint64(r.Usage.CompletionTokens),
		},
	}
	if len(r.Choices) == 0 {
		return resp
	}
	choice := r.Choices[0]
	if role, ok := toLLMRole[choice.Message.Role]; ok {
		resp.Role = role
	}
	resp.Content = toLLMContents(choice.Message)
	if sr, ok := toLLMStopReason[string(choice.FinishReason)]; ok {
		resp.StopReason = sr
	}
	return resp
}

// Do sends a request to an OpenAI-compatible endpoint.
func (s *Service) Do(ctx context.Context, ir *llm.Request) (*llm.Response, error) {
	config := openai.DefaultConfig(s.APIKey)
	if s.BaseURL != "" {
		config.BaseURL = s.BaseURL
	}
	config.HTTPClient = cmp.Or(s.HTTPC, http.DefaultClient)
	client := openai.NewClientWithConfig(config)

	var allMessages []openai.ChatCompletionMessage
	if ir.System != "" {
		allMessages = append(allMessages, openai.ChatCompletionMessage{
			Role:    "system",
			Content: ir.System,
		})
	}
	for _, msg := range ir.Messages {
		allMessages = append(allMessages, fromLLMMessage(msg)...)
	}

	var tools []openai.Tool
	for _, t := range ir.Tools {
		tools = append(tools, fromLLMTool(t))
	}

	req := openai.ChatCompletionRequest{
		Model:     cmp.Or(s.Model, DefaultModel),
		Messages:  allMessages,
		Tools:     tools,
		MaxTokens: cmp.Or(s.MaxTokens, DefaultMaxTokens),
	}

	backoff := []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}

	var errs error // accumulated across attempts
	for attempts := 0; ; attempts++ {
		if attempts > 5 {
			return nil, fmt.Errorf("openai request failed after %d attempts: %w", attempts, errs)
		}
		if attempts > 0 {
			sleep := backoff[min(attempts-1, len(backoff)-1)] + time.Duration(rand.Int64N(int64(time.Second)))
			slog.WarnContext(ctx, "openai_request_retry", "sleep", sleep, "attempts", attempts)
			time.Sleep(sleep)
		}

		resp, err := client.CreateChatCompletion(ctx, req)
		if err == nil {
			return toLLMResponse(&resp), nil
		}

		var apiErr *openai.APIError
		if !errors.As(err, &apiErr) {
			return nil, errors.Join(errs, err)
		}
		switch {
		case apiErr.HTTPStatusCode >= 500 || apiErr.HTTPStatusCode == 429:
			slog.WarnContext(ctx, "openai_request_failed", "error", apiErr.Error(), "status_code", apiErr.HTTPStatusCode)
			errs = errors.Join(errs, fmt.Errorf("status %d: %s", apiErr.HTTPStatusCode, apiErr.Error()))
		default:
			return nil, errors.Join(errs, fmt.Errorf("status %d: %s", apiErr.HTTPStatusCode, apiErr.Error()))
		}
	}
}
