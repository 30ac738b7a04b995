// Package loop drives agent turns: it relays user messages to the model,
// executes requested tools, feeds results back, and persists every step.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"patchbay.dev/llm"
	"patchbay.dev/llm/conversation"
	"patchbay.dev/progress"
	"patchbay.dev/store"
	"patchbay.dev/toolbox"
)

// DefaultMaxIterations bounds the number of model calls in one turn.
const DefaultMaxIterations = 25

// IterationLimitMarker is appended to the reply when a turn is cut off by
// the iteration cap.
const IterationLimitMarker = "(Maximum iteration limit reached)"

const defaultSystemPrompt = `You are a coding agent operating inside a session workspace.
Use the provided tools to inspect and modify files, run shell commands, and
work with git repositories. All paths are relative to the workspace root.
Clone a repository before using the other git tools. When you are done,
summarize what you changed.`

// Agent runs turns for one session. It is not safe for concurrent use; the
// registry serializes turns per session.
type Agent struct {
	SessionID     string
	Convo         *conversation.Convo
	Toolbox       *toolbox.Toolbox
	Store         store.Store
	Progress      *progress.Tracker
	MaxIterations int
}

// AgentConfig carries everything needed to reconstitute a session's agent.
type AgentConfig struct {
	SessionID     string
	Service       llm.Service
	Store         store.Store
	Progress      *progress.Tracker
	WorkspaceRoot string
	ActiveRepo    string
	GitToken      string
	SystemPrompt  string
	MaxIterations int
}

// NewAgent builds an agent for a session, replaying persisted history into
// the conversation.
func NewAgent(ctx context.Context, cfg AgentConfig) (*Agent, error) {
	tb := toolbox.New(cfg.WorkspaceRoot)
	tb.GitToken = cfg.GitToken
	if cfg.ActiveRepo != "" {
		tb.SetActiveRepo(cfg.ActiveRepo)
	}

	convo := conversation.New(ctx, cfg.Service)
	convo.Tools = tb.Tools()
	convo.SystemPrompt = cfg.SystemPrompt
	if convo.SystemPrompt == "" {
		convo.SystemPrompt = defaultSystemPrompt
	}

	stored, err := cfg.Store.Messages(ctx, cfg.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	convo.SetMessages(HistoryToMessages(stored))

	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	return &Agent{
		SessionID:     cfg.SessionID,
		Convo:         convo,
		Toolbox:       tb,
		Store:         cfg.Store,
		Progress:      cfg.Progress,
		MaxIterations: maxIter,
	}, nil
}

// TurnResult is what one completed turn hands back to the caller.
type TurnResult struct {
	Text         string                       `json:"text"`
	Iterations   int                          `json:"iterations"`
	LimitReached bool                         `json:"limit_reached"`
	Usage        conversation.CumulativeUsage `json:"usage"`
}

// storedToolResult is the serialized form of one tool result inside a
// persisted user message.
type storedToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// ChatTurn runs one full turn: send the user's message, execute tools until
// the model stops asking for them or the iteration cap is hit, and return
// the final iteration's text. Intermediate commentary accompanying tool
// calls stays in history but not in the reply.
func (a *Agent) ChatTurn(ctx context.Context, userText string) (*TurnResult, error) {
	a.Progress.Reset(a.SessionID)
	a.Progress.Step(a.SessionID, "sending message")

	if err := a.persistUserText(ctx, userText); err != nil {
		return nil, err
	}

	resp, err := a.Convo.SendUserTextMessage(userText)
	if err != nil {
		a.Progress.Finish(a.SessionID, failureStatus(ctx, err))
		return nil, fmt.Errorf("model request: %w", err)
	}

	for iteration := 1; ; iteration++ {
		a.Progress.SetIteration(a.SessionID, iteration, a.MaxIterations)

		if err := a.persistAssistant(ctx, resp); err != nil {
			return nil, err
		}

		if resp.StopReason != llm.StopReasonToolUse {
			a.Progress.Finish(a.SessionID, progress.StatusCompleted)
			return &TurnResult{
				Text:       llm.TextContent(resp.ToMessage()),
				Iterations: iteration,
				Usage:      a.Convo.CumulativeUsage(),
			}, nil
		}

		results, err := a.executeTools(ctx, resp)
		if err != nil {
			a.Progress.Finish(a.SessionID, failureStatus(ctx, err))
			return nil, err
		}
		if err := a.persistToolResults(ctx, results); err != nil {
			return nil, err
		}

		if iteration >= a.MaxIterations {
			// The cap stops further model calls only. The final
			// iteration's tools have run and their results are recorded,
			// so every assistant message with tool calls keeps its
			// matching results in history.
			a.recordToolResults(results)
			a.Progress.Finish(a.SessionID, progress.StatusLimitReached)
			text := llm.TextContent(resp.ToMessage())
			if text != "" {
				text += "\n\n"
			}
			return &TurnResult{
				Text:         text + IterationLimitMarker,
				Iterations:   iteration,
				LimitReached: true,
				Usage:        a.Convo.CumulativeUsage(),
			}, nil
		}

		a.Progress.Step(a.SessionID, "sending tool results")
		resp, err = a.Convo.SendUserTextMessage("", results...)
		if err != nil {
			a.Progress.Finish(a.SessionID, failureStatus(ctx, err))
			return nil, fmt.Errorf("model request: %w", err)
		}
	}
}

// recordToolResults appends tool results to the in-memory conversation
// without a model call, for turns that end right after tool execution.
func (a *Agent) recordToolResults(results []llm.Content) {
	msgs := a.Convo.Messages()
	msgs = append(msgs, llm.Message{Role: llm.MessageRoleUser, Content: results})
	a.Convo.SetMessages(msgs)
}

// executeTools runs the response's tool uses and records their terminal
// status. A successful git_clone updates the session's active repository.
func (a *Agent) executeTools(ctx context.Context, resp *llm.Response) ([]llm.Content, error) {
	var uses []llm.Content
	for _, part := range resp.Content {
		if part.Type == llm.ContentTypeToolUse {
			uses = append(uses, part)
			a.Progress.Step(a.SessionID, fmt.Sprintf("running %s", part.ToolName))
		}
	}

	results, err := a.Convo.ToolResultContents(ctx, resp)
	if err != nil {
		return nil, fmt.Errorf("tool execution: %w", err)
	}

	for i, res := range results {
		status := store.ToolCallExecuted
		if res.ToolError {
			status = store.ToolCallFailed
		}
		if err := a.Store.UpdateToolCall(ctx, res.ToolUseID, status, res.ToolResult, res.ToolError); err != nil {
			slog.WarnContext(ctx, "update tool call", "tool_use_id", res.ToolUseID, "err", err)
		}
		if i >= len(uses) {
			continue
		}
		if uses[i].ToolName == "git_clone" && !res.ToolError {
			a.noteClone(ctx, uses[i].ToolInput)
		}
	}
	return results, nil
}

func (a *Agent) noteClone(ctx context.Context, input json.RawMessage) {
	dir := toolbox.CloneDir(input)
	if dir == "" {
		return
	}
	a.Toolbox.SetActiveRepo(dir)
	if err := a.Store.UpdateActiveRepo(ctx, a.SessionID, dir); err != nil {
		slog.WarnContext(ctx, "update active repo", "session_id", a.SessionID, "err", err)
	}
}

func (a *Agent) persistUserText(ctx context.Context, text string) error {
	m := &store.Message{
		SessionID: a.SessionID,
		Role:      "user",
		Content:   text,
	}
	if err := a.Store.AppendMessage(ctx, m); err != nil {
		return fmt.Errorf("persist user message: %w", err)
	}
	return a.Store.TouchSession(ctx, a.SessionID)
}

func (a *Agent) persistAssistant(ctx context.Context, resp *llm.Response) error {
	m := &store.Message{
		SessionID: a.SessionID,
		Role:      "assistant",
		Content:   llm.TextContent(resp.ToMessage()),
	}
	for _, part := range resp.Content {
		if part.Type != llm.ContentTypeToolUse {
			continue
		}
		m.ToolCalls = append(m.ToolCalls, &store.ToolCall{
			ToolUseID: part.ID,
			Name:      part.ToolName,
			Input:     string(part.ToolInput),
			Status:    store.ToolCallPending,
		})
	}
	if err := a.Store.AppendMessage(ctx, m); err != nil {
		return fmt.Errorf("persist assistant message: %w", err)
	}
	return nil
}

func (a *Agent) persistToolResults(ctx context.Context, results []llm.Content) error {
	if len(results) == 0 {
		return nil
	}
	serialized := make([]storedToolResult, 0, len(results))
	for _, res := range results {
		serialized = append(serialized, storedToolResult{
			ToolUseID: res.ToolUseID,
			Content:   res.ToolResult,
			IsError:   res.ToolError,
		})
	}
	buf, err := json.Marshal(serialized)
	if err != nil {
		return fmt.Errorf("serialize tool results: %w", err)
	}
	m := &store.Message{
		SessionID: a.SessionID,
		Role:      "user",
		Content:   string(buf),
	}
	if err := a.Store.AppendMessage(ctx, m); err != nil {
		return fmt.Errorf("persist tool results: %w", err)
	}
	return nil
}

func failureStatus(ctx context.Context, err error) progress.Status {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return progress.StatusTimeout
	}
	return progress.StatusFailed
}

// HistoryToMessages reconstitutes persisted messages into typed content
// blocks. User messages holding a serialized tool-result array become
// tool_result blocks; everything else is text.
func HistoryToMessages(stored []*store.Message) []llm.Message {
	var out []llm.Message
	for _, m := range stored {
		switch m.Role {
		case "assistant":
			msg := llm.Message{Role: llm.MessageRoleAssistant}
			if m.Content != "" {
				msg.Content = append(msg.Content, llm.StringContent(m.Content))
			}
			for _, tc := range m.ToolCalls {
				msg.Content = append(msg.Content, llm.Content{
					ID:        tc.ToolUseID,
					Type:      llm.ContentTypeToolUse,
					ToolName:  tc.Name,
					ToolInput: json.RawMessage(tc.Input),
				})
			}
			out = append(out, msg)
		default:
			msg := llm.Message{Role: llm.MessageRoleUser}
			if results, ok := parseStoredToolResults(m.Content); ok {
				for _, r := range results {
					msg.Content = append(msg.Content, llm.ToolResultContent(r.ToolUseID, r.Content, r.IsError))
				}
			} else if m.Content != "" {
				msg.Content = append(msg.Content, llm.StringContent(m.Content))
			}
			out = append(out, msg)
		}
	}
	return out
}

func parseStoredToolResults(content string) ([]storedToolResult, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "[") {
		return nil, false
	}
	var results []storedToolResult
	if err := json.Unmarshal([]byte(trimmed), &results); err != nil {
		return nil, false
	}
	if len(results) == 0 || results[0].ToolUseID == "" {
		return nil, false
	}
	return results, true
}
