// Package conversation manages a multi-turn tool-use conversation with a
// model: message bookkeeping, tool dispatch, and usage tracking.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/richardlehane/crock32"
	"patchbay.dev/llm"
	"patchbay.dev/scribe"
)

type Listener interface {
	OnToolCall(ctx context.Context, convo *Convo, toolUseID string, toolName string, toolInput json.RawMessage)
	OnToolResult(ctx context.Context, convo *Convo, toolUseID string, toolName string, result string, err error)
	OnRequest(ctx context.Context, convo *Convo, requestID string, msg *llm.Message)
	OnResponse(ctx context.Context, convo *Convo, requestID string, resp *llm.Response)
}

type NoopListener struct{}

func (n *NoopListener) OnToolCall(ctx context.Context, convo *Convo, toolUseID string, toolName string, toolInput json.RawMessage) {
}

func (n *NoopListener) OnToolResult(ctx context.Context, convo *Convo, toolUseID string, toolName string, result string, err error) {
}

func (n *NoopListener) OnRequest(ctx context.Context, convo *Convo, requestID string, msg *llm.Message) {
}

func (n *NoopListener) OnResponse(ctx context.Context, convo *Convo, requestID string, resp *llm.Response) {
}

// A Convo is a managed conversation with a model. It appends messages as
// they are sent and received, runs requested tools, and tracks usage.
//
// Exported fields must not be altered concurrently with calling any method
// on Convo. Typical usage is to configure a Convo once before using it.
type Convo struct {
	// ID is a unique ID for the conversation.
	ID string
	// Ctx is the context for the entire conversation.
	Ctx context.Context
	// Service is the model transport to use.
	Service llm.Service
	// Tools are the tools available during the conversation.
	Tools []*llm.Tool
	// SystemPrompt is the system prompt for the conversation.
	SystemPrompt string
	// Listener receives send/receive/tool events.
	Listener Listener

	// messages tracks the messages so far in the conversation.
	messages []llm.Message

	toolUseCancelMu sync.Mutex
	toolUseCancel   map[string]context.CancelCauseFunc

	mu    sync.Mutex
	usage CumulativeUsage
}

// newConvoID generates a short random id. These only need to distinguish
// convos within a single process, not globally.
func newConvoID() string {
	u1 := rand.Uint32()
	s := crock32.Encode(uint64(u1))
	if len(s) < 7 {
		s += strings.Repeat("0", 7-len(s))
	}
	return s[:3] + "-" + s[3:]
}

// New creates a new conversation with sensible defaults.
// ctx is the context for the entire conversation.
func New(ctx context.Context, srv llm.Service) *Convo {
	id := newConvoID()
	return &Convo{
		ID:            id,
		Ctx:           scribe.ContextWithAttr(ctx, slog.String("convo_id", id)),
		Service:       srv,
		Listener:      &NoopListener{},
		toolUseCancel: map[string]context.CancelCauseFunc{},
		usage:         CumulativeUsage{StartTime: time.Now(), ToolUses: make(map[string]int)},
	}
}

// SetMessages seeds the conversation with previously persisted history,
// already reconstituted into typed content blocks.
func (c *Convo) SetMessages(msgs []llm.Message) {
	c.messages = slices.Clone(msgs)
}

// Messages returns a copy of the conversation so far.
func (c *Convo) Messages() []llm.Message {
	return slices.Clone(c.messages)
}

// SendUserTextMessage sends a text message to the model in this conversation.
// otherContents contains additional contents to send with the message,
// usually tool results.
func (c *Convo) SendUserTextMessage(s string, otherContents ...llm.Content) (*llm.Response, error) {
	contents := slices.Clone(otherContents)
	if s != "" {
		contents = append(contents, llm.StringContent(s))
	}
	return c.SendMessage(llm.Message{
		Role:    llm.MessageRoleUser,
		Content: contents,
	})
}

func (c *Convo) messageRequest(msg llm.Message) *llm.Request {
	// The API rejects empty messages outright, so filter them out.
	var nonEmpty []llm.Message
	for _, m := range c.messages {
		if len(m.Content) > 0 {
			nonEmpty = append(nonEmpty, m)
		}
	}
	return &llm.Request{
		Messages: append(nonEmpty, msg), // not yet committed to keeping msg
		System:   c.SystemPrompt,
		Tools:    c.Tools,
	}
}

func (c *Convo) findTool(name string) (*llm.Tool, error) {
	for _, tool := range c.Tools {
		if tool.Name == name {
			return tool, nil
		}
	}
	return nil, fmt.Errorf("tool %q not found", name)
}

// insertMissingToolResults adds error results for tool uses that were
// requested but never answered, which can happen on error paths. Only fires
// when there are no tool results at all; a partially answered set would be a
// programmer error. Mutates inputs.
func (c *Convo) insertMissingToolResults(mr *llm.Request, msg *llm.Message) {
	if len(mr.Messages) < 2 {
		return
	}
	prev := mr.Messages[len(mr.Messages)-2]
	var toolUsePrev int
	for _, part := range prev.Content {
		if part.Type == llm.ContentTypeToolUse {
			toolUsePrev++
		}
	}
	if toolUsePrev == 0 {
		return
	}
	for _, part := range msg.Content {
		if part.Type == llm.ContentTypeToolResult {
			return
		}
	}
	var prefix []llm.Content
	for _, part := range prev.Content {
		if part.Type != llm.ContentTypeToolUse {
			continue
		}
		prefix = append(prefix, llm.ToolResultContent(part.ID, "not executed; retry possible", true))
	}
	msg.Content = append(prefix, msg.Content...)
	mr.Messages[len(mr.Messages)-1].Content = msg.Content
	slog.DebugContext(c.Ctx, "inserted missing tool results")
}

// SendMessage sends a message to the model.
// The conversation records all messages successfully sent and received.
func (c *Convo) SendMessage(msg llm.Message) (*llm.Response, error) {
	id := ulid.Make().String()
	mr := c.messageRequest(msg)
	c.insertMissingToolResults(mr, &msg)
	c.Listener.OnRequest(c.Ctx, c, id, &msg)

	resp, err := c.Service.Do(c.Ctx, mr)
	if err != nil {
		c.Listener.OnResponse(c.Ctx, c, id, nil)
		return nil, err
	}
	c.messages = append(c.messages, msg, resp.ToMessage())
	c.mu.Lock()
	c.usage.Add(resp.Usage)
	c.mu.Unlock()
	c.Listener.OnResponse(c.Ctx, c, id, resp)
	return resp, nil
}

func (c *Convo) CancelToolUse(toolUseID string, err error) error {
	c.toolUseCancelMu.Lock()
	defer c.toolUseCancelMu.Unlock()
	cancel, ok := c.toolUseCancel[toolUseID]
	if !ok {
		return fmt.Errorf("cannot cancel %s: no cancel function registered for this tool_use_id", toolUseID)
	}
	delete(c.toolUseCancel, toolUseID)
	cancel(err)
	return nil
}

func (c *Convo) newToolUseContext(ctx context.Context, toolUseID string) (context.Context, context.CancelFunc) {
	c.toolUseCancelMu.Lock()
	defer c.toolUseCancelMu.Unlock()
	ctx, cancel := context.WithCancelCause(ctx)
	c.toolUseCancel[toolUseID] = cancel
	return ctx, func() {
		c.toolUseCancelMu.Lock()
		delete(c.toolUseCancel, toolUseID)
		c.toolUseCancelMu.Unlock()
		cancel(nil)
	}
}

// ToolResultContents runs all tool uses requested by the response, in
// request order, and returns their results positionally matched by
// tool_use_id. A failing tool does not stop the others; its failure is
// carried in the result set. Cancelling ctx stops the sequence.
func (c *Convo) ToolResultContents(ctx context.Context, resp *llm.Response) ([]llm.Content, error) {
	if resp.StopReason != llm.StopReasonToolUse {
		return nil, nil
	}
	var toolResults []llm.Content
	for _, part := range resp.Content {
		if part.Type != llm.ContentTypeToolUse {
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.incrementToolUse(part.ToolName)
		c.Listener.OnToolCall(ctx, c, part.ID, part.ToolName, part.ToolInput)

		tool, err := c.findTool(part.ToolName)
		if err != nil {
			c.Listener.OnToolResult(ctx, c, part.ID, part.ToolName, "", err)
			toolResults = append(toolResults, llm.ToolResultContent(part.ID, err.Error(), true))
			continue
		}

		toolUseCtx, cancel := c.newToolUseContext(ctx, part.ID)
		result, err := tool.Run(toolUseCtx, part.ToolInput)
		if toolUseCtx.Err() != nil && err == nil {
			err = context.Cause(toolUseCtx)
		}
		cancel()

		if err != nil {
			c.Listener.OnToolResult(ctx, c, part.ID, part.ToolName, "", err)
			toolResults = append(toolResults, llm.ToolResultContent(part.ID, err.Error(), true))
			continue
		}
		c.Listener.OnToolResult(ctx, c, part.ID, part.ToolName, result, nil)
		toolResults = append(toolResults, llm.ToolResultContent(part.ID, result, false))
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return toolResults, nil
}

func (c *Convo) incrementToolUse(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage.ToolUses[name]++
}

// CumulativeUsage represents cumulative usage across a Convo.
type CumulativeUsage struct {
	StartTime    time.Time      `json:"start_time"`
	Responses    uint64         `json:"responses"`
	InputTokens  uint64         `json:"input_tokens"`
	OutputTokens uint64         `json:"output_tokens"`
	ToolUses     map[string]int `json:"tool_uses"` // tool name -> number of uses
}

func (u *CumulativeUsage) Add(usage llm.Usage) {
	u.Responses++
	u.InputTokens += usage.InputTokens
	u.OutputTokens += usage.OutputTokens
}

func (u *CumulativeUsage) Clone() CumulativeUsage {
	v := *u
	v.ToolUses = maps.Clone(u.ToolUses)
	return v
}

func (u *CumulativeUsage) WallTime() time.Duration {
	return time.Since(u.StartTime)
}

// Attr returns the cumulative usage as a slog.Attr with key "usage".
func (u CumulativeUsage) Attr() slog.Attr {
	return slog.Group("usage",
		slog.Duration("wall_time", u.WallTime()),
		slog.Uint64("responses", u.Responses),
		slog.Uint64("input_tokens", u.InputTokens),
		slog.Uint64("output_tokens", u.OutputTokens),
		slog.Any("tool_uses", maps.Clone(u.ToolUses)),
	)
}

func (c *Convo) CumulativeUsage() CumulativeUsage {
	if c == nil {
		return CumulativeUsage{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage.Clone()
}
