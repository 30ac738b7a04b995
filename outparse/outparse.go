// Package outparse normalizes one agent turn's raw output into text, tool
// invocations, touched files, and errors. Structured JSON is tried first;
// anything else is treated as plain terminal text.
package outparse

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Invocation is a tool call extracted from structured output.
type Invocation struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// Result is the normalized form of one turn's output.
type Result struct {
	Text          string       `json:"text"`
	Invocations   []Invocation `json:"invocations,omitempty"`
	FilesCreated  []string     `json:"files_created,omitempty"`
	FilesModified []string     `json:"files_modified,omitempty"`
	Errors        []string     `json:"errors,omitempty"`
	// SessionID is the transport's continuation token, when it sends one.
	SessionID string `json:"session_id,omitempty"`
}

var (
	ansiRE         = regexp.MustCompile(`\x1b\[[0-9;]*m`)
	createdFileRE  = regexp.MustCompile(`(?m)^\s*Created file:?\s+(\S+)`)
	modifiedFileRE = regexp.MustCompile(`(?m)^\s*Modified file:?\s+(\S+)`)
)

// envelope covers the JSON shapes agents emit: a flat result field, a
// content field (string or block list), or a full message object.
type envelope struct {
	Result        *string         `json:"result"`
	Content       json.RawMessage `json:"content"`
	Message       json.RawMessage `json:"message"`
	SessionID     string          `json:"session_id"`
	IsError       bool            `json:"is_error"`
	FilesCreated  []string        `json:"files_created"`
	FilesModified []string        `json:"files_modified"`
}

type block struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   string          `json:"content"`
}

// Parse normalizes raw output. A non-zero exit code always contributes an
// error entry, even when the payload itself parsed cleanly.
func Parse(raw []byte, exitCode int) Result {
	res := parsePayload(raw)
	if exitCode != 0 {
		res.Errors = append(res.Errors, fmt.Sprintf("agent exited with code %d", exitCode))
	}
	return res
}

func parsePayload(raw []byte) Result {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") {
		var env envelope
		if err := json.Unmarshal([]byte(trimmed), &env); err == nil {
			return parseEnvelope(env)
		}
	}
	return parsePlainText(trimmed)
}

func parseEnvelope(env envelope) Result {
	res := Result{
		SessionID:     env.SessionID,
		FilesCreated:  env.FilesCreated,
		FilesModified: env.FilesModified,
	}

	// Extraction priority: result, then content, then message.
	switch {
	case env.Result != nil:
		res.Text = *env.Result
	case len(env.Content) > 0:
		parseContent(env.Content, &res)
	case len(env.Message) > 0:
		var msg struct {
			Content json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(env.Message, &msg); err == nil && len(msg.Content) > 0 {
			parseContent(msg.Content, &res)
		}
	}

	if env.IsError {
		res.Errors = append(res.Errors, strings.TrimSpace(res.Text))
	}
	return res
}

// parseContent handles a content field holding either a bare string or a
// block sequence.
func parseContent(raw json.RawMessage, res *Result) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		res.Text = s
		return
	}
	var blocks []block
	if err := json.Unmarshal(raw, &blocks); err != nil {
		res.Text = string(raw)
		return
	}

	var texts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				texts = append(texts, b.Text)
			}
		case "tool_use":
			res.Invocations = append(res.Invocations, Invocation{
				ID:    b.ID,
				Name:  b.Name,
				Input: b.Input,
			})
		case "tool_result":
			// Only seen when replaying a transcript; rendered inline,
			// never turned back into an invocation.
			if b.Content != "" {
				texts = append(texts, fmt.Sprintf("[tool result %s]\n%s", b.ToolUseID, b.Content))
			}
		}
	}
	res.Text = strings.Join(texts, "\n\n")
}

// parsePlainText is the low-confidence fallback for terminal output. ANSI
// color codes are stripped and file mentions are scraped, but tool
// invocations are never synthesized from unstructured text.
func parsePlainText(s string) Result {
	clean := ansiRE.ReplaceAllString(s, "")
	res := Result{Text: clean}
	for _, m := range createdFileRE.FindAllStringSubmatch(clean, -1) {
		res.FilesCreated = append(res.FilesCreated, m[1])
	}
	for _, m := range modifiedFileRE.FindAllStringSubmatch(clean, -1) {
		res.FilesModified = append(res.FilesModified, m[1])
	}
	return res
}
