package conversation

import (
	"fmt"

	"patchbay.dev/llm"
)

// Violation describes one place where a message history breaks the
// tool_use/tool_result pairing the chat protocol requires.
type Violation struct {
	MessageIndex int    `json:"message_index"`
	Description  string `json:"description"`
}

func (v Violation) String() string {
	return fmt.Sprintf("message %d: %s", v.MessageIndex, v.Description)
}

// ValidateHistory checks that every assistant message carrying tool_use
// blocks is immediately followed by exactly one user message whose
// tool_result blocks match the uses positionally by id, and that no
// tool_result appears anywhere else. It returns all violations found;
// histories are never repaired here, only flagged.
func ValidateHistory(msgs []llm.Message) []Violation {
	var violations []Violation

	// answered marks user messages consumed as tool-result carriers.
	answered := make(map[int]bool)

	for i, m := range msgs {
		if m.Role != llm.MessageRoleAssistant {
			continue
		}
		var useIDs []string
		for _, c := range m.Content {
			if c.Type == llm.ContentTypeToolUse {
				useIDs = append(useIDs, c.ID)
			}
		}
		if len(useIDs) == 0 {
			continue
		}
		if i+1 >= len(msgs) {
			violations = append(violations, Violation{
				MessageIndex: i,
				Description:  fmt.Sprintf("assistant message has %d tool uses but no following message", len(useIDs)),
			})
			continue
		}
		next := msgs[i+1]
		if next.Role != llm.MessageRoleUser {
			violations = append(violations, Violation{
				MessageIndex: i + 1,
				Description:  "message after tool uses is not a user message",
			})
			continue
		}
		answered[i+1] = true
		var resultIDs []string
		for _, c := range next.Content {
			if c.Type == llm.ContentTypeToolResult {
				resultIDs = append(resultIDs, c.ToolUseID)
			}
		}
		if len(resultIDs) != len(useIDs) {
			violations = append(violations, Violation{
				MessageIndex: i + 1,
				Description:  fmt.Sprintf("expected %d tool results, found %d", len(useIDs), len(resultIDs)),
			})
			continue
		}
		for j, id := range useIDs {
			if resultIDs[j] != id {
				violations = append(violations, Violation{
					MessageIndex: i + 1,
					Description:  fmt.Sprintf("tool result %d answers %q, expected %q", j, resultIDs[j], id),
				})
			}
		}
	}

	// Stray tool results outside an answering message.
	for i, m := range msgs {
		if m.Role != llm.MessageRoleUser || answered[i] {
			continue
		}
		for _, c := range m.Content {
			if c.Type == llm.ContentTypeToolResult {
				violations = append(violations, Violation{
					MessageIndex: i,
					Description:  fmt.Sprintf("tool result %q does not answer a preceding tool use", c.ToolUseID),
				})
			}
		}
	}

	return violations
}
