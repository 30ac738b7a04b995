// Package store provides persistence for sessions, messages, tool calls,
// and users.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Tool call lifecycle. A call is created pending when the model emits it
// and moves to exactly one terminal status once executed.
const (
	ToolCallPending  = "pending"
	ToolCallExecuted = "executed"
	ToolCallFailed   = "failed"
)

// User is an account that may own sessions.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Session groups a conversation with its workspace.
type Session struct {
	ID            string `json:"id"`
	UserID        string `json:"user_id,omitempty"`
	WorkspacePath string `json:"workspace_path"`
	ActiveRepo    string `json:"active_repo,omitempty"`
	// AgentSessionID is the external agent binary's own continuation
	// token, threaded into the next CLI-mode turn.
	AgentSessionID string    `json:"agent_session_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Message is one conversation entry. Assistant messages may carry tool
// calls; the matching results are stored both on the calls and in the
// serialized body of the following user message.
type Message struct {
	ID        int64       `json:"id"`
	SessionID string      `json:"session_id"`
	Role      string      `json:"role"` // "user" | "assistant"
	Content   string      `json:"content"`
	ToolCalls []*ToolCall `json:"tool_calls,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// ToolCall pairs one model-requested invocation with its eventual result.
type ToolCall struct {
	ID        int64     `json:"id"`
	MessageID int64     `json:"message_id"`
	ToolUseID string    `json:"tool_use_id"`
	Name      string    `json:"name"`
	Input     string    `json:"input"` // JSON
	Status    string    `json:"status"`
	Result    string    `json:"result,omitempty"`
	IsError   bool      `json:"is_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the persistence boundary the turn loop and the HTTP layer
// consume. Implementations must preserve creation order within a session
// and cascade deletes from sessions through messages to tool calls.
type Store interface {
	// CreateUser inserts a new user account.
	CreateUser(ctx context.Context, u *User) error

	// GetUserByUsername retrieves a user by username.
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// CreateSession inserts a new session record.
	CreateSession(ctx context.Context, s *Session) error

	// GetSession retrieves a session by id.
	GetSession(ctx context.Context, id string) (*Session, error)

	// ListSessions returns sessions, newest first, scoped to userID when
	// non-empty.
	ListSessions(ctx context.Context, userID string) ([]*Session, error)

	// UpdateActiveRepo records the session's current git working tree.
	UpdateActiveRepo(ctx context.Context, sessionID, repoPath string) error

	// UpdateAgentSessionID records the external agent's continuation
	// token for CLI-mode turns.
	UpdateAgentSessionID(ctx context.Context, sessionID, agentSessionID string) error

	// TouchSession bumps the session's updated_at timestamp.
	TouchSession(ctx context.Context, sessionID string) error

	// DeleteSession removes a session and, transactionally, its messages
	// and their tool calls.
	DeleteSession(ctx context.Context, sessionID string) error

	// ExpiredSessions returns sessions not updated within ttl.
	ExpiredSessions(ctx context.Context, ttl time.Duration) ([]*Session, error)

	// AppendMessage inserts a message and its tool calls, filling in the
	// generated ids.
	AppendMessage(ctx context.Context, m *Message) error

	// UpdateToolCall moves a tool call to a terminal status with its
	// result.
	UpdateToolCall(ctx context.Context, toolUseID, status, result string, isError bool) error

	// Messages returns a session's messages in creation order with tool
	// calls attached.
	Messages(ctx context.Context, sessionID string) ([]*Message, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying database.
	Close() error
}
