package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store backed by a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if necessary) the database at dbPath with
// WAL journaling and initializes the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT,
		workspace_path TEXT NOT NULL,
		active_repo TEXT,
		agent_session_id TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tool_calls (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		tool_use_id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		input TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		result TEXT,
		is_error INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_message ON tool_calls(message_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) CreateUser(ctx context.Context, u *User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Username, u.PasswordHash, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	u := &User{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE username = ?`,
		username).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, workspace_path, active_repo, agent_session_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, nullable(sess.UserID), sess.WorkspacePath, nullable(sess.ActiveRepo),
		nullable(sess.AgentSessionID), sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	sess := &Session{}
	var userID, activeRepo, agentSessionID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, workspace_path, active_repo, agent_session_id, created_at, updated_at
		 FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &userID, &sess.WorkspacePath, &activeRepo, &agentSessionID, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.UserID = userID.String
	sess.ActiveRepo = activeRepo.String
	sess.AgentSessionID = agentSessionID.String
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]*Session, error) {
	query := `SELECT id, user_id, workspace_path, active_repo, agent_session_id, created_at, updated_at
	          FROM sessions ORDER BY updated_at DESC`
	args := []any{}
	if userID != "" {
		query = `SELECT id, user_id, workspace_path, active_repo, agent_session_id, created_at, updated_at
		         FROM sessions WHERE user_id = ? ORDER BY updated_at DESC`
		args = append(args, userID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) UpdateActiveRepo(ctx context.Context, sessionID, repoPath string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET active_repo = ?, updated_at = ? WHERE id = ?`,
		nullable(repoPath), time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("update active repo: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) UpdateAgentSessionID(ctx context.Context, sessionID, agentSessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET agent_session_id = ?, updated_at = ? WHERE id = ?`,
		nullable(agentSessionID), time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("update agent session id: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) TouchSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	defer tx.Rollback()

	// Explicit cascade; does not rely on the foreign_keys pragma being set
	// on every pooled connection.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM tool_calls WHERE message_id IN (SELECT id FROM messages WHERE session_id = ?)`,
		sessionID); err != nil {
		return fmt.Errorf("delete tool calls: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) ExpiredSessions(ctx context.Context, ttl time.Duration) ([]*Session, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, workspace_path, active_repo, agent_session_id, created_at, updated_at
		 FROM sessions WHERE updated_at < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("expired sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, m *Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		m.SessionID, m.Role, m.Content, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	m.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("message id: %w", err)
	}

	for _, tc := range m.ToolCalls {
		tc.MessageID = m.ID
		if tc.Status == "" {
			tc.Status = ToolCallPending
		}
		if tc.CreatedAt.IsZero() {
			tc.CreatedAt = m.CreatedAt
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO tool_calls (message_id, tool_use_id, name, input, status, result, is_error, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			tc.MessageID, tc.ToolUseID, tc.Name, tc.Input, tc.Status, nullable(tc.Result), tc.IsError, tc.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert tool call: %w", err)
		}
		tc.ID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("tool call id: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) UpdateToolCall(ctx context.Context, toolUseID, status, result string, isError bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tool_calls SET status = ?, result = ?, is_error = ? WHERE tool_use_id = ?`,
		status, result, isError, toolUseID)
	if err != nil {
		return fmt.Errorf("update tool call: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) Messages(ctx context.Context, sessionID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at
		 FROM messages WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	byID := make(map[int64]*Message)
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
		byID[m.ID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tcRows, err := s.db.QueryContext(ctx,
		`SELECT tc.id, tc.message_id, tc.tool_use_id, tc.name, tc.input, tc.status, tc.result, tc.is_error, tc.created_at
		 FROM tool_calls tc
		 JOIN messages m ON m.id = tc.message_id
		 WHERE m.session_id = ? ORDER BY tc.id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("tool calls: %w", err)
	}
	defer tcRows.Close()

	for tcRows.Next() {
		tc := &ToolCall{}
		var result sql.NullString
		if err := tcRows.Scan(&tc.ID, &tc.MessageID, &tc.ToolUseID, &tc.Name, &tc.Input,
			&tc.Status, &result, &tc.IsError, &tc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		tc.Result = result.String
		if m, ok := byID[tc.MessageID]; ok {
			m.ToolCalls = append(m.ToolCalls, tc)
		}
	}
	return messages, tcRows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanSession(rows *sql.Rows) (*Session, error) {
	sess := &Session{}
	var uid, activeRepo, agentSessionID sql.NullString
	if err := rows.Scan(&sess.ID, &uid, &sess.WorkspacePath, &activeRepo, &agentSessionID,
		&sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.UserID = uid.String
	sess.ActiveRepo = activeRepo.String
	sess.AgentSessionID = agentSessionID.String
	return sess, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
