package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"patchbay.dev/config"
	"patchbay.dev/gitops"
	"patchbay.dev/llm/conversation"
	"patchbay.dev/loop"
	"patchbay.dev/progress"
	"patchbay.dev/store"
	"patchbay.dev/toolbox"
	"patchbay.dev/workspace"
)

type chatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

type chatResponse struct {
	SessionID    string `json:"session_id"`
	Reply        string `json:"reply"`
	Iterations   int    `json:"iterations,omitempty"`
	LimitReached bool   `json:"limit_reached,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message must not be empty")
		return
	}

	var sess *store.Session
	if req.SessionID == "" {
		var err error
		sess, err = s.createSession(r)
		if err != nil {
			slog.ErrorContext(r.Context(), "create session", "err", err)
			writeError(w, http.StatusInternalServerError, "create session")
			return
		}
	} else {
		var ok bool
		sess, ok = s.ownedSession(w, r, req.SessionID)
		if !ok {
			return
		}
	}

	if s.AgentMode == config.ModeCLI {
		// Same per-session serialization as API mode: at most one live
		// agent run per session.
		release, err := s.Registry.Lock(sess.ID)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		}
		defer release()
		s.chatCLI(w, r, sess, req.Message)
		return
	}

	agent, release, err := s.Registry.Acquire(r.Context(), sess.ID)
	if err != nil {
		slog.ErrorContext(r.Context(), "acquire agent", "session_id", sess.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "acquire agent")
		return
	}
	defer release()

	result, err := agent.ChatTurn(r.Context(), req.Message)
	if err != nil {
		slog.ErrorContext(r.Context(), "chat turn", "session_id", sess.ID, "err", err)
		writeError(w, http.StatusBadGateway, "agent turn failed")
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{
		SessionID:    sess.ID,
		Reply:        result.Text,
		Iterations:   result.Iterations,
		LimitReached: result.LimitReached,
	})
}

// chatCLI delegates the whole turn to the external agent binary. The binary
// owns its own tool loop, so only the user message and the final reply are
// persisted.
func (s *Server) chatCLI(w http.ResponseWriter, r *http.Request, sess *store.Session, message string) {
	ctx := r.Context()
	s.Progress.Reset(sess.ID)
	s.Progress.Step(sess.ID, "running external agent")

	if err := s.Store.AppendMessage(ctx, &store.Message{
		SessionID: sess.ID,
		Role:      "user",
		Content:   message,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "persist message")
		return
	}

	agent := &loop.CLIAgent{
		Bin:     s.AgentBin,
		Dir:     sess.WorkspacePath,
		Timeout: s.AgentTimeout,
	}
	res, err := agent.Run(ctx, message, sess.AgentSessionID)
	if err != nil {
		s.Progress.Finish(sess.ID, progress.StatusFailed)
		slog.ErrorContext(ctx, "external agent", "session_id", sess.ID, "err", err)
		writeError(w, http.StatusBadGateway, "agent run failed")
		return
	}

	if err := s.Store.AppendMessage(ctx, &store.Message{
		SessionID: sess.ID,
		Role:      "assistant",
		Content:   res.Text,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "persist reply")
		return
	}
	// The binary's own session id threads the next turn's --resume, keeping
	// its conversational state across turns.
	if res.SessionID != "" && res.SessionID != sess.AgentSessionID {
		if err := s.Store.UpdateAgentSessionID(ctx, sess.ID, res.SessionID); err != nil {
			slog.WarnContext(ctx, "record agent session", "session_id", sess.ID, "err", err)
		}
	}
	if err := s.Store.TouchSession(ctx, sess.ID); err != nil {
		slog.WarnContext(ctx, "touch session", "session_id", sess.ID, "err", err)
	}

	status := progress.StatusCompleted
	if len(res.Errors) > 0 {
		status = progress.StatusFailed
	}
	s.Progress.Finish(sess.ID, status)
	writeJSON(w, http.StatusOK, chatResponse{SessionID: sess.ID, Reply: res.Text})
}

func (s *Server) createSession(r *http.Request) (*store.Session, error) {
	id := uuid.NewString()
	root, err := s.Workspaces.Create(id)
	if err != nil {
		return nil, err
	}
	sess := &store.Session{
		ID:            id,
		UserID:        userID(r.Context()),
		WorkspacePath: root,
	}
	if err := s.Store.CreateSession(r.Context(), sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// ownedSession loads a session and enforces that it belongs to the caller.
// Sessions of other users read as not found.
func (s *Server) ownedSession(w http.ResponseWriter, r *http.Request, id string) (*store.Session, bool) {
	sess, err := s.Store.GetSession(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load session")
		return nil, false
	}
	if sess.UserID != "" && sess.UserID != userID(r.Context()) {
		writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return sess, true
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.Store.ListSessions(r.Context(), userID(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list sessions")
		return
	}
	if sessions == nil {
		sessions = []*store.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	messages, err := s.Store.Messages(r.Context(), sess.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load messages")
		return
	}
	if messages == nil {
		messages = []*store.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleValidateSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	messages, err := s.Store.Messages(r.Context(), sess.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load messages")
		return
	}
	violations := conversation.ValidateHistory(loop.HistoryToMessages(messages))
	if violations == nil {
		violations = []conversation.Violation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":      len(violations) == 0,
		"violations": violations,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	s.Registry.Release(sess.ID)
	s.Progress.Drop(sess.ID)
	if err := s.Workspaces.Remove(sess.ID); err != nil {
		slog.WarnContext(r.Context(), "remove workspace", "session_id", sess.ID, "err", err)
	}
	if err := s.Store.DeleteSession(r.Context(), sess.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "delete session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	rec, ok := s.Progress.Snapshot(sess.ID)
	if !ok {
		writeError(w, http.StatusNotFound, "no progress recorded for session")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type cloneRequest struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
	Dir       string `json:"dir,omitempty"`
}

// handleCloneRepo clones a repository into the session workspace outside of
// a model turn, then records it as the session's active repository.
func (s *Server) handleCloneRepo(w http.ResponseWriter, r *http.Request) {
	var req cloneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url must not be empty")
		return
	}
	sess, ok := s.ownedSession(w, r, req.SessionID)
	if !ok {
		return
	}

	input, _ := json.Marshal(map[string]string{"url": req.URL, "dir": req.Dir})
	rel := toolbox.CloneDir(input)
	abs, err := workspace.Resolve(sess.WorkspacePath, rel)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := gitops.Clone(r.Context(), req.URL, abs, s.GitToken); err != nil {
		slog.ErrorContext(r.Context(), "clone repo", "session_id", sess.ID, "err", err)
		writeError(w, http.StatusBadGateway, "clone failed")
		return
	}
	if err := s.Store.UpdateActiveRepo(r.Context(), sess.ID, rel); err != nil {
		writeError(w, http.StatusInternalServerError, "record active repo")
		return
	}
	// Drop any cached agent so the next turn picks up the new repository.
	s.Registry.Release(sess.ID)
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sess.ID, "dir": rel})
}
