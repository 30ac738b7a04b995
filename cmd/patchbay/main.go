// Command patchbay serves the chat-to-agent orchestration API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"patchbay.dev/config"
	"patchbay.dev/llm"
	"patchbay.dev/llm/ant"
	"patchbay.dev/llm/oai"
	"patchbay.dev/loop"
	"patchbay.dev/progress"
	"patchbay.dev/scribe"
	"patchbay.dev/server"
	"patchbay.dev/store"
	"patchbay.dev/workspace"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "patchbay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Missing .env is fine; the environment may carry everything.
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(scribe.NewLogger(os.Stderr, cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	workspaces, err := workspace.NewStore(cfg.WorkspaceDir)
	if err != nil {
		return err
	}

	service := modelService(cfg)
	tracker := progress.NewTracker()

	registry := loop.NewRegistry(func(ctx context.Context, sessionID string) (*loop.Agent, error) {
		sess, err := db.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return loop.NewAgent(ctx, loop.AgentConfig{
			SessionID:     sess.ID,
			Service:       service,
			Store:         db,
			Progress:      tracker,
			WorkspaceRoot: sess.WorkspacePath,
			ActiveRepo:    sess.ActiveRepo,
			GitToken:      cfg.GitToken,
			MaxIterations: cfg.MaxIterations,
		})
	})

	srv := &server.Server{
		Store:        db,
		Registry:     registry,
		Progress:     tracker,
		Workspaces:   workspaces,
		JWTSecret:    []byte(cfg.JWTSecret),
		AgentMode:    cfg.AgentMode,
		AgentBin:     cfg.AgentBin,
		AgentTimeout: cfg.AgentTimeout,
		GitToken:     cfg.GitToken,
	}

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
	}

	go sweepSessions(ctx, db, workspaces, registry, tracker, cfg.SessionTTL)

	errc := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "listening", "addr", cfg.Addr, "agent_mode", cfg.AgentMode)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	registry.ReleaseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func modelService(cfg *config.Config) llm.Service {
	if cfg.Provider == "openai" {
		return &oai.Service{
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.Model,
		}
	}
	return &ant.Service{
		APIKey: cfg.AnthropicAPIKey,
		Model:  cfg.Model,
	}
}

// sweepSessions periodically reclaims sessions idle past the TTL, removing
// their workspaces and persisted state.
func sweepSessions(ctx context.Context, db store.Store, workspaces *workspace.Store, registry *loop.Registry, tracker *progress.Tracker, ttl time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		expired, err := db.ExpiredSessions(ctx, ttl)
		if err != nil {
			slog.WarnContext(ctx, "list expired sessions", "err", err)
			continue
		}
		for _, sess := range expired {
			registry.Release(sess.ID)
			tracker.Drop(sess.ID)
			if err := workspaces.Remove(sess.ID); err != nil {
				slog.WarnContext(ctx, "remove workspace", "session_id", sess.ID, "err", err)
			}
			if err := db.DeleteSession(ctx, sess.ID); err != nil {
				slog.WarnContext(ctx, "delete session", "session_id", sess.ID, "err", err)
				continue
			}
			slog.InfoContext(ctx, "swept idle session", "session_id", sess.ID)
		}
	}
}
