// Package workspace allocates and reclaims per-session directory trees and
// confines paths to them.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrOutsideRoot is returned when a path resolves outside the workspace
// root after following ".." and symlinks.
var ErrOutsideRoot = errors.New("path escapes the workspace root")

// Store owns the directory tree under which every session workspace lives.
type Store struct {
	BaseDir string
}

func NewStore(baseDir string) (*Store, error) {
	if baseDir == "" {
		return nil, errors.New("workspace: base dir must not be empty")
	}
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("workspace: create base dir: %w", err)
	}
	return &Store{BaseDir: baseDir}, nil
}

// Create allocates the workspace root for a session. Creating an existing
// workspace is a no-op; the returned path is stable for the session's life.
func (s *Store) Create(sessionID string) (string, error) {
	root := s.Root(sessionID)
	if err := os.MkdirAll(root, 0o700); err != nil {
		return "", fmt.Errorf("workspace: create %s: %w", sessionID, err)
	}
	return root, nil
}

// Root returns the workspace root path for a session. The directory may not
// exist yet; use Create to allocate it.
func (s *Store) Root(sessionID string) string {
	return filepath.Join(s.BaseDir, sessionID)
}

// Remove deletes a session's workspace tree as a unit.
func (s *Store) Remove(sessionID string) error {
	return os.RemoveAll(s.Root(sessionID))
}

// SweepOlderThan removes workspaces whose directories have not been
// modified within age. It is a backstop for sessions that were never
// explicitly deleted; logical session state is cleaned up separately.
func (s *Store) SweepOlderThan(ctx context.Context, age time.Duration) (int, error) {
	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		return 0, fmt.Errorf("workspace: sweep: %w", err)
	}
	cutoff := time.Now().Add(-age)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.BaseDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			slog.WarnContext(ctx, "workspace_sweep_failed", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Resolve turns path (absolute or relative to root) into an absolute path
// guaranteed to lie under root. Symlinks and ".." segments are resolved
// before the containment check, so "subdir/../../outside" and a symlink
// pointing out of the tree are both rejected with ErrOutsideRoot.
//
// The returned path itself need not exist; only its deepest existing
// ancestor is resolved, so Resolve works for files about to be created.
func Resolve(root, path string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	rootReal, err := filepath.EvalSymlinks(rootAbs)
	if err != nil {
		return "", fmt.Errorf("workspace root %s: %w", root, err)
	}

	cand := path
	if !filepath.IsAbs(cand) {
		cand = filepath.Join(rootAbs, cand)
	}
	resolved, err := resolveExisting(filepath.Clean(cand))
	if err != nil {
		return "", err
	}
	if !within(rootReal, resolved) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return resolved, nil
}

// resolveExisting resolves symlinks on the longest existing ancestor of p
// and reattaches the nonexistent remainder.
func resolveExisting(p string) (string, error) {
	rest := ""
	for {
		real, err := filepath.EvalSymlinks(p)
		if err == nil {
			return filepath.Join(real, rest), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", err
		}
		rest = filepath.Join(filepath.Base(p), rest)
		p = parent
	}
}

func within(root, path string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
