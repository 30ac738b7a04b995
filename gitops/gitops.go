// Package gitops wraps the git CLI for the operations the agent and the
// repo-management API need.
package gitops

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os/exec"
	"strings"

	"patchbay.dev/scribe"
)

// Status summarizes the state of a working tree.
type Status struct {
	Branch    string `json:"branch"`
	Staged    int    `json:"staged"`
	Modified  int    `json:"modified"`
	Untracked int    `json:"untracked"`
	Dirty     bool   `json:"dirty"`
}

func git(ctx context.Context, dir string, args ...string) (string, error) {
	cmdArgs := append([]string{"-C", dir}, args...)
	out, err := exec.CommandContext(ctx, "git", cmdArgs...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w - %s", args[0], err, out)
	}
	return string(out), nil
}

// Clone clones repoURL into dir. A non-empty token is injected into the URL
// for the duration of the call only; logs and error text carry the redacted
// form, never the credential.
func Clone(ctx context.Context, repoURL, dir, token string) error {
	authURL := repoURL
	if token != "" {
		u, err := url.Parse(repoURL)
		if err != nil {
			return fmt.Errorf("git clone: parse url: %w", err)
		}
		u.User = url.User(token)
		authURL = u.String()
	}
	slog.InfoContext(ctx, "git_clone", "url", scribe.RedactURL(authURL), "dir", dir)

	out, err := exec.CommandContext(ctx, "git", "clone", authURL, dir).CombinedOutput()
	if err != nil {
		text := string(out)
		if token != "" {
			text = strings.ReplaceAll(text, token, "[REDACTED]")
		}
		return fmt.Errorf("git clone %s: %w - %s", scribe.RedactURL(authURL), err, text)
	}
	return nil
}

// WorkingTreeStatus parses `git status --porcelain` into counts.
func WorkingTreeStatus(ctx context.Context, dir string) (Status, error) {
	branch, err := git(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return Status{}, err
	}
	out, err := git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return Status{}, err
	}
	st := Status{Branch: strings.TrimSpace(branch)}
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 2 {
			continue
		}
		x, y := line[0], line[1]
		switch {
		case x == '?' && y == '?':
			st.Untracked++
		default:
			if x != ' ' {
				st.Staged++
			}
			if y != ' ' {
				st.Modified++
			}
		}
		st.Dirty = true
	}
	return st, nil
}

// Diff returns the combined staged and unstaged diff against HEAD,
// optionally restricted to paths.
func Diff(ctx context.Context, dir string, paths ...string) (string, error) {
	args := []string{"diff", "HEAD"}
	if len(paths) > 0 {
		args = append(args, "--")
		args = append(args, paths...)
	}
	return git(ctx, dir, args...)
}

// Commit stages files (all changes when files is empty) and commits them.
// It returns the new commit's short hash.
func Commit(ctx context.Context, dir, message string, files []string) (string, error) {
	addArgs := []string{"add"}
	if len(files) == 0 {
		addArgs = append(addArgs, "-A")
	} else {
		addArgs = append(addArgs, "--")
		addArgs = append(addArgs, files...)
	}
	if _, err := git(ctx, dir, addArgs...); err != nil {
		return "", err
	}
	if _, err := git(ctx, dir, "commit", "-m", message); err != nil {
		return "", err
	}
	sha, err := git(ctx, dir, "rev-parse", "--short", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(sha), nil
}

// Push pushes the current branch. Remote defaults to origin; branch defaults
// to HEAD.
func Push(ctx context.Context, dir, remote, branch string) (string, error) {
	if remote == "" {
		remote = "origin"
	}
	if branch == "" {
		branch = "HEAD"
	}
	return git(ctx, dir, "push", remote, branch)
}

// Pull fast-forwards the current branch from its upstream.
func Pull(ctx context.Context, dir string) (string, error) {
	return git(ctx, dir, "pull")
}
