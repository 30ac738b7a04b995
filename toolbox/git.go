package toolbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"patchbay.dev/gitops"
	"patchbay.dev/llm"
)

const (
	gitCloneName        = "git_clone"
	gitCloneDescription = "Clones a git repository into the session workspace. The clone becomes the session's active repository."
	gitCloneInputSchema = `
{
  "type": "object",
  "required": ["url"],
  "properties": {
    "url": {
      "type": "string",
      "description": "Repository URL to clone"
    },
    "dir": {
      "type": "string",
      "description": "Target directory relative to the workspace root, defaults to the repository name"
    }
  }
}
`

	gitStatusName        = "git_status"
	gitStatusDescription = "Reports staged/modified/untracked counts and the dirty flag for a repository."
	gitStatusInputSchema = `
{
  "type": "object",
  "properties": {
    "repo_path": {
      "type": "string",
      "description": "Repository path relative to the workspace root, defaults to the active repository"
    }
  }
}
`

	gitDiffName        = "git_diff"
	gitDiffDescription = "Shows the diff of uncommitted changes against HEAD, optionally restricted to paths."
	gitDiffInputSchema = `
{
  "type": "object",
  "properties": {
    "repo_path": {
      "type": "string",
      "description": "Repository path relative to the workspace root, defaults to the active repository"
    },
    "paths": {
      "type": "array",
      "items": {"type": "string"},
      "description": "Restrict the diff to these paths"
    }
  }
}
`

	gitCommitName        = "git_commit"
	gitCommitDescription = "Commits changes. With no file list, all changes are staged."
	gitCommitInputSchema = `
{
  "type": "object",
  "required": ["message"],
  "properties": {
    "message": {
      "type": "string",
      "description": "Commit message"
    },
    "repo_path": {
      "type": "string",
      "description": "Repository path relative to the workspace root, defaults to the active repository"
    },
    "files": {
      "type": "array",
      "items": {"type": "string"},
      "description": "Files to stage; all changes when omitted"
    }
  }
}
`

	gitPushName        = "git_push"
	gitPushDescription = "Pushes the current branch to a remote."
	gitPushInputSchema = `
{
  "type": "object",
  "properties": {
    "repo_path": {
      "type": "string",
      "description": "Repository path relative to the workspace root, defaults to the active repository"
    },
    "remote": {
      "type": "string",
      "description": "Remote name, defaults to origin"
    },
    "branch": {
      "type": "string",
      "description": "Branch to push, defaults to the current branch"
    }
  }
}
`

	gitPullName        = "git_pull"
	gitPullDescription = "Pulls the current branch from its upstream."
	gitPullInputSchema = `
{
  "type": "object",
  "properties": {
    "repo_path": {
      "type": "string",
      "description": "Repository path relative to the workspace root, defaults to the active repository"
    }
  }
}
`
)

type gitCloneInput struct {
	URL string `json:"url"`
	Dir string `json:"dir,omitempty"`
}

func (tb *Toolbox) gitCloneTool() *llm.Tool {
	return &llm.Tool{
		Name:        gitCloneName,
		Description: gitCloneDescription,
		InputSchema: llm.MustSchema(gitCloneInputSchema),
		Run:         tb.gitCloneRun,
	}
}

// CloneDir reports the workspace-relative directory a git_clone input will
// clone into. The turn loop uses this to update the session's active
// repository after observing a successful clone.
func CloneDir(input json.RawMessage) string {
	var req gitCloneInput
	if err := json.Unmarshal(input, &req); err != nil {
		return ""
	}
	return req.cloneDir()
}

func (i *gitCloneInput) cloneDir() string {
	if i.Dir != "" {
		return i.Dir
	}
	name := i.URL
	if u, err := url.Parse(i.URL); err == nil && u.Path != "" {
		name = u.Path
	}
	return strings.TrimSuffix(path.Base(name), ".git")
}

func (tb *Toolbox) gitCloneRun(ctx context.Context, m json.RawMessage) (string, error) {
	var req gitCloneInput
	if err := json.Unmarshal(m, &req); err != nil {
		return "", fmt.Errorf("failed to parse git_clone input: %w", err)
	}
	if req.URL == "" {
		return "", fmt.Errorf("url must not be empty")
	}
	rel := req.cloneDir()
	abs, err := tb.resolve(rel)
	if err != nil {
		return "", err
	}
	if err := gitops.Clone(ctx, req.URL, abs, tb.GitToken); err != nil {
		return "", err
	}
	return fmt.Sprintf("Cloned into %s", rel), nil
}

type gitStatusInput struct {
	RepoPath string `json:"repo_path,omitempty"`
}

func (tb *Toolbox) gitStatusTool() *llm.Tool {
	return &llm.Tool{
		Name:        gitStatusName,
		Description: gitStatusDescription,
		InputSchema: llm.MustSchema(gitStatusInputSchema),
		Run:         tb.gitStatusRun,
	}
}

func (tb *Toolbox) gitStatusRun(ctx context.Context, m json.RawMessage) (string, error) {
	var req gitStatusInput
	if err := json.Unmarshal(m, &req); err != nil {
		return "", fmt.Errorf("failed to parse git_status input: %w", err)
	}
	dir, err := tb.repoPath(req.RepoPath)
	if err != nil {
		return "", err
	}
	st, err := gitops.WorkingTreeStatus(ctx, dir)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(st)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

type gitDiffInput struct {
	RepoPath string   `json:"repo_path,omitempty"`
	Paths    []string `json:"paths,omitempty"`
}

func (tb *Toolbox) gitDiffTool() *llm.Tool {
	return &llm.Tool{
		Name:        gitDiffName,
		Description: gitDiffDescription,
		InputSchema: llm.MustSchema(gitDiffInputSchema),
		Run:         tb.gitDiffRun,
	}
}

func (tb *Toolbox) gitDiffRun(ctx context.Context, m json.RawMessage) (string, error) {
	var req gitDiffInput
	if err := json.Unmarshal(m, &req); err != nil {
		return "", fmt.Errorf("failed to parse git_diff input: %w", err)
	}
	dir, err := tb.repoPath(req.RepoPath)
	if err != nil {
		return "", err
	}
	out, err := gitops.Diff(ctx, dir, req.Paths...)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return "No uncommitted changes", nil
	}
	return truncateStream(out), nil
}

type gitCommitInput struct {
	Message  string   `json:"message"`
	RepoPath string   `json:"repo_path,omitempty"`
	Files    []string `json:"files,omitempty"`
}

func (tb *Toolbox) gitCommitTool() *llm.Tool {
	return &llm.Tool{
		Name:        gitCommitName,
		Description: gitCommitDescription,
		InputSchema: llm.MustSchema(gitCommitInputSchema),
		Run:         tb.gitCommitRun,
	}
}

func (tb *Toolbox) gitCommitRun(ctx context.Context, m json.RawMessage) (string, error) {
	var req gitCommitInput
	if err := json.Unmarshal(m, &req); err != nil {
		return "", fmt.Errorf("failed to parse git_commit input: %w", err)
	}
	if req.Message == "" {
		return "", fmt.Errorf("message must not be empty")
	}
	dir, err := tb.repoPath(req.RepoPath)
	if err != nil {
		return "", err
	}
	// File arguments stay inside the repository.
	for _, f := range req.Files {
		if _, err := tb.resolve(filepath.Join(req.RepoPath, f)); err != nil {
			return "", err
		}
	}
	sha, err := gitops.Commit(ctx, dir, req.Message, req.Files)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Committed %s", sha), nil
}

type gitPushInput struct {
	RepoPath string `json:"repo_path,omitempty"`
	Remote   string `json:"remote,omitempty"`
	Branch   string `json:"branch,omitempty"`
}

func (tb *Toolbox) gitPushTool() *llm.Tool {
	return &llm.Tool{
		Name:        gitPushName,
		Description: gitPushDescription,
		InputSchema: llm.MustSchema(gitPushInputSchema),
		Run:         tb.gitPushRun,
	}
}

func (tb *Toolbox) gitPushRun(ctx context.Context, m json.RawMessage) (string, error) {
	var req gitPushInput
	if err := json.Unmarshal(m, &req); err != nil {
		return "", fmt.Errorf("failed to parse git_push input: %w", err)
	}
	dir, err := tb.repoPath(req.RepoPath)
	if err != nil {
		return "", err
	}
	out, err := gitops.Push(ctx, dir, req.Remote, req.Branch)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace("Pushed\n" + out), nil
}

type gitPullInput struct {
	RepoPath string `json:"repo_path,omitempty"`
}

func (tb *Toolbox) gitPullTool() *llm.Tool {
	return &llm.Tool{
		Name:        gitPullName,
		Description: gitPullDescription,
		InputSchema: llm.MustSchema(gitPullInputSchema),
		Run:         tb.gitPullRun,
	}
}

func (tb *Toolbox) gitPullRun(ctx context.Context, m json.RawMessage) (string, error) {
	var req gitPullInput
	if err := json.Unmarshal(m, &req); err != nil {
		return "", fmt.Errorf("failed to parse git_pull input: %w", err)
	}
	dir, err := tb.repoPath(req.RepoPath)
	if err != nil {
		return "", err
	}
	out, err := gitops.Pull(ctx, dir)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
