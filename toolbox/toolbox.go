// Package toolbox exposes the fixed set of capabilities the model may
// invoke: file read/write/edit/glob, text search, shell execution, and git
// operations. Every filesystem path is confined to the session's workspace
// root; a path that resolves outside it is a validation error, returned to
// the model as data rather than aborting the turn.
package toolbox

import (
	"errors"
	"sync"

	"patchbay.dev/llm"
	"patchbay.dev/workspace"
)

// Toolbox binds the tool set to one session's workspace root.
type Toolbox struct {
	// Root is the workspace root all file operations are confined to.
	Root string
	// GitToken, when set, is injected into clone URLs for the duration of
	// the call and never logged.
	GitToken string

	mu      sync.Mutex
	repoDir string // active repository, default target for git tools
}

func New(root string) *Toolbox {
	return &Toolbox{Root: root}
}

// ActiveRepo returns the session's current git working tree, or "".
func (tb *Toolbox) ActiveRepo() string {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.repoDir
}

// SetActiveRepo records the session's current git working tree. Called by
// the turn loop after it observes a successful clone, never by a tool.
func (tb *Toolbox) SetActiveRepo(dir string) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.repoDir = dir
}

// Tools returns the full tool set, schemas included, in the order it is
// presented to the model.
func (tb *Toolbox) Tools() []*llm.Tool {
	return []*llm.Tool{
		tb.readTool(),
		tb.writeTool(),
		tb.editTool(),
		tb.globTool(),
		tb.grepTool(),
		tb.bashTool(),
		tb.gitCloneTool(),
		tb.gitStatusTool(),
		tb.gitDiffTool(),
		tb.gitCommitTool(),
		tb.gitPushTool(),
		tb.gitPullTool(),
	}
}

// resolve confines path to the workspace root.
func (tb *Toolbox) resolve(path string) (string, error) {
	return workspace.Resolve(tb.Root, path)
}

// repoPath returns the directory a git tool should operate on: the explicit
// argument if given, the active repository otherwise.
func (tb *Toolbox) repoPath(arg string) (string, error) {
	p := arg
	if p == "" {
		p = tb.ActiveRepo()
	}
	if p == "" {
		return "", errors.New("no repo_path given and the session has no active repository; clone one first")
	}
	return tb.resolve(p)
}
