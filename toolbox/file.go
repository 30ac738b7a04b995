package toolbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"patchbay.dev/llm"
)

const (
	defaultReadLimit = 2000
	maxLineLength    = 2000

	readName        = "read_file"
	readDescription = "Reads a file from the session workspace, returning numbered lines. Use offset/limit for large files."
	readInputSchema = `
{
  "type": "object",
  "required": ["path"],
  "properties": {
    "path": {
      "type": "string",
      "description": "File path, relative to the workspace root"
    },
    "offset": {
      "type": "integer",
      "description": "Line number to start reading from, defaults to 0"
    },
    "limit": {
      "type": "integer",
      "description": "Maximum number of lines to read, defaults to 2000"
    }
  }
}
`

	writeName        = "write_file"
	writeDescription = "Writes content to a file in the session workspace, creating parent directories as needed. Overwrites existing content."
	writeInputSchema = `
{
  "type": "object",
  "required": ["path", "content"],
  "properties": {
    "path": {
      "type": "string",
      "description": "File path, relative to the workspace root"
    },
    "content": {
      "type": "string",
      "description": "Full file content to write"
    }
  }
}
`

	editName        = "edit_file"
	editDescription = "Replaces an exact substring in a file. Fails if old_string is absent, or ambiguous when replace_all is false."
	editInputSchema = `
{
  "type": "object",
  "required": ["path", "old_string", "new_string"],
  "properties": {
    "path": {
      "type": "string",
      "description": "File path, relative to the workspace root"
    },
    "old_string": {
      "type": "string",
      "description": "Exact text to replace"
    },
    "new_string": {
      "type": "string",
      "description": "Replacement text"
    },
    "replace_all": {
      "type": "boolean",
      "description": "Replace every occurrence instead of requiring a unique match, defaults to false"
    }
  }
}
`

	globName        = "glob_pattern"
	globDescription = "Finds files matching a glob pattern, sorted by modification time, newest first."
	globInputSchema = `
{
  "type": "object",
  "required": ["pattern"],
  "properties": {
    "pattern": {
      "type": "string",
      "description": "Glob pattern, e.g. *.go or **/*.py"
    },
    "path": {
      "type": "string",
      "description": "Directory to search in, defaults to the workspace root"
    }
  }
}
`
)

type readInput struct {
	Path   string `json:"path"`
	Offset int    `json:"offset,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

func (tb *Toolbox) readTool() *llm.Tool {
	return &llm.Tool{
		Name:        readName,
		Description: readDescription,
		InputSchema: llm.MustSchema(readInputSchema),
		Run:         tb.readRun,
	}
}

func (tb *Toolbox) readRun(ctx context.Context, m json.RawMessage) (string, error) {
	var req readInput
	if err := json.Unmarshal(m, &req); err != nil {
		return "", fmt.Errorf("failed to parse read_file input: %w", err)
	}
	abs, err := tb.resolve(req.Path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("file not found: %s", req.Path)
	}
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("not a file: %s", req.Path)
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}

	lines := strings.Split(string(content), "\n")
	offset := max(req.Offset, 0)
	limit := req.Limit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	if offset >= len(lines) {
		return "", fmt.Errorf("offset %d is beyond the end of the file (%d lines)", offset, len(lines))
	}
	end := min(offset+limit, len(lines))

	var b strings.Builder
	for i := offset; i < end; i++ {
		line := lines[i]
		if len(line) > maxLineLength {
			line = line[:maxLineLength] + "... (line truncated)"
		}
		fmt.Fprintf(&b, "%6d\t%s\n", i+1, line)
	}
	return b.String(), nil
}

type writeInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (tb *Toolbox) writeTool() *llm.Tool {
	return &llm.Tool{
		Name:        writeName,
		Description: writeDescription,
		InputSchema: llm.MustSchema(writeInputSchema),
		Run:         tb.writeRun,
	}
}

func (tb *Toolbox) writeRun(ctx context.Context, m json.RawMessage) (string, error) {
	var req writeInput
	if err := json.Unmarshal(m, &req); err != nil {
		return "", fmt.Errorf("failed to parse write_file input: %w", err)
	}
	abs, err := tb.resolve(req.Path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory for %s: %w", req.Path, err)
	}
	if err := os.WriteFile(abs, []byte(req.Content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", req.Path, err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(req.Content), req.Path), nil
}

type editInput struct {
	Path       string `json:"path"`
	OldString  string `json:"old_string"`
	NewString  string `json:"new_string"`
	ReplaceAll bool   `json:"replace_all,omitempty"`
}

func (tb *Toolbox) editTool() *llm.Tool {
	return &llm.Tool{
		Name:        editName,
		Description: editDescription,
		InputSchema: llm.MustSchema(editInputSchema),
		Run:         tb.editRun,
	}
}

func (tb *Toolbox) editRun(ctx context.Context, m json.RawMessage) (string, error) {
	var req editInput
	if err := json.Unmarshal(m, &req); err != nil {
		return "", fmt.Errorf("failed to parse edit_file input: %w", err)
	}
	if req.OldString == "" {
		return "", fmt.Errorf("old_string must not be empty")
	}
	if req.OldString == req.NewString {
		return "", fmt.Errorf("old_string and new_string are identical")
	}
	abs, err := tb.resolve(req.Path)
	if err != nil {
		return "", err
	}
	content, err := os.ReadFile(abs)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("file not found: %s", req.Path)
	}
	if err != nil {
		return "", err
	}
	old := string(content)

	occurrences := strings.Count(old, req.OldString)
	if occurrences == 0 {
		return "", fmt.Errorf("no replacement was performed: old_string did not appear verbatim in %s", req.Path)
	}
	if occurrences > 1 && !req.ReplaceAll {
		return "", fmt.Errorf("no replacement was performed: old_string appears %d times in %s; make it unique or set replace_all", occurrences, req.Path)
	}

	var updated string
	replaced := 1
	if req.ReplaceAll {
		updated = strings.ReplaceAll(old, req.OldString, req.NewString)
		replaced = occurrences
	} else {
		updated = strings.Replace(old, req.OldString, req.NewString, 1)
	}
	if err := os.WriteFile(abs, []byte(updated), 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", req.Path, err)
	}

	dmp := diffmatchpatch.New()
	patch := dmp.PatchToText(dmp.PatchMake(old, updated))
	return fmt.Sprintf("Replaced %d occurrence(s) in %s.\n%s", replaced, req.Path, patch), nil
}

type globInput struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path,omitempty"`
}

func (tb *Toolbox) globTool() *llm.Tool {
	return &llm.Tool{
		Name:        globName,
		Description: globDescription,
		InputSchema: llm.MustSchema(globInputSchema),
		Run:         tb.globRun,
	}
}

func (tb *Toolbox) globRun(ctx context.Context, m json.RawMessage) (string, error) {
	var req globInput
	if err := json.Unmarshal(m, &req); err != nil {
		return "", fmt.Errorf("failed to parse glob_pattern input: %w", err)
	}
	base := tb.Root
	if req.Path != "" {
		var err error
		base, err = tb.resolve(req.Path)
		if err != nil {
			return "", err
		}
	}

	matches, err := globMatches(base, req.Pattern)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "No files matched pattern " + req.Pattern, nil
	}

	// Newest first.
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].modTime.After(matches[j].modTime)
	})
	var b strings.Builder
	for _, match := range matches {
		b.WriteString(match.rel)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

type globMatch struct {
	rel     string
	modTime time.Time
}

// globMatches walks base and matches rel paths against pattern. Patterns
// with a "**/" prefix also match against the basename, since path.Match has
// no recursive wildcard.
func globMatches(base, pattern string) ([]globMatch, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid glob pattern %q: %w", pattern, err)
	}
	basePattern := strings.TrimPrefix(pattern, "**/")

	var matches []globMatch
	err := filepath.WalkDir(base, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		ok, _ := path.Match(pattern, rel)
		if !ok {
			ok, _ = path.Match(basePattern, path.Base(rel))
		}
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		matches = append(matches, globMatch{rel: rel, modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}
