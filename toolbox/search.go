package toolbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"patchbay.dev/llm"
)

const (
	defaultHeadLimit = 100

	grepName        = "grep"
	grepDescription = "Searches file contents with a regular expression. Supports content, files_with_matches, and count output modes, context lines, and glob/extension filters. Results are capped by head_limit."
	grepInputSchema = `
{
  "type": "object",
  "required": ["pattern"],
  "properties": {
    "pattern": {
      "type": "string",
      "description": "Regular expression to search for"
    },
    "path": {
      "type": "string",
      "description": "File or directory to search in, defaults to the workspace root"
    },
    "glob": {
      "type": "string",
      "description": "Glob filter on file names, e.g. *.go"
    },
    "type": {
      "type": "string",
      "description": "File extension filter, e.g. py or go"
    },
    "-i": {
      "type": "boolean",
      "description": "Case insensitive search"
    },
    "-B": {
      "type": "integer",
      "description": "Lines of context before each match (content mode)"
    },
    "-A": {
      "type": "integer",
      "description": "Lines of context after each match (content mode)"
    },
    "-C": {
      "type": "integer",
      "description": "Lines of context around each match (content mode)"
    },
    "output_mode": {
      "type": "string",
      "enum": ["content", "files_with_matches", "count"],
      "description": "Output shape, defaults to files_with_matches"
    },
    "head_limit": {
      "type": "integer",
      "description": "Maximum number of result entries, defaults to 100"
    }
  }
}
`
)

type grepInput struct {
	Pattern         string `json:"pattern"`
	Path            string `json:"path,omitempty"`
	Glob            string `json:"glob,omitempty"`
	Type            string `json:"type,omitempty"`
	CaseInsensitive bool   `json:"-i,omitempty"`
	Before          int    `json:"-B,omitempty"`
	After           int    `json:"-A,omitempty"`
	Context         int    `json:"-C,omitempty"`
	OutputMode      string `json:"output_mode,omitempty"`
	HeadLimit       int    `json:"head_limit,omitempty"`
}

func (tb *Toolbox) grepTool() *llm.Tool {
	return &llm.Tool{
		Name:        grepName,
		Description: grepDescription,
		InputSchema: llm.MustSchema(grepInputSchema),
		Run:         tb.grepRun,
	}
}

func (tb *Toolbox) grepRun(ctx context.Context, m json.RawMessage) (string, error) {
	var req grepInput
	if err := json.Unmarshal(m, &req); err != nil {
		return "", fmt.Errorf("failed to parse grep input: %w", err)
	}

	mode := req.OutputMode
	if mode == "" {
		mode = "files_with_matches"
	}
	switch mode {
	case "content", "files_with_matches", "count":
	default:
		return "", fmt.Errorf("invalid output_mode %q; must be content, files_with_matches, or count", mode)
	}

	expr := req.Pattern
	if req.CaseInsensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return "", fmt.Errorf("invalid regex pattern %q: %w", req.Pattern, err)
	}

	base := tb.Root
	if req.Path != "" {
		base, err = tb.resolve(req.Path)
		if err != nil {
			return "", err
		}
	}
	if req.Glob != "" {
		if _, err := path.Match(req.Glob, ""); err != nil {
			return "", fmt.Errorf("invalid glob filter %q: %w", req.Glob, err)
		}
	}

	before, after := req.Before, req.After
	if req.Context > 0 {
		before, after = req.Context, req.Context
	}
	limit := req.HeadLimit
	if limit <= 0 {
		limit = defaultHeadLimit
	}

	s := &grepState{
		re:     re,
		mode:   mode,
		before: before,
		after:  after,
		limit:  limit,
		base:   base,
	}

	info, err := os.Stat(base)
	if err != nil {
		return "", fmt.Errorf("path not found: %s", req.Path)
	}
	if info.IsDir() {
		err = filepath.WalkDir(base, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if d.Name() == ".git" {
					return filepath.SkipDir
				}
				return nil
			}
			if !s.wantFile(d.Name(), req) {
				return nil
			}
			if s.truncated {
				return filepath.SkipAll
			}
			s.searchFile(p)
			return nil
		})
		if err != nil {
			return "", err
		}
	} else {
		s.searchFile(base)
	}

	if len(s.entries) == 0 {
		return "No matches found", nil
	}
	out := strings.Join(s.entries, "\n")
	if s.truncated {
		out += fmt.Sprintf("\n... (results capped at %d)", limit)
	}
	return out, nil
}

type grepState struct {
	re            *regexp.Regexp
	mode          string
	before, after int
	limit         int
	base          string
	entries       []string
	truncated     bool
}

func (s *grepState) full() bool {
	return len(s.entries) >= s.limit
}

func (s *grepState) add(entry string) {
	if s.full() {
		s.truncated = true
		return
	}
	s.entries = append(s.entries, entry)
}

func (s *grepState) wantFile(name string, req grepInput) bool {
	if req.Type != "" && !strings.HasSuffix(name, "."+strings.TrimPrefix(req.Type, ".")) {
		return false
	}
	if req.Glob != "" {
		if ok, _ := path.Match(req.Glob, name); !ok {
			return false
		}
	}
	return true
}

func (s *grepState) searchFile(p string) {
	content, err := os.ReadFile(p)
	if err != nil || !utf8.Valid(content) {
		return // unreadable or binary
	}
	rel, err := filepath.Rel(s.base, p)
	if err != nil || rel == "." {
		rel = filepath.Base(p)
	}

	lines := strings.Split(string(content), "\n")
	count := 0
	for i, line := range lines {
		if !s.re.MatchString(line) {
			continue
		}
		count++
		if s.mode == "content" {
			start := max(0, i-s.before)
			end := min(len(lines), i+s.after+1)
			for j := start; j < end; j++ {
				sep := "-"
				if j == i {
					sep = ":"
				}
				// Stop only once an entry past the limit was attempted,
				// so a capped result always carries the marker.
				s.add(fmt.Sprintf("%s%s%d%s%s", rel, sep, j+1, sep, lines[j]))
				if s.truncated {
					return
				}
			}
		}
	}
	if count == 0 {
		return
	}
	switch s.mode {
	case "files_with_matches":
		s.add(rel)
	case "count":
		s.add(fmt.Sprintf("%s:%d", rel, count))
	}
}
