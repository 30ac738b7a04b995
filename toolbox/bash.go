package toolbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"patchbay.dev/llm"
)

const (
	defaultBashTimeout = 120 * time.Second
	// Each stream is truncated independently past this many characters.
	maxStreamLength = 30000

	bashName        = "bash"
	bashDescription = "Executes a shell command with bash -c inside the session workspace, returning stdout and stderr. Long output is truncated."
	bashInputSchema = `
{
  "type": "object",
  "required": ["command"],
  "properties": {
    "command": {
      "type": "string",
      "description": "Shell script to execute"
    },
    "working_dir": {
      "type": "string",
      "description": "Working directory, relative to the workspace root; defaults to the workspace root"
    },
    "timeout": {
      "type": "integer",
      "description": "Timeout in seconds, defaults to 120"
    }
  }
}
`
)

type bashInput struct {
	Command    string `json:"command"`
	WorkingDir string `json:"working_dir,omitempty"`
	Timeout    int    `json:"timeout,omitempty"`
}

func (i *bashInput) timeout() time.Duration {
	if i.Timeout > 0 {
		return time.Duration(i.Timeout) * time.Second
	}
	return defaultBashTimeout
}

func (tb *Toolbox) bashTool() *llm.Tool {
	return &llm.Tool{
		Name:        bashName,
		Description: bashDescription,
		InputSchema: llm.MustSchema(bashInputSchema),
		Run:         tb.bashRun,
	}
}

func (tb *Toolbox) bashRun(ctx context.Context, m json.RawMessage) (string, error) {
	var req bashInput
	if err := json.Unmarshal(m, &req); err != nil {
		return "", fmt.Errorf("failed to parse bash input: %w", err)
	}
	if req.Command == "" {
		return "", fmt.Errorf("command must not be empty")
	}

	// Quick sanity check, NOT a security barrier.
	if err := checkShellScript(req.Command); err != nil {
		return "", err
	}

	dir := tb.Root
	if req.WorkingDir != "" {
		var err error
		dir, err = tb.resolve(req.WorkingDir)
		if err != nil {
			return "", err
		}
	}
	return executeBash(ctx, req, dir)
}

func executeBash(ctx context.Context, req bashInput, dir string) (string, error) {
	execCtx, cancel := context.WithTimeout(ctx, req.timeout())
	defer cancel()

	// Can't use CombinedOutput because the whole process group has to die
	// on timeout, not just the direct child.
	cmd := exec.CommandContext(execCtx, "bash", "-c", req.Command)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdin = nil
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("command failed: %w", err)
	}
	proc := cmd.Process
	done := make(chan struct{})
	go func() {
		select {
		case <-execCtx.Done():
			if execCtx.Err() == context.DeadlineExceeded && proc != nil {
				// Kill the entire process group.
				syscall.Kill(-proc.Pid, syscall.SIGKILL)
			}
		case <-done:
		}
	}()

	err := cmd.Wait()
	close(done)

	if execCtx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("command timed out after %s", req.timeout())
	}

	outStr := truncateStream(stdout.String())
	errStr := truncateStream(stderr.String())

	if err != nil {
		return "", fmt.Errorf("command failed: %w\n%s%s", err, outStr, renderStderr(errStr))
	}
	return outStr + renderStderr(errStr), nil
}

func renderStderr(errStr string) string {
	if errStr == "" {
		return ""
	}
	return "\nstderr:\n" + errStr
}

// truncateStream caps one output stream, always leaving an explicit marker
// when the tail was dropped.
func truncateStream(s string) string {
	if len(s) <= maxStreamLength {
		return s
	}
	return s[:maxStreamLength] + fmt.Sprintf("\n... (output truncated; %s total)", humanize.Bytes(uint64(len(s))))
}
