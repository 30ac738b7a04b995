package loop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"patchbay.dev/outparse"
	"patchbay.dev/scribe"
)

// DefaultCLITimeout bounds one external agent run by wall clock rather than
// by model calls.
const DefaultCLITimeout = 300 * time.Second

// CLIAgent delegates a whole turn to an external coding agent binary run as
// a subprocess. The binary owns its tool loop; we only bound it by wall
// clock and normalize whatever it prints.
type CLIAgent struct {
	// Bin is the agent executable, resolved through PATH.
	Bin string
	// Dir is the working directory for the run, usually the session
	// workspace root.
	Dir string
	// Timeout bounds one run; DefaultCLITimeout when zero.
	Timeout time.Duration
	// Env is the subprocess environment; inherits the parent's when nil.
	Env []string
}

// Run executes one non-interactive turn. resumeID, when non-empty, asks the
// agent to continue a previous run. The subprocess is started in its own
// process group and the whole group is killed on timeout so grandchildren
// do not outlive the run.
func (c *CLIAgent) Run(ctx context.Context, prompt, resumeID string) (outparse.Result, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultCLITimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"-p", prompt, "--output-format", "json"}
	if resumeID != "" {
		args = append(args, "--resume", resumeID)
	}

	cmd := exec.Command(c.Bin, args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	slog.DebugContext(ctx, "agent run",
		"bin", c.Bin,
		"dir", c.Dir,
		"resume_id", resumeID,
		"env", scribe.RedactEnv(c.Env),
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return outparse.Result{}, fmt.Errorf("start agent %s: %w", c.Bin, err)
	}

	errc := make(chan error, 1)
	go func() { errc <- cmd.Wait() }()

	var runErr error
	select {
	case <-ctx.Done():
		// Kill the whole process group, not just the immediate child.
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-errc
		runErr = fmt.Errorf("agent timed out after %s", timeout)
	case err := <-errc:
		runErr = err
	}

	exitCode := 0
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		exitCode = exitErr.ExitCode()
		runErr = nil // exit code is carried in the parsed result
	}

	res := outparse.Parse(stdout.Bytes(), exitCode)
	if runErr != nil {
		if s := bytes.TrimSpace(stderr.Bytes()); len(s) > 0 {
			return res, fmt.Errorf("%w\n%s", runErr, s)
		}
		return res, runErr
	}
	return res, nil
}
