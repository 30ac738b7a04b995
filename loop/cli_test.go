package loop

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// fakeAgentBin writes an executable shell script standing in for the agent
// binary and returns its path.
func fakeAgentBin(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCLIAgentRun(t *testing.T) {
	t.Run("Structured Output", func(t *testing.T) {
		bin := fakeAgentBin(t, `echo '{"result":"refactored the parser","session_id":"agent-sess-1"}'`)
		agent := &CLIAgent{Bin: bin, Dir: t.TempDir()}

		res, err := agent.Run(context.Background(), "refactor the parser", "")
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if res.Text != "refactored the parser" {
			t.Errorf("unexpected text: %q", res.Text)
		}
		if res.SessionID != "agent-sess-1" {
			t.Errorf("unexpected session id: %q", res.SessionID)
		}
	})

	t.Run("Arguments Forwarded", func(t *testing.T) {
		// The script echoes its arguments back as the result.
		bin := fakeAgentBin(t, `printf '{"result":"%s"}' "$*"`)
		agent := &CLIAgent{Bin: bin, Dir: t.TempDir()}

		res, err := agent.Run(context.Background(), "fix the bug", "resume-7")
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		for _, want := range []string{"-p fix the bug", "--output-format json", "--resume resume-7"} {
			if !strings.Contains(res.Text, want) {
				t.Errorf("expected %q in argv, got %q", want, res.Text)
			}
		}
	})

	t.Run("Nonzero Exit Becomes An Error Entry", func(t *testing.T) {
		bin := fakeAgentBin(t, `echo '{"result":"partial work"}'; exit 2`)
		agent := &CLIAgent{Bin: bin, Dir: t.TempDir()}

		res, err := agent.Run(context.Background(), "do it", "")
		if err != nil {
			t.Fatalf("exit codes are data, not errors: %v", err)
		}
		if res.Text != "partial work" {
			t.Errorf("unexpected text: %q", res.Text)
		}
		if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "exited with code 2") {
			t.Errorf("unexpected errors: %v", res.Errors)
		}
	})

	t.Run("Plain Text Fallback", func(t *testing.T) {
		bin := fakeAgentBin(t, `echo "just chatting, no JSON here"`)
		agent := &CLIAgent{Bin: bin, Dir: t.TempDir()}

		res, err := agent.Run(context.Background(), "hello", "")
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if !strings.Contains(res.Text, "just chatting") {
			t.Errorf("unexpected text: %q", res.Text)
		}
		if len(res.Invocations) != 0 {
			t.Errorf("plain text must not produce invocations: %v", res.Invocations)
		}
	})

	t.Run("Timeout Kills The Run", func(t *testing.T) {
		bin := fakeAgentBin(t, `sleep 5; echo '{"result":"too late"}'`)
		agent := &CLIAgent{Bin: bin, Dir: t.TempDir(), Timeout: time.Second}

		start := time.Now()
		_, err := agent.Run(context.Background(), "slow task", "")
		elapsed := time.Since(start)
		if err == nil || !strings.Contains(err.Error(), "timed out") {
			t.Fatalf("expected timeout error, got %v", err)
		}
		if elapsed >= 3*time.Second {
			t.Errorf("timeout took %s, should be close to 1s", elapsed)
		}
	})

	t.Run("Missing Binary", func(t *testing.T) {
		agent := &CLIAgent{Bin: "/nonexistent/agent", Dir: t.TempDir()}
		_, err := agent.Run(context.Background(), "hi", "")
		if err == nil || !strings.Contains(err.Error(), "start agent") {
			t.Errorf("expected start error, got %v", err)
		}
	})
}
