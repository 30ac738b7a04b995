package gitops

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v - %s", args, err, out)
	}
}

func newTestRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.name", "test")
	runGit(t, dir, "config", "user.email", "test@example.com")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-m", "initial")
	return dir
}

func TestWorkingTreeStatus(t *testing.T) {
	ctx := context.Background()
	dir := newTestRepo(t)

	t.Run("Clean", func(t *testing.T) {
		st, err := WorkingTreeStatus(ctx, dir)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if st.Branch != "main" || st.Dirty {
			t.Errorf("unexpected status: %+v", st)
		}
	})

	t.Run("Dirty", func(t *testing.T) {
		if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("changed\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("new\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		st, err := WorkingTreeStatus(ctx, dir)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if !st.Dirty || st.Modified != 1 || st.Untracked != 1 {
			t.Errorf("unexpected status: %+v", st)
		}
	})
}

func TestDiffAndCommit(t *testing.T) {
	ctx := context.Background()
	dir := newTestRepo(t)

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("changed\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	diff, err := Diff(ctx, dir)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if !strings.Contains(diff, "-hello") || !strings.Contains(diff, "+changed") {
		t.Errorf("unexpected diff: %q", diff)
	}

	sha, err := Commit(ctx, dir, "update readme", nil)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(sha) < 7 {
		t.Errorf("expected a short sha, got %q", sha)
	}

	diff, err = Diff(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(diff) != "" {
		t.Errorf("expected clean tree after commit, got %q", diff)
	}
}

func TestCommitSpecificFiles(t *testing.T) {
	ctx := context.Background()
	dir := newTestRepo(t)

	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Commit(ctx, dir, "add a only", []string{"a.txt"}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	st, err := WorkingTreeStatus(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	if st.Untracked != 1 {
		t.Errorf("b.txt should remain untracked: %+v", st)
	}
}

func TestCloneLocalRepo(t *testing.T) {
	ctx := context.Background()
	src := newTestRepo(t)
	dst := filepath.Join(t.TempDir(), "clone")

	if err := Clone(ctx, src, dst, ""); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dst, "README.md")); err != nil {
		t.Errorf("clone missing file: %v", err)
	}
}

func TestCloneRedactsToken(t *testing.T) {
	ctx := context.Background()
	dst := filepath.Join(t.TempDir(), "clone")

	err := Clone(ctx, "https://127.0.0.1:1/org/repo.git", dst, "ghp_supersecret")
	if err == nil {
		t.Skip("clone unexpectedly succeeded")
	}
	if strings.Contains(err.Error(), "ghp_supersecret") {
		t.Errorf("token leaked into error: %v", err)
	}
}
