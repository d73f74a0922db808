package git

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Skipf("git not usable in this environment: %v (%s)", err, out)
		}
	}
	run("init", "-q")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	run("add", "a.txt")
	run("commit", "-q", "-m", "initial")
	return dir
}

func TestWorkingTreeDiffReflectsUncommittedChange(t *testing.T) {
	dir := initRepo(t)
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("two\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	diff, err := WorkingTreeDiff(dir)
	if err != nil {
		t.Fatalf("working tree diff: %v", err)
	}
	if diff == "" {
		t.Fatal("expected non-empty diff after modifying a tracked file")
	}
}

func TestTruncateDiffAppendsMarker(t *testing.T) {
	long := make([]byte, 100)
	for i := range long {
		long[i] = 'x'
	}
	truncated := TruncateDiff(string(long), 10)
	if len(truncated) <= 10 {
		t.Fatal("expected marker appended past the byte cutoff")
	}
}
