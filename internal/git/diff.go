package git

import (
	"fmt"
	"os/exec"
	"strings"
)

// WorkingTreeDiff returns the diff between HEAD and the working tree
// (equivalent to `git diff HEAD`), including staged and unstaged changes to
// tracked files but not untracked files themselves.
func WorkingTreeDiff(workspace string) (string, error) {
	cmd := exec.Command("git", "diff", "HEAD")
	cmd.Dir = workspace
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("failed to get working-tree diff: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// TruncateDiff truncates a diff string if it exceeds maxBytes
func TruncateDiff(diff string, maxBytes int) string {
	if len(diff) <= maxBytes {
		return diff
	}
	return diff[:maxBytes] + "\n\n[Diff truncated...]"
}
