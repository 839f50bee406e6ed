package supervisor

import (
	"context"
	"os/exec"
	"strings"
	"testing"
)

func TestGitUpdaterStreamsOutput(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()

	var lines []string
	u := GitUpdater{Git: "sh", Args: []string{"-c", "pwd; echo 'Already up to date.'; echo warning >&2"}}
	if err := u.Update(context.Background(), dir, func(l string) { lines = append(lines, l) }); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %q", lines)
	}
	if !strings.HasSuffix(lines[0], dirBase(dir)) {
		t.Errorf("expected command to run in %s, got %q", dir, lines[0])
	}
	if lines[1] != "Already up to date." {
		t.Errorf("unexpected line %q", lines[1])
	}
}

func TestGitUpdaterFailure(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	u := GitUpdater{Git: "sh", Args: []string{"-c", "echo 'fatal: not a git repository'; exit 128"}}
	var lines []string
	err := u.Update(context.Background(), t.TempDir(), func(l string) { lines = append(lines, l) })
	if err == nil {
		t.Fatal("expected error")
	}
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "fatal:") {
		t.Errorf("expected output streamed before failure, got %q", lines)
	}
}

func TestGitUpdaterMissingBinary(t *testing.T) {
	u := GitUpdater{Git: "/nonexistent/git"}
	if err := u.Update(context.Background(), t.TempDir(), nil); err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func dirBase(dir string) string {
	return dir[strings.LastIndex(dir, "/")+1:]
}
