package git

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// seedRepo creates a repository with an initial commit on main and returns
// its path.
func seedRepo(t *testing.T, dir string) string {
	t.Helper()
	mustRunGit(t, dir, "init")
	mustRunGit(t, dir, "config", "user.name", "Test User")
	mustRunGit(t, dir, "config", "user.email", "test@example.com")
	mustRunGit(t, dir, "config", "commit.gpgsign", "false")

	writeFile(t, filepath.Join(dir, "README.md"), "initial\n")
	mustRunGit(t, dir, "add", "README.md")
	mustRunGit(t, dir, "commit", "-m", "initial commit")
	mustRunGit(t, dir, "branch", "-M", "main")
	return dir
}

func commitFile(t *testing.T, dir, name, contents, message string) {
	t.Helper()
	writeFile(t, filepath.Join(dir, name), contents)
	mustRunGit(t, dir, "add", name)
	mustRunGit(t, dir, "commit", "-m", message)
}

func writeScript(t *testing.T, path, script string) {
	t.Helper()
	writeFile(t, path, script)
	if err := os.Chmod(path, 0o755); err != nil {
		t.Fatalf("chmod script failed: %v", err)
	}
}

func mustRunGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	mustCaptureGit(t, dir, args...)
}

func mustCaptureGit(t *testing.T, dir string, args ...string) []byte {
	t.Helper()
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir failed: %v", err)
		}
	}
	cmdArgs := append([]string{"-C", dir}, args...)
	if dir == "" {
		cmdArgs = args
	}
	cmd := exec.Command("git", cmdArgs...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s failed: %v\n%s", strings.Join(cmdArgs, " "), err, string(output))
	}
	return output
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write file failed: %v", err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file failed: %v", err)
	}
	return string(data)
}
