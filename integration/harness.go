//go:build integration

// Package integration runs the scmpublish binary against real local Git and
// SVN remotes.
package integration

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

const defaultTimeout = 5 * time.Minute

// Harness builds the binary once and runs it in per-test directories
type Harness struct {
	t      *testing.T
	binary string
	root   string
	env    []string
}

// NewHarness builds scmpublish into a temporary directory
func NewHarness(ctx context.Context, t *testing.T) *Harness {
	t.Helper()

	projectRoot, err := findProjectRoot()
	if err != nil {
		t.Fatalf("get project root: %v", err)
	}

	binDir := t.TempDir()
	binary := filepath.Join(binDir, "scmpublish")
	if runtime.GOOS == "windows" {
		binary += ".exe"
	}

	t.Logf("Building %s", binary)
	cmd := exec.CommandContext(ctx, "go", "build", "-o", binary, "./cmd/scmpublish")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: t, prefix: "[build] "}
	if err := cmd.Run(); err != nil {
		t.Fatalf("go build: %v", err)
	}

	root := t.TempDir()
	return &Harness{
		t:      t,
		binary: binary,
		root:   root,
		env: []string{
			"HOME=" + root,
			"LC_ALL=C",
			"GIT_CONFIG_NOSYSTEM=1",
			"PATH=" + os.Getenv("PATH"),
		},
	}
}

// Path returns an absolute path below the harness root
func (h *Harness) Path(elem ...string) string {
	return filepath.Join(append([]string{h.root}, elem...)...)
}

// Run executes scmpublish with extra environment variables
func (h *Harness) Run(ctx context.Context, env []string, args ...string) (string, string, int, error) {
	h.t.Helper()

	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Dir = h.root
	cmd.Env = append(append([]string{}, h.env...), env...)
	cmd.Stdin = strings.NewReader("")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes scmpublish and fails the test if it returns non-zero
func (h *Harness) MustRun(ctx context.Context, env []string, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, env, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout
}

// Tool runs an external command such as git or svnadmin in dir
func (h *Harness) Tool(ctx context.Context, dir, name string, args ...string) string {
	h.t.Helper()
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = h.env
	out, err := cmd.CombinedOutput()
	if err != nil {
		h.t.Fatalf("%s %v: %v\n%s", name, args, err, out)
	}
	return string(out)
}

// WriteFile writes content below the harness root, creating parents
func (h *Harness) WriteFile(path, content string) {
	h.t.Helper()
	full := h.Path(path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		h.t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		h.t.Fatal(err)
	}
}

// ReadFile reads a file below the harness root
func (h *Harness) ReadFile(path string) string {
	h.t.Helper()
	data, err := os.ReadFile(h.Path(path))
	if err != nil {
		h.t.Fatal(err)
	}
	return string(data)
}

// FileExists reports whether path exists below the harness root
func (h *Harness) FileExists(path string) bool {
	_, err := os.Stat(h.Path(path))
	return err == nil
}

func requireTools(t *testing.T, names ...string) {
	t.Helper()
	for _, name := range names {
		if _, err := exec.LookPath(name); err != nil {
			t.Skipf("%s not installed", name)
		}
	}
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)

// findProjectRoot walks up the directory tree from the current file to find go.mod
func findProjectRoot() (string, error) {
	// Get the directory of this source file
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}

	dir := filepath.Dir(filename)

	// Walk up the directory tree looking for go.mod
	for {
		goModPath := filepath.Join(dir, "go.mod")
		if _, err := os.Stat(goModPath); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached the root without finding go.mod
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}
