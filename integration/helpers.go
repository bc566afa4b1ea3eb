//go:build integration

package integration

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// binaryPath returns the path to the run-orch binary, building it when missing
func binaryPath(t *testing.T) string {
	t.Helper()
	paths := []string{
		"../run-orch",
		"./run-orch",
		filepath.Join(os.Getenv("GOPATH"), "bin", "run-orch"),
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}

	t.Log("Binary not found, building...")
	out := filepath.Join(t.TempDir(), "run-orch")
	cmd := exec.Command("go", "build", "-o", out, "../cmd/run-orch")
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, output)
	}
	return out
}

// testEnv is an isolated config and database for one test
type testEnv struct {
	t          *testing.T
	binary     string
	dir        string
	configPath string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		t:          t,
		binary:     binaryPath(t),
		dir:        dir,
		configPath: filepath.Join(dir, "config.toml"),
	}

	config := `[general]
database_path = "` + filepath.Join(dir, "runs.db") + `"
instance_id = "integration"

[billing]
default_balance = 500

[notifications]
desktop = false

[inbox]
dir = "` + filepath.Join(dir, "inbox") + `"
`
	if err := os.WriteFile(env.configPath, []byte(config), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return env
}

// writeSpec writes a run spec into the test directory and returns its path
func (e *testEnv) writeSpec(name, content string) string {
	e.t.Helper()
	path := filepath.Join(e.dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		e.t.Fatalf("Failed to write spec: %v", err)
	}
	return path
}

// run executes the CLI and returns its combined output
func (e *testEnv) run(args ...string) (string, error) {
	e.t.Helper()
	args = append(args, "--config", e.configPath)
	out, err := exec.Command(e.binary, args...).CombinedOutput()
	return string(out), err
}

// mustRun executes the CLI and fails the test on a non-zero exit
func (e *testEnv) mustRun(args ...string) string {
	e.t.Helper()
	out, err := e.run(args...)
	if err != nil {
		e.t.Fatalf("%s failed: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}
