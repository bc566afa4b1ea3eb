//go:build integration

package integration

import (
	"strings"
	"testing"
)

const sampleSpec = `tenant: acme
credit_estimate: 40
timeout: 2h
payload:
  source: s3://bucket/input
subtasks:
  - key: extract
    payload: {"command": "echo extract"}
  - key: transform
    depends_on: [extract]
    max_attempts: 5
  - key: report
    depends_on: [transform]
    optional: true
`

func TestCLI_SubmitAndStatus(t *testing.T) {
	env := newTestEnv(t)
	spec := env.writeSpec("run.yaml", sampleSpec)

	out := env.mustRun("submit", spec, "--id", "run-int-1")
	if !strings.Contains(out, "Submitted run run-int-1 (3 subtasks)") {
		t.Errorf("unexpected submit output: %s", out)
	}

	// resubmitting the same ID is a no-op
	env.mustRun("submit", spec, "--id", "run-int-1")

	out = env.mustRun("status", "run-int-1")
	for _, want := range []string{"Tenant:    acme", "State:     created", "extract", "transform", "report", "Lease:     free"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}

	out = env.mustRun("list", "--state", "created")
	if strings.Count(out, "run-int-1") != 1 {
		t.Errorf("list should show the run once:\n%s", out)
	}
}

func TestCLI_CancelAndHistory(t *testing.T) {
	env := newTestEnv(t)
	spec := env.writeSpec("run.yaml", sampleSpec)
	env.mustRun("submit", spec, "--id", "run-int-2")

	out := env.mustRun("cancel", "run-int-2", "--reason", "integration test")
	if !strings.Contains(out, "Run run-int-2 cancelled") {
		t.Errorf("unexpected cancel output: %s", out)
	}

	out = env.mustRun("status", "run-int-2")
	if !strings.Contains(out, "State:     cancelled") {
		t.Errorf("run not cancelled:\n%s", out)
	}

	out = env.mustRun("history", "run-int-2", "--verify")
	if !strings.Contains(out, "integration test") {
		t.Errorf("history missing the cancel reason:\n%s", out)
	}
	if !strings.Contains(out, "History verified") {
		t.Errorf("history not verified:\n%s", out)
	}

	// a cancelled run cannot be paused
	if out, err := env.run("pause", "run-int-2"); err == nil {
		t.Errorf("pause of a cancelled run succeeded:\n%s", out)
	}
}

func TestCLI_InvalidSpec(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing tenant", "subtasks:\n  - key: a\n", "tenant"},
		{"unknown field", "tenant: acme\nbogus: 1\n", "bogus"},
		{"cycle", "tenant: acme\nsubtasks:\n  - key: a\n    depends_on: [b]\n  - key: b\n    depends_on: [a]\n", "cycl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := env.writeSpec("bad.yaml", tt.content)
			out, err := env.run("submit", spec)
			if err == nil {
				t.Fatalf("submit succeeded:\n%s", out)
			}
			if !strings.Contains(out, tt.wantErr) {
				t.Errorf("output %q does not mention %q", out, tt.wantErr)
			}
		})
	}

	out := env.mustRun("list")
	if strings.Count(strings.TrimSpace(out), "\n") != 0 {
		t.Errorf("invalid specs created runs:\n%s", out)
	}
}

func TestCLI_StalledAndUnknownRun(t *testing.T) {
	env := newTestEnv(t)

	out := env.mustRun("stalled", "--threshold", "1m")
	if !strings.Contains(out, "No runs without progress for 1m0s") {
		t.Errorf("unexpected stalled output: %s", out)
	}

	if out, err := env.run("status", "does-not-exist"); err == nil {
		t.Errorf("status of an unknown run succeeded:\n%s", out)
	}
}
