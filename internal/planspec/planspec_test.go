package planspec

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

var now = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

func TestParse_Full(t *testing.T) {
	data := []byte(`
tenant: acme
mode: batch
credit_estimate: 120
timeout: 2h
payload:
  source: s3://bucket/input
subtasks:
  - key: extract
    payload: raw text
  - key: transform
    depends_on: [extract]
    max_attempts: 5
  - key: report
    depends_on_index: [1]
    optional: true
`)
	spec, err := Parse(data, now)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if spec.TenantID != "acme" || spec.OrchestratorMode != "batch" || spec.CreditEstimate != 120 {
		t.Errorf("got %+v", spec)
	}
	if spec.DeadlineAt == nil || !spec.DeadlineAt.Equal(now.Add(2*time.Hour)) {
		t.Errorf("got deadline %v, want %v", spec.DeadlineAt, now.Add(2*time.Hour))
	}
	if string(spec.Payload) != `{"source":"s3://bucket/input"}` {
		t.Errorf("got payload %s", spec.Payload)
	}
	if len(spec.Subtasks) != 3 {
		t.Fatalf("got %d subtasks, want 3", len(spec.Subtasks))
	}

	extract, transform, report := spec.Subtasks[0], spec.Subtasks[1], spec.Subtasks[2]
	if extract.Index != 0 || extract.IdempotencyKey != "extract" || string(extract.Payload) != "raw text" {
		t.Errorf("extract = %+v", extract)
	}
	if transform.Index != 1 || len(transform.DependsOnKeys) != 1 || transform.DependsOnKeys[0] != "extract" || transform.MaxAttempts != 5 {
		t.Errorf("transform = %+v", transform)
	}
	if report.Index != 2 || len(report.DependsOn) != 1 || report.DependsOn[0] != 1 || !report.Optional {
		t.Errorf("report = %+v", report)
	}
}

func TestParse_Deadline(t *testing.T) {
	spec, err := Parse([]byte("tenant: acme\ndeadline: 2026-10-16T00:00:00Z\n"), now)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	if spec.DeadlineAt == nil || !spec.DeadlineAt.Equal(want) {
		t.Errorf("got deadline %v, want %v", spec.DeadlineAt, want)
	}
	if spec.Payload != nil || len(spec.Subtasks) != 0 {
		t.Errorf("got payload=%q subtasks=%d, want none", spec.Payload, len(spec.Subtasks))
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name       string
		data       string
		validation bool
	}{
		{"missing tenant", "credit_estimate: 5\n", true},
		{"bad deadline", "tenant: a\ndeadline: tomorrow\n", true},
		{"bad timeout", "tenant: a\ntimeout: -1h\n", true},
		{"deadline and timeout", "tenant: a\ndeadline: 2026-10-16T00:00:00Z\ntimeout: 1h\n", true},
		{"unknown field", "tenant: a\nretries: 3\n", false},
		{"not yaml", "tenant: [", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), now)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, domain.ErrValidation); got != tt.validation {
				t.Errorf("errors.Is(ErrValidation) = %v, want %v (err=%v)", got, tt.validation, err)
			}
		})
	}
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	if err := os.WriteFile(path, []byte("tenant: acme\nsubtasks:\n  - index: 4\n"), 0644); err != nil {
		t.Fatal(err)
	}
	spec, err := ParseFile(path, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(spec.Subtasks) != 1 || spec.Subtasks[0].Index != 4 {
		t.Errorf("got subtasks %+v, want one with index 4", spec.Subtasks)
	}

	if _, err := ParseFile(filepath.Join(t.TempDir(), "missing.yaml"), now); err == nil {
		t.Error("expected error for missing file")
	}
}
