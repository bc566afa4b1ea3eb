package domain

import (
	"testing"
	"time"
)

func TestSubtask_IsReady(t *testing.T) {
	completed := map[string]bool{"s1": true}

	sub := Subtask{
		ID:        "s2",
		State:     SubtaskPending,
		DependsOn: []string{"s1"},
	}

	if !sub.IsReady(completed) {
		t.Error("Subtask should be ready when dependencies are complete")
	}

	sub.DependsOn = append(sub.DependsOn, "s3")
	if sub.IsReady(completed) {
		t.Error("Subtask should not be ready when dependencies are incomplete")
	}

	sub.DependsOn = []string{"s1"}
	sub.State = SubtaskQueued
	if sub.IsReady(completed) {
		t.Error("Only pending subtasks can be ready")
	}
}

func TestSubtask_CanRetry(t *testing.T) {
	tests := []struct {
		attempt, max int
		want         bool
	}{
		{1, 3, true},
		{2, 3, true},
		{3, 3, false},
		{1, 1, false},
	}
	for _, tt := range tests {
		s := Subtask{AttemptCount: tt.attempt, MaxAttempts: tt.max}
		if got := s.CanRetry(); got != tt.want {
			t.Errorf("CanRetry(%d/%d) = %v, want %v", tt.attempt, tt.max, got, tt.want)
		}
	}
}

func TestRun_LeaseAndProgress(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Minute)
	run := Run{CreatedAt: now.Add(-time.Hour), FencingToken: "tok", FencingExpiresAt: &later}

	if !run.HasLiveLease(now) {
		t.Error("lease should be live before expiry")
	}
	if run.HasLiveLease(later.Add(time.Second)) {
		t.Error("lease should be dead after expiry")
	}
	if !run.ProgressAt().Equal(run.CreatedAt) {
		t.Error("ProgressAt should fall back to CreatedAt")
	}
	run.LastProgressAt = &now
	if !run.ProgressAt().Equal(now) {
		t.Error("ProgressAt should use LastProgressAt")
	}

	run.TotalSubtasks = 3
	run.CompletedSubtasks = 2
	run.FailedSubtasks = 1
	if !run.CountersValid() {
		t.Error("2+1 <= 3 should be valid")
	}
	run.SkippedSubtasks = 1
	if run.CountersValid() {
		t.Error("2+1+1 > 3 should be invalid")
	}
}
