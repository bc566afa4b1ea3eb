package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Default()

	if cfg.Scheduler.DefaultMaxAttempts != 3 {
		t.Errorf("DefaultMaxAttempts = %d, want 3", cfg.Scheduler.DefaultMaxAttempts)
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("Web.Port = %d, want 8080", cfg.Web.Port)
	}
	if cfg.Workers.WebSocketPort != 8081 {
		t.Errorf("Workers.WebSocketPort = %d, want 8081", cfg.Workers.WebSocketPort)
	}
	if cfg.Detector.Schedule != "@every 30s" {
		t.Errorf("Detector.Schedule = %q, want @every 30s", cfg.Detector.Schedule)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Billing.DefaultBalance != 1000 {
		t.Errorf("DefaultBalance = %d, want 1000", cfg.Billing.DefaultBalance)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")

	content := `
[general]
database_path = "~/runs/test.db"
instance_id = "orch-a"

[fencing]
lease_ttl = "1m"
renew_interval = "20s"

[detector]
stall_threshold = "10m"

[billing]
endpoint = "http://credits.internal"

[inbox]
dir = "/var/spool/runs"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatal(err)
	}

	home, _ := os.UserHomeDir()
	if cfg.General.DatabasePath != filepath.Join(home, "runs", "test.db") {
		t.Errorf("DatabasePath = %q, want expanded path", cfg.General.DatabasePath)
	}
	if cfg.InstanceID() != "orch-a" {
		t.Errorf("InstanceID = %q, want orch-a", cfg.InstanceID())
	}
	if cfg.Billing.Endpoint != "http://credits.internal" {
		t.Errorf("Billing.Endpoint = %q", cfg.Billing.Endpoint)
	}
	if cfg.Inbox.Dir != "/var/spool/runs" {
		t.Errorf("Inbox.Dir = %q", cfg.Inbox.Dir)
	}

	d, err := cfg.Durations()
	if err != nil {
		t.Fatal(err)
	}
	if d.LeaseTTL != time.Minute || d.StallThreshold != 10*time.Minute {
		t.Errorf("got lease_ttl=%v stall_threshold=%v, want 1m and 10m", d.LeaseTTL, d.StallThreshold)
	}
	// untouched sections keep their defaults
	if d.HeartbeatTimeout != time.Minute {
		t.Errorf("HeartbeatTimeout = %v, want 1m", d.HeartbeatTimeout)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad duration", "[fencing]\nlease_ttl = \"soon\"\n", "fencing.lease_ttl"},
		{"renew not shorter than ttl", "[fencing]\nlease_ttl = \"10s\"\nrenew_interval = \"10s\"\n", "renew_interval"},
		{"heartbeat not shorter than timeout", "[workers]\nheartbeat_interval = \"2m\"\n", "heartbeat_interval"},
		{"zero attempts", "[scheduler]\ndefault_max_attempts = 0\n", "default_max_attempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("got err=%v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
