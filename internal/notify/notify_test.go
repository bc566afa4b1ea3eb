package notify

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSlackNotifier_Send(t *testing.T) {
	var got SlackMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	err := NewSlackNotifier(server.URL, "orch-1").Send(Notification{
		Title:     "Subtask reclaimed",
		Message:   "heartbeat stale",
		Type:      NotifyWarning,
		RunID:     "run-1",
		SubtaskID: "sub-2",
		Tenant:    "acme",
	})
	if err != nil {
		t.Fatal(err)
	}

	if got.Text != "Subtask reclaimed" || len(got.Attachments) != 1 {
		t.Fatalf("message = %+v", got)
	}
	att := got.Attachments[0]
	if att.Title != "run-1/sub-2" {
		t.Errorf("title = %q, want run-1/sub-2", att.Title)
	}
	if att.Color != "warning" {
		t.Errorf("color = %q, want warning", att.Color)
	}
	if att.Footer != "run-orchestrator on orch-1" {
		t.Errorf("footer = %q", att.Footer)
	}
	if len(att.Fields) != 2 || att.Fields[0].Value != "acme" || att.Fields[1].Value != "sub-2" {
		t.Errorf("fields = %+v", att.Fields)
	}
}

func TestSlackNotifier_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	err := NewSlackNotifier(server.URL, "").Send(Notification{Title: "x"})
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Errorf("got err=%v, want 403", err)
	}
	if err := NewSlackNotifier("", "").Send(Notification{Title: "x"}); err != nil {
		t.Errorf("empty webhook: got err=%v, want nil", err)
	}
}

func TestSlackMessage_RunOnly(t *testing.T) {
	s := NewSlackNotifier("http://hook", "")
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := s.message(Notification{Title: "Run failed", Type: NotifyError, RunID: "run-9"}, at)

	att := msg.Attachments[0]
	if att.Title != "run-9" || att.Color != "danger" || att.Footer != "run-orchestrator" {
		t.Errorf("attachment = %+v", att)
	}
	if att.Ts != at.Unix() || len(att.Fields) != 0 {
		t.Errorf("ts = %d fields = %v", att.Ts, att.Fields)
	}
}

func TestSlackColor(t *testing.T) {
	tests := []struct {
		typ  NotificationType
		want string
	}{
		{NotifySuccess, "good"},
		{NotifyWarning, "warning"},
		{NotifyError, "danger"},
		{NotifyInfo, "#439FE0"},
	}
	for _, tt := range tests {
		if got := slackColor(tt.typ); got != tt.want {
			t.Errorf("slackColor(%s) = %s, want %s", tt.typ, got, tt.want)
		}
	}
}

func TestDesktopNotifier(t *testing.T) {
	tests := []struct {
		goos     string
		wantName string
		wantArg  string
	}{
		{"linux", "notify-send", "critical"},
		{"darwin", "osascript", `display notification "run-1: say \"hi\"" with title "Run failed"`},
		{"windows", "", ""},
	}
	for _, tt := range tests {
		var name string
		var args []string
		d := &DesktopNotifier{goos: tt.goos, run: func(n string, a ...string) error {
			name, args = n, a
			return nil
		}}
		if err := d.Send(Notification{Title: "Run failed", Message: `say "hi"`, Type: NotifyError, RunID: "run-1"}); err != nil {
			t.Fatalf("%s: %v", tt.goos, err)
		}
		if name != tt.wantName {
			t.Errorf("%s: command = %q, want %q", tt.goos, name, tt.wantName)
		}
		if tt.wantArg != "" && !strings.Contains(strings.Join(args, "|"), tt.wantArg) {
			t.Errorf("%s: args = %q, want %q", tt.goos, args, tt.wantArg)
		}
	}
}

type mockNotifier struct {
	name  string
	err   error
	calls *[]string
}

func (m *mockNotifier) Send(n Notification) error {
	*m.calls = append(*m.calls, m.name)
	return m.err
}

func TestMultiNotifier(t *testing.T) {
	var called []string
	failing := &mockNotifier{name: "slack", err: errors.New("down"), calls: &called}
	ok := &mockNotifier{name: "desktop", calls: &called}

	err := NewMultiNotifier(failing, ok).Send(Notification{Title: "Test"})
	if len(called) != 2 {
		t.Errorf("calls = %v, want both channels", called)
	}
	if err == nil || !strings.Contains(err.Error(), "down") {
		t.Errorf("got err=%v, want the failing channel's error", err)
	}
}

func TestFromConfig(t *testing.T) {
	if _, ok := FromConfig("orch-1", "", false).(NoopNotifier); !ok {
		t.Error("no channels should give NoopNotifier")
	}
	if _, ok := FromConfig("orch-1", "http://hook", false).(*SlackNotifier); !ok {
		t.Error("a single channel should be used directly")
	}
	if _, ok := FromConfig("orch-1", "http://hook", true).(*MultiNotifier); !ok {
		t.Error("two channels should give a MultiNotifier")
	}
}
