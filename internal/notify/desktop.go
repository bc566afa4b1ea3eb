package notify

import (
	"os/exec"
	"runtime"
	"strconv"
)

// DesktopNotifier shows notifications on the local desktop (osascript on
// macOS, notify-send on Linux); other platforms are ignored
type DesktopNotifier struct {
	goos string
	run  func(name string, args ...string) error
}

func NewDesktopNotifier() *DesktopNotifier {
	return &DesktopNotifier{goos: runtime.GOOS, run: runCommand}
}

func runCommand(name string, args ...string) error {
	return exec.Command(name, args...).Run()
}

func (d *DesktopNotifier) Send(n Notification) error {
	body := n.Message
	if subject := n.Subject(); subject != "" {
		body = subject + ": " + body
	}

	switch d.goos {
	case "darwin":
		script := "display notification " + strconv.Quote(body) + " with title " + strconv.Quote(n.Title)
		return d.run("osascript", "-e", script)
	case "linux":
		return d.run("notify-send", "-u", urgency(n.Type), "-i", icon(n.Type), n.Title, body)
	default:
		return nil
	}
}

func urgency(t NotificationType) string {
	switch t {
	case NotifyError:
		return "critical"
	case NotifyWarning:
		return "normal"
	default:
		return "low"
	}
}

func icon(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "dialog-positive"
	case NotifyWarning:
		return "dialog-warning"
	case NotifyError:
		return "dialog-error"
	default:
		return "dialog-information"
	}
}
