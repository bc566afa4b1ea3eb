package notify

import "errors"

// NotificationType represents the severity of a notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

func (t NotificationType) String() string {
	switch t {
	case NotifySuccess:
		return "success"
	case NotifyWarning:
		return "warning"
	case NotifyError:
		return "error"
	default:
		return "info"
	}
}

// Notification is one operator-facing event about a run or subtask
type Notification struct {
	Title     string
	Message   string
	Type      NotificationType
	RunID     string
	SubtaskID string
	Tenant    string
}

// Subject returns the run/subtask reference shown with a notification
func (n Notification) Subject() string {
	switch {
	case n.RunID != "" && n.SubtaskID != "":
		return n.RunID + "/" + n.SubtaskID
	case n.RunID != "":
		return n.RunID
	default:
		return n.SubtaskID
	}
}

// Notifier delivers notifications to one channel
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier fans a notification out to every channel
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send delivers to all channels; a failing channel does not stop the others
func (m *MultiNotifier) Send(n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopNotifier drops every notification
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }

// FromConfig builds the notifier set for the configured channels.
// instanceID tags Slack messages with the sending orchestrator instance.
func FromConfig(instanceID, slackWebhook string, desktop bool) Notifier {
	var notifiers []Notifier
	if slackWebhook != "" {
		notifiers = append(notifiers, NewSlackNotifier(slackWebhook, instanceID))
	}
	if desktop {
		notifiers = append(notifiers, NewDesktopNotifier())
	}
	switch len(notifiers) {
	case 0:
		return NoopNotifier{}
	case 1:
		return notifiers[0]
	default:
		return NewMultiNotifier(notifiers...)
	}
}
