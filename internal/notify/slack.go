package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SlackNotifier posts notifications to a Slack incoming webhook
type SlackNotifier struct {
	webhookURL string
	instanceID string
	client     *http.Client
}

// SlackMessage is the webhook payload
type SlackMessage struct {
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

type SlackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title,omitempty"`
	Text   string       `json:"text"`
	Fields []SlackField `json:"fields,omitempty"`
	Footer string       `json:"footer,omitempty"`
	Ts     int64        `json:"ts,omitempty"`
}

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func NewSlackNotifier(webhookURL, instanceID string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		instanceID: instanceID,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// slackColor maps a severity to an attachment color
func slackColor(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "good"
	case NotifyWarning:
		return "warning"
	case NotifyError:
		return "danger"
	default:
		return "#439FE0"
	}
}

func (s *SlackNotifier) message(n Notification, at time.Time) SlackMessage {
	att := SlackAttachment{
		Color:  slackColor(n.Type),
		Title:  n.Subject(),
		Text:   n.Message,
		Footer: "run-orchestrator",
		Ts:     at.Unix(),
	}
	if s.instanceID != "" {
		att.Footer += " on " + s.instanceID
	}
	if n.Tenant != "" {
		att.Fields = append(att.Fields, SlackField{Title: "Tenant", Value: n.Tenant, Short: true})
	}
	if n.SubtaskID != "" {
		att.Fields = append(att.Fields, SlackField{Title: "Subtask", Value: n.SubtaskID, Short: true})
	}
	return SlackMessage{Text: n.Title, Attachments: []SlackAttachment{att}}
}

// Send posts n to the webhook
func (s *SlackNotifier) Send(n Notification) error {
	if s.webhookURL == "" {
		return nil
	}

	payload, err := json.Marshal(s.message(n, time.Now()))
	if err != nil {
		return err
	}

	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("posting to slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("slack returned %d", resp.StatusCode)
	}
	return nil
}
