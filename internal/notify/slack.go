package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// Slack posts alerts to an incoming webhook.
type Slack struct {
	url  string
	post func(ctx context.Context, url string, msg *slack.WebhookMessage) error
}

// NewSlack returns a Slack notifier for the incoming webhook url.
func NewSlack(url string) *Slack {
	return &Slack{url: url, post: slack.PostWebhookContext}
}

func (s *Slack) Notify(ctx context.Context, alert Alert) error {
	if err := s.post(ctx, s.url, buildWebhookMessage(alert)); err != nil {
		return fmt.Errorf("notify: slack: %w", err)
	}
	return nil
}

func buildWebhookMessage(alert Alert) *slack.WebhookMessage {
	att := slack.Attachment{
		Color: alert.Color(),
		Title: alert.Title,
		Text:  alert.Body,
	}
	for _, f := range alert.Fields {
		att.Fields = append(att.Fields, slack.AttachmentField{
			Title: f.Name,
			Value: f.Value,
			Short: f.Short,
		})
	}
	return &slack.WebhookMessage{
		Text:        alert.Title,
		Attachments: []slack.Attachment{att},
	}
}
