// Package notify posts operational alerts to chat webhooks. Delivery is
// best-effort: callers log errors and carry on.
package notify

import (
	"context"
	"errors"
)

// Severity levels and their sidebar colors.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

var severityColors = map[string]string{
	SeverityInfo:    "#439fe0",
	SeverityWarning: "#daa038",
	SeverityError:   "#d00000",
}

// Alert is one operational event.
type Alert struct {
	Title    string
	Body     string
	Severity string
	Fields   []Field
}

// Field is a key-value pair shown with an alert.
type Field struct {
	Name  string
	Value string
	Short bool // hint: render side-by-side with another field
}

// Color returns the sidebar color for the alert's severity.
func (a Alert) Color() string {
	if c, ok := severityColors[a.Severity]; ok {
		return c
	}
	return severityColors[SeverityInfo]
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards alerts.
type Nop struct{}

func (Nop) Notify(context.Context, Alert) error { return nil }

// FromWebhooks returns a notifier for the configured webhook URLs, or Nop
// when none are set.
func FromWebhooks(slackURL, discordURL string) (Notifier, error) {
	var m Multi
	if slackURL != "" {
		m = append(m, NewSlack(slackURL))
	}
	if discordURL != "" {
		d, err := NewDiscord(discordURL)
		if err != nil {
			return nil, err
		}
		m = append(m, d)
	}
	if len(m) == 0 {
		return Nop{}, nil
	}
	return m, nil
}
