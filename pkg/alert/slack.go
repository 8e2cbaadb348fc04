// Package alert delivers operator alerts. The shipped notifier posts to a
// Slack channel; a nil-safe log notifier covers deployments without one.
package alert

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/openfleet/openfleet/pkg/logger"
)

// Notifier delivers one alert.
type Notifier interface {
	Alert(ctx context.Context, subject, message string) error
}

// SlackNotifier posts alerts to a channel.
type SlackNotifier struct {
	client  *slack.Client
	channel string
}

// NewSlackNotifier builds a notifier. Token and channel are required.
func NewSlackNotifier(token, channel string) (*SlackNotifier, error) {
	if token == "" || channel == "" {
		return nil, fmt.Errorf("slack token and channel are required")
	}
	return &SlackNotifier{client: slack.New(token), channel: channel}, nil
}

// Alert posts the subject as a header block with the message below it.
func (n *SlackNotifier) Alert(ctx context.Context, subject, message string) error {
	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionBlocks(
			slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, subject, false, false)),
			slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, message, false, false), nil, nil),
		),
	)
	if err != nil {
		return fmt.Errorf("post slack alert: %w", err)
	}
	return nil
}

// LogNotifier writes alerts to the process log. Used when Slack is not
// configured so alert paths stay exercised.
type LogNotifier struct{}

func (LogNotifier) Alert(ctx context.Context, subject, message string) error {
	logger.WarnCF("alert", subject, map[string]interface{}{"detail": message})
	return nil
}
