package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"
)

// SlackSender posts messages to a Slack incoming webhook. The recipient
// argument is ignored; the webhook URL fixes the destination channel.
type SlackSender struct {
	webhookURL string
	client     *http.Client
}

func NewSlackSender(webhookURL string) *SlackSender {
	return &SlackSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackSender) Send(ctx context.Context, _ string, msg Message) error {
	if s.webhookURL == "" {
		return fmt.Errorf("slack webhook URL is not configured")
	}

	text := msg.Subject
	if len(msg.Lines) > 0 {
		text = msg.Subject + "\n" + strings.Join(msg.Lines, "\n")
	}

	err := slack.PostWebhookCustomHTTPContext(ctx, s.webhookURL, s.client, &slack.WebhookMessage{
		Text: text,
	})
	if err != nil {
		return fmt.Errorf("failed to send slack notification: %w", err)
	}

	return nil
}
