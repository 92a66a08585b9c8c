package approval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
)

// LogNotifier emits the approval event through the process logger. It is the
// default channel for deployments that have not configured an external one.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier constructs a LogNotifier. A nil logger falls back to
// slog.Default.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With(slog.String("agent", "approval_notifier"))}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, a Approval) error {
	n.logger.Info("approval pending",
		slog.String("approval_id", a.ID),
		slog.String("token_id", a.TokenID),
		slog.String("summary", a.Summary),
		slog.String("reason", a.Reason),
		slog.Time("expires_at", a.ExpiresAt),
	)
	return nil
}

// SlackNotifier posts pending approvals to a Slack channel. The message
// carries the approval id so a reviewer can decide it through the admin
// plane; request bodies are never included, only the compact summary.
type SlackNotifier struct {
	client  *slack.Client
	channel string
}

// NewSlackNotifier constructs a SlackNotifier for the given bot token and
// channel id.
func NewSlackNotifier(token, channel string) *SlackNotifier {
	return &SlackNotifier{client: slack.New(token), channel: channel}
}

// Notify implements Notifier.
func (n *SlackNotifier) Notify(ctx context.Context, a Approval) error {
	text := fmt.Sprintf("Approval required: %s\nid: `%s`  token: `%s`\nexpires: %s",
		a.Reason, a.ID, a.TokenID, a.ExpiresAt.Format("15:04:05 MST"))
	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionAttachments(slack.Attachment{Text: a.Summary}),
	)
	if err != nil {
		return fmt.Errorf("approval: slack notify: %w", err)
	}
	return nil
}
