package notify

import (
	"context"
	"fmt"

	"github.com/nidhogg/synergy/internal/workflow"
	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// Slack posts workflow reports to a Slack channel.
type Slack struct {
	client    *slack.Client
	channelID string
	username  string
	logger    *zap.Logger
}

// NewSlack creates a Slack notifier. botToken is the Bot User OAuth Token
// (xoxb-...). Extra client options are passed through, which tests use to
// point the client at a fake API.
func NewSlack(botToken, channelID, username string, logger *zap.Logger, opts ...slack.Option) *Slack {
	return &Slack{
		client:    slack.New(botToken, opts...),
		channelID: channelID,
		username:  username,
		logger:    logger,
	}
}

func (s *Slack) Name() string { return "slack" }

// Notify posts one message per workflow.
func (s *Slack) Notify(ctx context.Context, snap workflow.Snapshot) error {
	msg := Format(snap)
	opts := []slack.MsgOption{
		slack.MsgOptionText(fmt.Sprintf("*%s*\n%s", msg.Title, msg.Content), false),
	}
	if s.username != "" {
		opts = append(opts, slack.MsgOptionUsername(s.username))
	}

	_, _, err := s.client.PostMessageContext(ctx, s.channelID, opts...)
	if err != nil {
		s.logger.Error("slack send failed",
			zap.String("channel", s.channelID), zap.Error(err))
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}
