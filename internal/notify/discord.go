package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/nidhogg/synergy/internal/workflow"
	"go.uber.org/zap"
)

// discordSender is the part of *discordgo.Session the notifier uses.
type discordSender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts workflow reports to a Discord channel through the REST API.
// No gateway connection is opened.
type Discord struct {
	session   discordSender
	channelID string
	logger    *zap.Logger
}

// NewDiscord creates a Discord notifier from a bot token.
func NewDiscord(token, channelID string, logger *zap.Logger) (*Discord, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &Discord{session: session, channelID: channelID, logger: logger}, nil
}

func (d *Discord) Name() string { return "discord" }

// Notify posts one message per workflow.
func (d *Discord) Notify(ctx context.Context, snap workflow.Snapshot) error {
	msg := Format(snap)
	content := fmt.Sprintf("**%s**\n%s", msg.Title, msg.Content)
	if _, err := d.session.ChannelMessageSend(d.channelID, content, discordgo.WithContext(ctx)); err != nil {
		d.logger.Error("discord send failed",
			zap.String("channel", d.channelID), zap.Error(err))
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}
