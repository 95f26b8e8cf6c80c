package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

const discordMaxMsgLen = 2000

// Discord posts alerts to one Discord channel through the REST API. No
// gateway connection is opened.
type Discord struct {
	session   *discordgo.Session
	channelID string
	logger    *slog.Logger
}

type DiscordConfig struct {
	Token     string
	ChannelID string
	Logger    *slog.Logger
}

func NewDiscord(cfg DiscordConfig) (*Discord, error) {
	if cfg.Token == "" || cfg.ChannelID == "" {
		return nil, errors.New("discord: token and channel id are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &Discord{session: session, channelID: cfg.ChannelID, logger: cfg.Logger}, nil
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Post(ctx context.Context, text string) error {
	for _, chunk := range splitMessage(text, discordMaxMsgLen) {
		if _, err := d.session.ChannelMessageSend(d.channelID, chunk, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord post to %s: %w", d.channelID, err)
		}
	}
	return nil
}
