package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
)

const slackMaxMsgLen = 4000

// Slack posts alerts to one Slack channel with a bot token. It is
// notification-only; approvals are resolved from admin Telegram chats or the
// API.
type Slack struct {
	client  *slack.Client
	channel string
	logger  *slog.Logger
}

type SlackConfig struct {
	BotToken string
	Channel  string
	// APIURL overrides the Slack Web API base URL (must end in "/").
	APIURL string
	Logger *slog.Logger
}

func NewSlack(cfg SlackConfig) (*Slack, error) {
	if cfg.BotToken == "" || cfg.Channel == "" {
		return nil, errors.New("slack: bot token and channel are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	var opts []slack.Option
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	return &Slack{
		client:  slack.New(cfg.BotToken, opts...),
		channel: cfg.Channel,
		logger:  cfg.Logger,
	}, nil
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Post(ctx context.Context, text string) error {
	for _, chunk := range splitMessage(text, slackMaxMsgLen) {
		if _, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionText(chunk, false)); err != nil {
			return fmt.Errorf("slack post to %s: %w", s.channel, err)
		}
	}
	return nil
}
