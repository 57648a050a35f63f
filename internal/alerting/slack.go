package alerting

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// SlackOptions configure the Slack notifier.
type SlackOptions struct {
	Token   string
	Channel string
	// APIURL overrides https://slack.com/api/ for testing or proxies.
	APIURL  string
	Timeout time.Duration
}

// SlackNotifier posts alerts with chat.postMessage.
type SlackNotifier struct {
	client  *slack.Client
	channel string
	logger  zerolog.Logger
}

// NewSlackNotifier builds a Slack notifier for one channel.
func NewSlackNotifier(opts SlackOptions, logger zerolog.Logger) *SlackNotifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	clientOpts := []slack.Option{slack.OptionHTTPClient(&http.Client{Timeout: opts.Timeout})}
	if opts.APIURL != "" {
		clientOpts = append(clientOpts, slack.OptionAPIURL(strings.TrimRight(opts.APIURL, "/")+"/"))
	}

	return &SlackNotifier{
		client:  slack.New(opts.Token, clientOpts...),
		channel: opts.Channel,
		logger:  logger.With().Str("component", "alert_slack").Logger(),
	}
}

// Notify implements Notifier.
func (n *SlackNotifier) Notify(ctx context.Context, note Notification) error {
	_, ts, err := n.client.PostMessageContext(ctx, n.channel, slack.MsgOptionText(RenderMessage(note), false))
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}

	n.logger.Info().Str("symbol", note.Event.Symbol).
		Str("kind", string(note.Event.Kind)).
		Str("ts", ts).
		Msg("alert sent (slack)")
	return nil
}

var _ Notifier = (*SlackNotifier)(nil)
