package alerting

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

const defaultTelegramAPI = "https://api.telegram.org"

// TelegramOptions configure the Telegram notifier.
type TelegramOptions struct {
	BotToken string
	// ChatID is a numeric chat id or an @channel username.
	ChatID  string
	BaseURL string
	Timeout time.Duration
}

// TelegramNotifier pushes alerts through the Bot API sendMessage method.
type TelegramNotifier struct {
	bot     *tgbotapi.BotAPI
	chatID  int64
	channel string
	logger  zerolog.Logger
}

// NewTelegramNotifier authenticates the bot (getMe) and returns a notifier for one chat.
func NewTelegramNotifier(opts TelegramOptions, logger zerolog.Logger) (*TelegramNotifier, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = defaultTelegramAPI
	}

	n := &TelegramNotifier{logger: logger.With().Str("component", "alert_telegram").Logger()}
	if strings.HasPrefix(opts.ChatID, "@") {
		n.channel = opts.ChatID
	} else {
		id, err := strconv.ParseInt(opts.ChatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid telegram chat id %q: %w", opts.ChatID, err)
		}
		n.chatID = id
	}

	bot, err := tgbotapi.NewBotAPIWithClient(opts.BotToken, base+"/bot%s/%s", &http.Client{Timeout: opts.Timeout})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	n.bot = bot
	return n, nil
}

// Notify implements Notifier.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var msg tgbotapi.MessageConfig
	if n.channel != "" {
		msg = tgbotapi.NewMessageToChannel(n.channel, RenderMessage(note))
	} else {
		msg = tgbotapi.NewMessage(n.chatID, RenderMessage(note))
	}

	if _, err := n.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}

	n.logger.Info().Str("symbol", note.Event.Symbol).
		Str("kind", string(note.Event.Kind)).
		Str("event_id", note.Event.ID.String()).
		Msg("alert sent (telegram)")
	return nil
}

var _ Notifier = (*TelegramNotifier)(nil)
