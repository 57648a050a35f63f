package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"anomalywatch/internal/alerting"
	"anomalywatch/internal/config"
	"anomalywatch/internal/detector"
	"anomalywatch/internal/platform/httpclient"
	"anomalywatch/internal/scheduler"
	"anomalywatch/internal/service"
	"anomalywatch/internal/source"
	"anomalywatch/internal/status"
	"anomalywatch/internal/storage"
	"anomalywatch/internal/version"
	"anomalywatch/internal/window"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output (tables, rendered config).
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		Config: cfg,
		Logger: logger.With().Str("component", "app").Logger(),
		Out:    os.Stdout,
	}
}

// newHTTPClient builds one rate limited client. Each source gets its own so exchange
// limits are not shared.
func (a *App) newHTTPClient() *httpclient.Client {
	cfg := a.Config.Sources
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}
	return httpclient.New(httpclient.Options{
		Timeout:        cfg.RequestTimeout,
		RequestsPerSec: cfg.RequestsPerSec,
		Burst:          cfg.Burst,
		MaxRetries:     cfg.MaxRetries,
		UserAgent:      userAgent,
	})
}

func (a *App) newSources() ([]source.Source, error) {
	cfg := a.Config.Sources
	sources := make([]source.Source, 0, len(cfg.Enabled))
	for _, name := range cfg.Enabled {
		src, err := source.New(name, source.Options{
			BinanceBaseURL: cfg.Binance.BaseURL,
			BybitBaseURL:   cfg.Bybit.BaseURL,
			BybitCategory:  cfg.Bybit.Category,
			HTTP:           a.newHTTPClient(),
		}, a.Logger)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}

func (a *App) sourceFilter() source.Filter {
	return source.Filter{
		QuoteAsset:       a.Config.Sources.QuoteAsset,
		Exclude:          a.Config.Sources.Exclude,
		ExcludeLeveraged: a.Config.Sources.ExcludeLeveraged,
	}
}

// newNotifier returns nil when alerting is disabled. Each channel retries on its own so
// a flaky channel never causes duplicates on the healthy ones.
func (a *App) newNotifier() (alerting.Notifier, error) {
	cfg := a.Config.Alerting
	if !cfg.Enabled {
		return nil, nil
	}

	var channels alerting.Fanout
	if cfg.Telegram.Enabled {
		tg, err := alerting.NewTelegramNotifier(alerting.TelegramOptions{
			BotToken: cfg.Telegram.BotToken,
			ChatID:   cfg.Telegram.ChatID,
			BaseURL:  cfg.Telegram.APIBase,
			Timeout:  cfg.Timeout,
		}, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("telegram notifier: %w", err)
		}
		channels = append(channels, a.withRetry(tg))
	}
	if cfg.Slack.Enabled {
		channels = append(channels, a.withRetry(alerting.NewSlackNotifier(alerting.SlackOptions{
			Token:   cfg.Slack.Token,
			Channel: cfg.Slack.Channel,
			APIURL:  cfg.Slack.APIURL,
			Timeout: cfg.Timeout,
		}, a.Logger)))
	}
	if cfg.Webhook.Enabled {
		channels = append(channels, a.withRetry(alerting.NewWebhookNotifier(cfg.Webhook.URL, cfg.Timeout, a.Logger)))
	}

	switch len(channels) {
	case 0:
		return nil, errors.New("alerting enabled but no channel configured")
	case 1:
		return channels[0], nil
	default:
		return channels, nil
	}
}

func (a *App) withRetry(n alerting.Notifier) alerting.Notifier {
	cfg := a.Config.Alerting
	if cfg.MaxRetries <= 0 {
		return n
	}
	return alerting.NewRetrying(n, alerting.RetryOptions{
		MaxRetries: cfg.MaxRetries,
		MaxElapsed: cfg.RetryMaxElapsed,
	}, a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if !a.Config.Database.Enabled() {
		return nil, nil, nil
	}

	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func (a *App) newDetectors(store *window.Store) (*detector.Rolling, *detector.CandleDetector) {
	det := a.Config.Detection
	thresholds := detector.NewThresholds(det.PercentChangeThreshold, det.VolumeRatioThreshold)

	var (
		rolling *detector.Rolling
		candles *detector.CandleDetector
	)
	if det.HasMode(config.ModeRolling) {
		rolling = detector.NewRolling(store, thresholds, a.Logger)
	}
	if det.HasMode(config.ModeCandle) {
		candles = detector.NewCandleDetector(thresholds, a.Logger)
	}
	return rolling, candles
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; alert journal disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	sources, err := a.newSources()
	if err != nil {
		return err
	}
	notifier, err := a.newNotifier()
	if err != nil {
		return err
	}
	if notifier == nil {
		a.Logger.Warn().Msg("alerting disabled; alerts are only logged")
	}

	windows := window.NewStore(a.Config.Detection.LookbackWindow)
	rolling, candles := a.newDetectors(windows)

	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		AlignToStart:   a.Config.Scheduler.AlignToBucket,
		RunImmediately: a.Config.Scheduler.RunImmediately,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	opts := service.Options{
		Sources:         sources,
		Filter:          a.sourceFilter(),
		Store:           windows,
		Rolling:         rolling,
		Candles:         candles,
		CandleIntervals: a.Config.Detection.CandleIntervals,
		CandleLimit:     a.Config.Detection.CandleLimit,
		Concurrency:     a.Config.Sources.Concurrency,
		Notifier:        notifier,
		Scheduler:       sched,
	}
	if store != nil {
		opts.Journal = store
		opts.Locker = store
		opts.LockKey = a.Config.Scheduler.AdvisoryLockKey
		opts.Retention = a.Config.Database.Retention
	}
	svc := service.New(opts, a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	if addr := a.Config.Status.Addr; addr != "" {
		srv := status.New(addr, svc, a.Logger)
		g.Go(func() error { return srv.Run(gctx) })
	}
	g.Go(func() error {
		a.Logger.Info().
			Strs("sources", a.Config.Sources.Enabled).
			Strs("modes", a.Config.Detection.Modes).
			Dur("interval", a.Config.Scheduler.Interval).
			Msg("starting monitoring service")
		return svc.Run(gctx)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// ExportOptions hold parameters for exporting journaled alerts.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
	// JSON prints one object per line instead of a table.
	JSON bool
}
