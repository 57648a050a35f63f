package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"anomalywatch/internal/detector"
)

// Notification wraps a detected event with delivery context.
type Notification struct {
	Event     detector.Event
	Simulated bool
}

// Notifier delivers a notification to one channel.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// RenderMessage formats the human readable alert text shared by all chat channels.
func RenderMessage(note Notification) string {
	ev := note.Event
	var b strings.Builder
	if note.Simulated {
		b.WriteString("[SIMULATED] ")
	}

	switch ev.Kind {
	case detector.KindPump:
		fmt.Fprintf(&b, "🚀 %s is PUMPING!\n+%s%% %s!", ev.Symbol, ev.Magnitude.StringFixed(2), span(ev))
	case detector.KindDump:
		fmt.Fprintf(&b, "🔻 %s is DUMPING!\n%s%% %s!", ev.Symbol, ev.Magnitude.StringFixed(2), span(ev))
	case detector.KindVolumeSpike:
		fmt.Fprintf(&b, "📊 %s VOLUME SPIKE!\n%sx the previous %s candle volume!", ev.Symbol, ev.Magnitude.StringFixed(2), shortDuration(ev.Interval))
	default:
		fmt.Fprintf(&b, "%s %s %s", ev.Symbol, ev.Kind, ev.Magnitude.StringFixed(2))
	}

	if ev.Source != "" {
		fmt.Fprintf(&b, "\nSource: %s", ev.Source)
	}
	return b.String()
}

func span(ev detector.Event) string {
	if ev.Interval > 0 {
		return fmt.Sprintf("in the last %s candle", shortDuration(ev.Interval))
	}
	return fmt.Sprintf("in last %d mins", int(ev.Window/time.Minute))
}

func shortDuration(d time.Duration) string {
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return d.String()
	}
}

// Fanout delivers to every notifier and reports all failures together.
type Fanout []Notifier

// Notify implements Notifier. A failing channel does not stop delivery to the rest.
func (f Fanout) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RetryOptions bound the retry loop of Retrying.
type RetryOptions struct {
	MaxRetries      int
	MaxElapsed      time.Duration
	InitialInterval time.Duration
}

// Retrying retries a notifier with exponential backoff.
type Retrying struct {
	next   Notifier
	opts   RetryOptions
	logger zerolog.Logger
}

// NewRetrying wraps next. MaxRetries of zero disables retries.
func NewRetrying(next Notifier, opts RetryOptions, logger zerolog.Logger) *Retrying {
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 500 * time.Millisecond
	}
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = 30 * time.Second
	}
	return &Retrying{
		next:   next,
		opts:   opts,
		logger: logger.With().Str("component", "alert_retry").Logger(),
	}
}

// Notify implements Notifier.
func (r *Retrying) Notify(ctx context.Context, note Notification) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := r.next.Notify(ctx, note)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	strategy := backoff.NewExponentialBackOff()
	strategy.InitialInterval = r.opts.InitialInterval
	strategy.MaxElapsedTime = r.opts.MaxElapsed
	policy := backoff.WithContext(backoff.WithMaxRetries(strategy, uint64(max(r.opts.MaxRetries, 0))), ctx)

	notify := func(err error, wait time.Duration) {
		r.logger.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).
			Str("symbol", note.Event.Symbol).Msg("alert delivery failed, retrying")
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return fmt.Errorf("deliver alert after %d attempts: %w", attempt, err)
	}
	return nil
}

var (
	_ Notifier = Fanout(nil)
	_ Notifier = (*Retrying)(nil)
)
