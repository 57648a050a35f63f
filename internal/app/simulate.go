package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"anomalywatch/internal/alerting"
	"anomalywatch/internal/config"
	"anomalywatch/internal/detector"
	"anomalywatch/internal/market"
	"anomalywatch/internal/storage"
	"anomalywatch/internal/window"
)

// SimulateOptions describe a synthetic move pushed through the real detectors.
type SimulateOptions struct {
	Source   string
	Symbol   string
	Mode     string
	Baseline decimal.Decimal
	Current  decimal.Decimal
	// PreviousVolume and CurrentVolume are only read in candle mode.
	PreviousVolume decimal.Decimal
	CurrentVolume  decimal.Decimal
}

// ErrNoBreach is returned when the simulated move stays inside the thresholds.
var ErrNoBreach = errors.New("simulated move does not breach the configured thresholds")

// SimulateAlert evaluates a synthetic move with the configured thresholds and delivers
// the resulting alert, marked as simulated, through every configured channel.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is not enabled")
	}

	notifier, err := a.newNotifier()
	if err != nil {
		return err
	}

	ev, err := a.simulateEvent(opts, time.Now().UTC())
	if err != nil {
		return err
	}

	deliveryErr := notifier.Notify(ctx, alerting.Notification{Event: ev, Simulated: true})
	if err := a.journalSimulated(ctx, ev, deliveryErr); err != nil {
		a.Logger.Error().Err(err).Msg("failed to persist simulated alert")
	}
	if deliveryErr != nil {
		return fmt.Errorf("deliver simulated alert: %w", deliveryErr)
	}

	a.Logger.Info().
		Str("event_id", ev.ID.String()).
		Str("symbol", ev.Symbol).
		Str("kind", string(ev.Kind)).
		Msg("simulated alert delivered")
	return nil
}

func (a *App) simulateEvent(opts SimulateOptions, now time.Time) (detector.Event, error) {
	det := a.Config.Detection
	thresholds := detector.NewThresholds(det.PercentChangeThreshold, det.VolumeRatioThreshold)

	if !opts.Baseline.IsPositive() || !opts.Current.IsPositive() {
		return detector.Event{}, errors.New("baseline and current prices must be greater than zero")
	}

	switch opts.Mode {
	case "", config.ModeRolling:
		store := window.NewStore(det.LookbackWindow)
		rolling := detector.NewRolling(store, thresholds, a.Logger)
		key := window.SeriesKey{Source: opts.Source, Symbol: opts.Symbol}

		rolling.Observe(key, now.Add(-det.LookbackWindow/2), opts.Baseline)
		ev, fired := rolling.Observe(key, now, opts.Current)
		if !fired {
			return detector.Event{}, ErrNoBreach
		}
		return ev, nil

	case config.ModeCandle:
		interval := 5 * time.Minute
		if len(det.CandleIntervals) > 0 {
			interval = det.CandleIntervals[0]
		}
		candles := simulatedCandles(now, interval, opts)
		ev, fired, err := detector.NewCandleDetector(thresholds, a.Logger).Evaluate(opts.Source, opts.Symbol, interval, candles, now)
		if err != nil {
			return detector.Event{}, err
		}
		if !fired {
			return detector.Event{}, ErrNoBreach
		}
		return ev, nil

	default:
		return detector.Event{}, fmt.Errorf("unknown detection mode %q", opts.Mode)
	}
}

// simulatedCandles returns two closed candles followed by the forming one at now. The
// previous candle is flat at the baseline; the current one opens at the baseline and
// closes at the simulated price.
func simulatedCandles(now time.Time, interval time.Duration, opts SimulateOptions) []market.Candle {
	forming := now.Truncate(interval)
	previous := forming.Add(-2 * interval)
	current := forming.Add(-interval)

	candle := func(open time.Time, o, c, v decimal.Decimal) market.Candle {
		return market.Candle{
			OpenTime:  open,
			CloseTime: open.Add(interval - time.Millisecond),
			Open:      o,
			High:      decimal.Max(o, c),
			Low:       decimal.Min(o, c),
			Close:     c,
			Volume:    v,
		}
	}

	return []market.Candle{
		candle(previous, opts.Baseline, opts.Baseline, opts.PreviousVolume),
		candle(current, opts.Baseline, opts.Current, opts.CurrentVolume),
		candle(forming, opts.Current, opts.Current, decimal.Zero),
	}
}

func (a *App) journalSimulated(ctx context.Context, ev detector.Event, deliveryErr error) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil || store == nil {
		return err
	}
	defer closeStore()

	_, err = store.InsertAlert(ctx, storage.RecordFromEvent(ev, deliveryErr, true))
	return err
}
