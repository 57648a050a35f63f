package detector

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"anomalywatch/internal/window"
)

// Rolling detects pump/dump moves of a price over the store's lookback window.
//
// After a breach the key's window is reset to the triggering observation, so the same
// move cannot fire again until price travels a full threshold from the new baseline.
type Rolling struct {
	store     *window.Store
	threshold decimal.Decimal
	logger    zerolog.Logger
}

// NewRolling builds a rolling percent-change detector over store.
func NewRolling(store *window.Store, thresholds Thresholds, logger zerolog.Logger) *Rolling {
	return &Rolling{
		store:     store,
		threshold: thresholds.PercentChange,
		logger:    logger.With().Str("component", "rolling_detector").Logger(),
	}
}

// Observe records price for key at the given instant and reports a breach, if any.
func (r *Rolling) Observe(key window.SeriesKey, at time.Time, price decimal.Decimal) (Event, bool) {
	var (
		event Event
		fired bool
	)

	current := window.Observation{At: at, Value: price}
	r.store.Update(key, func(s *window.Series) {
		s.Record(current)

		now := at
		if latest, ok := s.Latest(); ok && latest.At.After(now) {
			now = latest.At
		}
		s.Prune(now)

		// A late sample still feeds future baselines but is not the current price.
		if now.After(at) {
			r.logger.Debug().Str("key", key.String()).Time("at", at).Time("latest", now).Msg("late observation recorded without decision")
			return
		}

		base, ok := s.Baseline()
		if !ok {
			return
		}
		if !base.Value.IsPositive() {
			r.logger.Debug().Str("key", key.String()).Str("baseline", base.Value.String()).Msg("non-positive baseline skipped")
			return
		}

		pct := PercentChange(base.Value, price)
		kind, breached := ClassifyChange(pct, r.threshold)
		if !breached {
			return
		}

		event = newEvent(key.Source, key.Symbol, kind, pct, r.threshold, at)
		event.Baseline = base.Value
		event.Current = price
		event.Window = r.store.Lookback()
		fired = true

		s.ResetTo(current)
	})

	if fired {
		r.logger.Info().
			Str("key", key.String()).
			Str("kind", string(event.Kind)).
			Str("magnitude", event.Magnitude.StringFixed(2)).
			Msg("rolling threshold breached")
	}
	return event, fired
}
