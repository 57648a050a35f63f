package detector

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"anomalywatch/internal/market"
)

// CandleDetector compares the last two closed candles of a symbol. It keeps no state
// between calls: each candle close is judged on its own.
type CandleDetector struct {
	thresholds Thresholds
	logger     zerolog.Logger
}

// NewCandleDetector builds a detector for discrete candle closes.
func NewCandleDetector(thresholds Thresholds, logger zerolog.Logger) *CandleDetector {
	return &CandleDetector{
		thresholds: thresholds,
		logger:     logger.With().Str("component", "candle_detector").Logger(),
	}
}

// LastClosed returns the newest closed candle and its predecessor. Candles still open at
// now are ignored wherever they sit in the slice.
func LastClosed(candles []market.Candle, now time.Time) (previous, current market.Candle, err error) {
	found := 0
	for i := len(candles) - 1; i >= 0 && found < 2; i-- {
		if !candles[i].ClosedBy(now) {
			continue
		}
		if found == 0 {
			current = candles[i]
		} else {
			previous = candles[i]
		}
		found++
	}
	if found < 2 {
		return market.Candle{}, market.Candle{}, fmt.Errorf("%w: have %d closed of %d", ErrInsufficientCandles, found, len(candles))
	}
	return previous, current, nil
}

// VolumeRatio is current/previous volume, defined as zero when previous volume is not positive.
func VolumeRatio(previous, current decimal.Decimal) decimal.Decimal {
	if !previous.IsPositive() {
		return decimal.Zero
	}
	return current.Div(previous)
}

// Evaluate applies the candle rules for one symbol at one interval. Price change wins
// over volume: when pump or dump fires, the volume ratio is not checked for that close.
func (d *CandleDetector) Evaluate(source, symbol string, interval time.Duration, candles []market.Candle, now time.Time) (Event, bool, error) {
	previous, current, err := LastClosed(candles, now)
	if err != nil {
		return Event{}, false, err
	}
	if !current.Open.IsPositive() {
		return Event{}, false, fmt.Errorf("%w: %s open %s", ErrMalformedCandle, symbol, current.Open)
	}
	if current.Volume.IsNegative() || previous.Volume.IsNegative() {
		return Event{}, false, fmt.Errorf("%w: %s negative volume", ErrMalformedCandle, symbol)
	}

	pct := PercentChange(current.Open, current.Close)
	if kind, ok := ClassifyChange(pct, d.thresholds.PercentChange); ok {
		event := newEvent(source, symbol, kind, pct, d.thresholds.PercentChange, now)
		event.Baseline = current.Open
		event.Current = current.Close
		event.Interval = interval
		event.CandleOpen = current.OpenTime
		d.logFired(event)
		return event, true, nil
	}

	ratio := VolumeRatio(previous.Volume, current.Volume)
	if ratio.IsPositive() && ratio.GreaterThanOrEqual(d.thresholds.VolumeRatio) {
		event := newEvent(source, symbol, KindVolumeSpike, ratio, d.thresholds.VolumeRatio, now)
		event.Baseline = previous.Volume
		event.Current = current.Volume
		event.Interval = interval
		event.CandleOpen = current.OpenTime
		d.logFired(event)
		return event, true, nil
	}

	return Event{}, false, nil
}

func (d *CandleDetector) logFired(event Event) {
	d.logger.Info().
		Str("source", event.Source).
		Str("symbol", event.Symbol).
		Dur("interval", event.Interval).
		Str("kind", string(event.Kind)).
		Str("magnitude", event.Magnitude.StringFixed(2)).
		Msg("candle threshold breached")
}
