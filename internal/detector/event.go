// Package detector classifies fresh market samples against configured thresholds.
package detector

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind labels a detected anomaly.
type Kind string

const (
	KindPump        Kind = "pump"
	KindDump        Kind = "dump"
	KindVolumeSpike Kind = "volume_spike"
)

var (
	// ErrInsufficientCandles means fewer than two closed candles were available.
	ErrInsufficientCandles = errors.New("detector: insufficient closed candles")
	// ErrMalformedCandle means a candle carried values no metric can be computed from.
	ErrMalformedCandle = errors.New("detector: malformed candle")
)

var hundred = decimal.NewFromInt(100)

// Thresholds are the process-wide comparison limits, fixed after startup.
type Thresholds struct {
	PercentChange decimal.Decimal
	VolumeRatio   decimal.Decimal
}

// NewThresholds converts configured float thresholds into decimals.
func NewThresholds(percentChange, volumeRatio float64) Thresholds {
	return Thresholds{
		PercentChange: decimal.NewFromFloat(percentChange),
		VolumeRatio:   decimal.NewFromFloat(volumeRatio),
	}
}

// Event is one detected breach handed to the dispatcher.
type Event struct {
	ID         uuid.UUID
	Source     string
	Symbol     string
	Kind       Kind
	Magnitude  decimal.Decimal
	Threshold  decimal.Decimal
	Baseline   decimal.Decimal
	Current    decimal.Decimal
	Window     time.Duration
	Interval   time.Duration
	// CandleOpen is the open time of the closed candle a candle-mode event was judged on.
	CandleOpen time.Time
	DetectedAt time.Time
}

// PercentChange returns (current-base)/base*100. Callers guard base > 0.
func PercentChange(base, current decimal.Decimal) decimal.Decimal {
	return current.Sub(base).Div(base).Mul(hundred)
}

// ClassifyChange applies the pump/dump rule: pump is checked first and dump only when
// pump did not match, so a single value can never yield both.
func ClassifyChange(pct, threshold decimal.Decimal) (Kind, bool) {
	if pct.GreaterThanOrEqual(threshold) {
		return KindPump, true
	} else if pct.LessThanOrEqual(threshold.Neg()) {
		return KindDump, true
	}
	return "", false
}

func newEvent(source, symbol string, kind Kind, magnitude, threshold decimal.Decimal, at time.Time) Event {
	return Event{
		ID:         uuid.New(),
		Source:     source,
		Symbol:     symbol,
		Kind:       kind,
		Magnitude:  magnitude,
		Threshold:  threshold,
		DetectedAt: at,
	}
}
