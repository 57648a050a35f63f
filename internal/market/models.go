// Package market holds the exchange-agnostic shapes that sample sources produce.
package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one kline as reported by a source, oldest-first within a slice.
type Candle struct {
	OpenTime  time.Time
	CloseTime time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// ClosedBy reports whether the candle had finished at instant t.
func (c Candle) ClosedBy(t time.Time) bool {
	return !c.CloseTime.After(t)
}

// Prices maps symbol to last traded price for one poll.
type Prices map[string]decimal.Decimal
