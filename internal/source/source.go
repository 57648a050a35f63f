package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"anomalywatch/internal/market"
)

// ErrUnknownSource is returned for a source name no implementation exists for.
var ErrUnknownSource = errors.New("source: unknown source")

// Source is one exchange's public market data, polled once per cycle.
type Source interface {
	// Name is the stable identifier used in series keys and alerts.
	Name() string
	// ListSymbols returns the tradable symbols accepted by filter.
	ListSymbols(ctx context.Context, filter Filter) ([]string, error)
	// LastPrices returns a last-price snapshot for every listed symbol.
	LastPrices(ctx context.Context) (market.Prices, error)
	// RecentCandles returns up to limit of the newest candles for symbol, oldest first.
	// The forming candle may be included; callers decide what counts as closed.
	RecentCandles(ctx context.Context, symbol string, interval time.Duration, limit int) ([]market.Candle, error)
}

// Filter narrows the tradable universe.
type Filter struct {
	QuoteAsset       string
	Exclude          []string
	ExcludeLeveraged bool
}

// DefaultExclude drops scaled-unit contracts such as 1000PEPEUSDT.
var DefaultExclude = []string{"1000", "500", "250"}

var leveragedSuffixes = []string{"UP", "DOWN", "BULL", "BEAR"}

// Match reports whether symbol is quoted in the filter's asset and carries no excluded fragment.
func (f Filter) Match(symbol string) bool {
	base := symbol
	if f.QuoteAsset != "" {
		if !strings.HasSuffix(symbol, f.QuoteAsset) || symbol == f.QuoteAsset {
			return false
		}
		base = strings.TrimSuffix(symbol, f.QuoteAsset)
	}
	for _, fragment := range f.Exclude {
		if fragment != "" && strings.Contains(symbol, fragment) {
			return false
		}
	}
	if f.ExcludeLeveraged && isLeveraged(base) {
		return false
	}
	return true
}

// isLeveraged spots BTCUP/ETHDOWN style tokens. Short bases like JUP are real coins.
func isLeveraged(base string) bool {
	for _, suffix := range leveragedSuffixes {
		if strings.HasSuffix(base, suffix) && len(base)-len(suffix) >= 3 {
			return true
		}
	}
	return false
}

// Apply filters and sorts symbols.
func (f Filter) Apply(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if f.Match(s) {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func parseError(field, value string, err error) error {
	return fmt.Errorf("parse %s %q: %w", field, value, err)
}

// buildCandle parses the string OHLCV fields both exchanges return.
func buildCandle(openTime, closeTime time.Time, open, high, low, closePrice, volume string) (market.Candle, error) {
	candle := market.Candle{OpenTime: openTime, CloseTime: closeTime}
	fields := []struct {
		name  string
		value string
		dst   *decimal.Decimal
	}{
		{"open", open, &candle.Open},
		{"high", high, &candle.High},
		{"low", low, &candle.Low},
		{"close", closePrice, &candle.Close},
		{"volume", volume, &candle.Volume},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.value)
		if err != nil {
			return market.Candle{}, parseError(f.name, f.value, err)
		}
		*f.dst = v
	}
	return candle, nil
}
